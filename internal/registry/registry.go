package registry

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/aspect-build/trustgraph/internal/logx"
	"github.com/aspect-build/trustgraph/internal/quote"
)

// Minimal read-only surface of the on-chain KMS and app-controller
// contracts. Quote and event log for the KMS live on chain; everything is
// a view call.
const kmsABIJSON = `[
	{"type":"function","name":"kmsInfo","stateMutability":"view","inputs":[],"outputs":[
		{"name":"k256Pubkey","type":"bytes"},
		{"name":"caPubkey","type":"bytes"},
		{"name":"quote","type":"bytes"},
		{"name":"eventlog","type":"bytes"}]},
	{"type":"function","name":"gatewayAppId","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]}
]`

const controllerABIJSON = `[
	{"type":"function","name":"isComposeHashRegistered","stateMutability":"view","inputs":[{"name":"composeHash","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]}
]`

// KmsInfo is the governance record for the root-of-trust KMS instance.
type KmsInfo struct {
	K256Pubkey string
	CAPubkey   string
	Quote      quote.Data
}

// Caller is the subset of ethclient used here, split out for tests.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Client reads the KMS governance contract and per-app controller contracts.
type Client struct {
	ec      Caller
	kmsAddr common.Address

	kmsABI        abi.ABI
	controllerABI abi.ABI
}

// Dial connects to an RPC endpoint and binds the KMS contract address.
func Dial(ctx context.Context, rpcURL, kmsContract string) (*Client, error) {
	if !common.IsHexAddress(kmsContract) {
		return nil, fmt.Errorf("invalid KMS contract address %q", kmsContract)
	}
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", rpcURL, err)
	}
	return NewClient(ec, common.HexToAddress(kmsContract))
}

// NewClient builds a client over an existing contract caller.
func NewClient(caller Caller, kmsAddr common.Address) (*Client, error) {
	kmsABI, err := abi.JSON(strings.NewReader(kmsABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse kms abi: %w", err)
	}
	controllerABI, err := abi.JSON(strings.NewReader(controllerABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse controller abi: %w", err)
	}
	return &Client{ec: caller, kmsAddr: kmsAddr, kmsABI: kmsABI, controllerABI: controllerABI}, nil
}

// KmsInfo returns the KMS root keys plus its attestation quote and event log.
func (c *Client) KmsInfo(ctx context.Context) (*KmsInfo, error) {
	out, err := c.view(ctx, c.kmsAddr, c.kmsABI, "kmsInfo")
	if err != nil {
		return nil, err
	}
	vals, err := c.kmsABI.Unpack("kmsInfo", out)
	if err != nil {
		return nil, fmt.Errorf("unpack kmsInfo: %w", err)
	}
	if len(vals) != 4 {
		return nil, fmt.Errorf("unpack kmsInfo: got %d values, want 4", len(vals))
	}
	k256, _ := vals[0].([]byte)
	ca, _ := vals[1].([]byte)
	q, _ := vals[2].([]byte)
	evlog, _ := vals[3].([]byte)
	if len(q) == 0 {
		return nil, fmt.Errorf("kmsInfo: empty quote on chain")
	}
	info := &KmsInfo{
		K256Pubkey: hex.EncodeToString(k256),
		CAPubkey:   hex.EncodeToString(ca),
		Quote: quote.Data{
			Quote:    hex.EncodeToString(q),
			EventLog: string(evlog),
		},
	}
	logx.Debugf("registry.kmsInfo contract=%s quote_len=%d eventlog_len=%d", c.kmsAddr.Hex(), len(q), len(evlog))
	return info, nil
}

// GatewayAppID returns the application id the KMS accepts as its gateway.
func (c *Client) GatewayAppID(ctx context.Context) (string, error) {
	out, err := c.view(ctx, c.kmsAddr, c.kmsABI, "gatewayAppId")
	if err != nil {
		return "", err
	}
	vals, err := c.kmsABI.Unpack("gatewayAppId", out)
	if err != nil {
		return "", fmt.Errorf("unpack gatewayAppId: %w", err)
	}
	id, _ := vals[0].(string)
	return id, nil
}

// IsComposeHashRegistered checks a sha256 compose hash against a controller
// contract. hashHex must be 32 bytes of hex.
func (c *Client) IsComposeHashRegistered(ctx context.Context, controller common.Address, hashHex string) (bool, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(hashHex, "0x"))
	if err != nil {
		return false, fmt.Errorf("decode compose hash %q: %w", hashHex, err)
	}
	if len(raw) != 32 {
		return false, fmt.Errorf("compose hash must be 32 bytes, got %d", len(raw))
	}
	var h [32]byte
	copy(h[:], raw)

	out, err := c.view(ctx, controller, c.controllerABI, "isComposeHashRegistered", h)
	if err != nil {
		return false, err
	}
	vals, err := c.controllerABI.Unpack("isComposeHashRegistered", out)
	if err != nil {
		return false, fmt.Errorf("unpack isComposeHashRegistered: %w", err)
	}
	registered, _ := vals[0].(bool)
	return registered, nil
}

func (c *Client) view(ctx context.Context, addr common.Address, a abi.ABI, method string, args ...any) ([]byte, error) {
	data, err := a.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := c.ec.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, addr.Hex(), err)
	}
	return out, nil
}
