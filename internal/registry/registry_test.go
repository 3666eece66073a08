package registry

import (
	"context"
	"encoding/hex"
	"math/big"
	"strings"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// fakeCaller answers view calls with pre-packed return data keyed by the
// 4-byte method selector.
type fakeCaller struct {
	bySelector map[string][]byte
	lastTo     common.Address
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.lastTo = *msg.To
	sel := hex.EncodeToString(msg.Data[:4])
	out, ok := f.bySelector[sel]
	if !ok {
		return nil, context.Canceled
	}
	return out, nil
}

func newTestClient(t *testing.T, fc *fakeCaller) *Client {
	t.Helper()
	c, err := NewClient(fc, common.HexToAddress("0x00000000000000000000000000000000000000aa"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func selector(t *testing.T, c *Client, which, method string) string {
	t.Helper()
	a := c.kmsABI
	if which == "controller" {
		a = c.controllerABI
	}
	return hex.EncodeToString(a.Methods[method].ID)
}

func TestKmsInfo(t *testing.T) {
	fc := &fakeCaller{bySelector: map[string][]byte{}}
	c := newTestClient(t, fc)

	evlog := `[{"imr":0,"digest":"aa"}]`
	packed, err := c.kmsABI.Methods["kmsInfo"].Outputs.Pack(
		[]byte{0x02, 0x01}, []byte{0x03}, []byte{0xde, 0xad}, []byte(evlog),
	)
	if err != nil {
		t.Fatalf("pack outputs: %v", err)
	}
	fc.bySelector[selector(t, c, "kms", "kmsInfo")] = packed

	info, err := c.KmsInfo(context.Background())
	if err != nil {
		t.Fatalf("KmsInfo: %v", err)
	}
	if info.K256Pubkey != "0201" || info.CAPubkey != "03" {
		t.Fatalf("unexpected keys: %+v", info)
	}
	if info.Quote.Quote != "dead" || info.Quote.EventLog != evlog {
		t.Fatalf("unexpected quote data: %+v", info.Quote)
	}
}

func TestKmsInfoEmptyQuote(t *testing.T) {
	fc := &fakeCaller{bySelector: map[string][]byte{}}
	c := newTestClient(t, fc)

	packed, err := c.kmsABI.Methods["kmsInfo"].Outputs.Pack([]byte{}, []byte{}, []byte{}, []byte{})
	if err != nil {
		t.Fatalf("pack outputs: %v", err)
	}
	fc.bySelector[selector(t, c, "kms", "kmsInfo")] = packed

	if _, err := c.KmsInfo(context.Background()); err == nil {
		t.Fatalf("expected error for empty on-chain quote")
	}
}

func TestGatewayAppID(t *testing.T) {
	fc := &fakeCaller{bySelector: map[string][]byte{}}
	c := newTestClient(t, fc)

	packed, err := c.kmsABI.Methods["gatewayAppId"].Outputs.Pack("0x1234abcd")
	if err != nil {
		t.Fatalf("pack outputs: %v", err)
	}
	fc.bySelector[selector(t, c, "kms", "gatewayAppId")] = packed

	id, err := c.GatewayAppID(context.Background())
	if err != nil {
		t.Fatalf("GatewayAppID: %v", err)
	}
	if id != "0x1234abcd" {
		t.Fatalf("got %q, want %q", id, "0x1234abcd")
	}
}

func TestIsComposeHashRegistered(t *testing.T) {
	fc := &fakeCaller{bySelector: map[string][]byte{}}
	c := newTestClient(t, fc)

	packed, err := c.controllerABI.Methods["isComposeHashRegistered"].Outputs.Pack(true)
	if err != nil {
		t.Fatalf("pack outputs: %v", err)
	}
	fc.bySelector[selector(t, c, "controller", "isComposeHashRegistered")] = packed

	controller := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	hash := strings.Repeat("ab", 32)
	ok, err := c.IsComposeHashRegistered(context.Background(), controller, hash)
	if err != nil {
		t.Fatalf("IsComposeHashRegistered: %v", err)
	}
	if !ok {
		t.Fatalf("expected registered=true")
	}
	if fc.lastTo != controller {
		t.Fatalf("call went to %s, want controller %s", fc.lastTo.Hex(), controller.Hex())
	}
}

func TestIsComposeHashRegisteredRejectsShortHash(t *testing.T) {
	c := newTestClient(t, &fakeCaller{bySelector: map[string][]byte{}})
	if _, err := c.IsComposeHashRegistered(context.Background(), common.Address{}, "abcd"); err == nil {
		t.Fatalf("expected error for non-32-byte hash")
	}
}
