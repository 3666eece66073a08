package ownership

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/aspect-build/trustgraph/internal/logx"
	"github.com/aspect-build/trustgraph/internal/quote"
)

// acmeAccountPrefix is prepended to the account URI before hashing it into
// the quote's report data. It binds the hash to its purpose so the same
// quote cannot double as evidence for anything else.
const acmeAccountPrefix = "acme-account:"

// AcmeInfo is the domain-control material a gateway publishes: its ACME
// account, every public key that account has ever used (oldest first), the
// currently served certificate chain (PEM, leaf first), and the quote
// binding the account to the TEE.
type AcmeInfo struct {
	AccountURI   string     `json:"account_uri"`
	HistKeys     []string   `json:"hist_keys"`
	ActiveCert   string     `json:"active_cert"`
	BaseDomain   string     `json:"base_domain"`
	AccountQuote quote.Data `json:"account_quote"`
}

// CurrentKey returns the most recent historical key, hex encoded.
func (a *AcmeInfo) CurrentKey() (string, bool) {
	if len(a.HistKeys) == 0 {
		return "", false
	}
	return a.HistKeys[len(a.HistKeys)-1], true
}

// AccountURIHash is sha512(acmeAccountPrefix + accountURI), hex encoded,
// the value expected in the binding quote's report data.
func AccountURIHash(accountURI string) string {
	sum := sha512.Sum512([]byte(acmeAccountPrefix + accountURI))
	return hex.EncodeToString(sum[:])
}

// VerifyTeeControlledKey proves the ACME account key lives inside the TEE:
// the quote published with the account must verify with an up-to-date TCB
// and its report data must equal the hash of the account URI. A quote that
// verifies but fails those conditions is a negative verdict, not an error;
// only a failing verification tool surfaces as an error.
func (c *Checker) VerifyTeeControlledKey(ctx context.Context, info *AcmeInfo) (bool, *quote.VerifyResult, error) {
	if info.AccountQuote.Quote == "" {
		logx.Warnf("ownership.teekey account_uri=%s carries no account quote", info.AccountURI)
		return false, nil, nil
	}
	res, err := c.Quotes.Verify(ctx, info.AccountQuote.Quote)
	if err != nil {
		return false, nil, fmt.Errorf("verify acme account quote: %w", err)
	}
	if !res.UpToDate() {
		logx.Warnf("ownership.teekey account_uri=%s quote status %q, want %q", info.AccountURI, res.Status, quote.StatusUpToDate)
		return false, res, nil
	}
	td := res.TD10()
	if td == nil {
		logx.Warnf("ownership.teekey account_uri=%s quote is not a TDX quote", info.AccountURI)
		return false, res, nil
	}

	want := AccountURIHash(info.AccountURI)
	got := strings.TrimPrefix(strings.ToLower(td.ReportData), "0x")
	if !strings.EqualFold(got, want) {
		logx.Warnf("ownership.teekey account_uri=%s report data %s, want sha512 of account uri %s", info.AccountURI, got, want)
		return false, res, nil
	}
	logx.Debugf("ownership.teekey account_uri=%s bound=%v", info.AccountURI, true)
	return true, res, nil
}
