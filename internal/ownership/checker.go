// Package ownership verifies that a TLS domain is exclusively controlled by
// a TEE: the ACME account key is bound to an attestation quote, the served
// certificate chain terminates in a trusted root and carries a TEE key, DNS
// CAA restricts issuance to the TEE's own ACME account, and the domain's full
// Certificate Transparency history maps onto keys the TEE has ever held.
package ownership

import (
	"net/http"
	"time"

	"github.com/aspect-build/trustgraph/internal/quote"
)

const (
	defaultDoHBase = "https://dns.google"
	defaultCTBase  = "https://crt.sh"
)

// Checker runs the four domain-ownership checks. Zero-value endpoints fall
// back to the public resolvers; tests point them at httptest servers.
type Checker struct {
	HTTP    *http.Client
	DoHBase string
	CTBase  string
	Quotes  quote.Verifier
	Now     func() time.Time
}

func NewChecker(quotes quote.Verifier) *Checker {
	return &Checker{
		HTTP:   &http.Client{Timeout: 30 * time.Second},
		Quotes: quotes,
	}
}

func (c *Checker) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (c *Checker) dohBase() string {
	if c.DoHBase != "" {
		return c.DoHBase
	}
	return defaultDoHBase
}

func (c *Checker) ctBase() string {
	if c.CTBase != "" {
		return c.CTBase
	}
	return defaultCTBase
}

func (c *Checker) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
