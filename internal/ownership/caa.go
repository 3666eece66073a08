package ownership

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/aspect-build/trustgraph/internal/logx"
)

// CAA record type code in DNS.
const dnsTypeCAA = 257

type dohAnswer struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	TTL  int    `json:"TTL"`
	Data string `json:"data"`
}

type dohResponse struct {
	Status int         `json:"Status"`
	Answer []dohAnswer `json:"Answer"`
}

// VerifyDnsCAA checks that the domain restricts certificate issuance
// exclusively to the TEE's own ACME account: at least one CAA record must
// exist and every one of them must carry the account URI. A resolvable
// domain that fails those conditions is a negative verdict, not an error;
// errors are reserved for resolver and decoding failures.
func (c *Checker) VerifyDnsCAA(ctx context.Context, domain, accountURI string) (bool, error) {
	endpoint := fmt.Sprintf("%s/resolve?name=%s&type=CAA", c.dohBase(), url.QueryEscape(domain))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("build DoH request: %w", err)
	}
	req.Header.Set("Accept", "application/dns-json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return false, fmt.Errorf("resolve CAA for %s: %w", domain, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("resolve CAA for %s: status %d", domain, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("read DoH response: %w", err)
	}
	var decoded dohResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return false, fmt.Errorf("parse DoH response: %w", err)
	}

	var caa []dohAnswer
	for _, a := range decoded.Answer {
		if a.Type == dnsTypeCAA {
			caa = append(caa, a)
		}
	}
	if len(caa) == 0 {
		logx.Warnf("ownership.caa domain=%s has no CAA records, issuance is unrestricted", domain)
		return false, nil
	}
	for _, rec := range caa {
		if !strings.Contains(rec.Data, accountURI) {
			logx.Warnf("ownership.caa domain=%s record=%q does not pin the acme account", domain, rec.Data)
			return false, nil
		}
	}
	logx.Debugf("ownership.caa domain=%s records=%d pinned=true", domain, len(caa))
	return true, nil
}
