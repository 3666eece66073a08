package ownership

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aspect-build/trustgraph/internal/logx"
)

// CTResult is the outcome of cross-referencing a domain's Certificate
// Transparency history against the TEE's historical key set.
//
// Certificates whose fetch or parse fails are skipped: they appear in
// neither TeeCertificates nor CertificatesChecked. An unfetchable
// certificate therefore cannot count against TeeControlled; see DESIGN.md
// before changing this accounting.
type CTResult struct {
	TeeControlled       bool     `json:"tee_controlled"`
	CertificatesChecked int      `json:"certificates_checked"`
	TeeCertificates     int      `json:"tee_certificates"`
	NonTeeCertificates  int      `json:"non_tee_certificates"`
	EarliestNotBefore   string   `json:"earliest_not_before,omitempty"`
	LatestNotBefore     string   `json:"latest_not_before,omitempty"`
	PublicKeysFound     []string `json:"public_keys_found"`
}

type ctSearchEntry struct {
	ID        int64  `json:"id"`
	NotBefore string `json:"not_before"`
}

// crt.sh timestamps come without a zone designator.
const ctTimeLayout = "2006-01-02T15:04:05"

// VerifyCTLog fetches every certificate ever logged for the domain and
// tests each public key against the TEE's historical key set. The domain is
// judged TEE-controlled only if at least one certificate exists and every
// checked certificate maps to a TEE key. A single failed certificate fetch
// is logged and skipped, never aborting the scan.
func (c *Checker) VerifyCTLog(ctx context.Context, domain string, histKeys []string) (*CTResult, error) {
	entries, err := c.searchCT(ctx, domain)
	if err != nil {
		return nil, err
	}

	teeKeys := make([][]byte, 0, len(histKeys))
	for _, k := range histKeys {
		raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(k), "0x"))
		if err != nil {
			logx.Warnf("ownership.ctlog skipping malformed tee key %q: %v", k, err)
			continue
		}
		teeKeys = append(teeKeys, raw)
	}

	res := &CTResult{}
	var earliest, latest time.Time
	seen := make(map[int64]bool)
	for _, entry := range entries {
		if seen[entry.ID] {
			continue
		}
		seen[entry.ID] = true

		spki, err := c.fetchCertSPKI(ctx, entry.ID)
		if err != nil {
			logx.Warnf("ownership.ctlog domain=%s cert=%d fetch failed, skipping: %v", domain, entry.ID, err)
			continue
		}
		res.PublicKeysFound = append(res.PublicKeysFound, hex.EncodeToString(spki))
		if keySetContains(teeKeys, spki) {
			res.TeeCertificates++
		} else {
			res.NonTeeCertificates++
		}
		res.CertificatesChecked++

		if ts, err := time.Parse(ctTimeLayout, entry.NotBefore); err == nil {
			if earliest.IsZero() || ts.Before(earliest) {
				earliest = ts
			}
			if latest.IsZero() || ts.After(latest) {
				latest = ts
			}
		}
	}

	if !earliest.IsZero() {
		res.EarliestNotBefore = earliest.Format(time.RFC3339)
		res.LatestNotBefore = latest.Format(time.RFC3339)
	}
	res.TeeControlled = res.CertificatesChecked > 0 && res.TeeCertificates == res.CertificatesChecked
	logx.Infof("ownership.ctlog domain=%s checked=%d tee=%d non_tee=%d controlled=%v",
		domain, res.CertificatesChecked, res.TeeCertificates, res.NonTeeCertificates, res.TeeControlled)
	return res, nil
}

func (c *Checker) searchCT(ctx context.Context, domain string) ([]ctSearchEntry, error) {
	endpoint := fmt.Sprintf("%s/?q=%s&output=json", c.ctBase(), url.QueryEscape(domain))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build CT search request: %w", err)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("search CT log for %s: %w", domain, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search CT log for %s: status %d", domain, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read CT search response: %w", err)
	}
	var entries []ctSearchEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("parse CT search response: %w", err)
	}
	return entries, nil
}

func (c *Checker) fetchCertSPKI(ctx context.Context, id int64) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/?d=%d", c.ctBase(), id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	certs, err := ParseCertChain(string(body))
	if err != nil {
		return nil, err
	}
	return certs[0].RawSubjectPublicKeyInfo, nil
}

func keySetContains(keys [][]byte, candidate []byte) bool {
	for _, k := range keys {
		if bytes.Equal(k, candidate) {
			return true
		}
	}
	return false
}
