package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/aspect-build/trustgraph/internal/logx"
	"github.com/aspect-build/trustgraph/internal/quote"
)

// composeHashEvent is the register-3 runtime event recording the deployment
// composition hash at boot.
const composeHashEvent = "compose-hash"

// ComposeRegistry answers whether a compose hash is registered on chain.
// A nil registry degrades the check to "no registration requirement".
type ComposeRegistry interface {
	IsComposeHashRegistered(ctx context.Context, hashHex string) (bool, error)
}

// SourceCodeResult records the recomputed compose hash and its comparisons.
type SourceCodeResult struct {
	Match           bool
	Registered      bool
	RegistryChecked bool
	CalculatedHash  string
	RecordedHash    string
}

// OK is the overall verdict: the hash must match the boot event, and be
// registered when a registry was supplied.
func (r SourceCodeResult) OK() bool {
	if !r.Match {
		return false
	}
	if r.RegistryChecked && !r.Registered {
		return false
	}
	return true
}

// SourceCode recomputes sha256 over the deployment composition blob and
// compares it to the compose-hash event recorded at boot. Fails closed when
// the event log never recorded a compose hash.
func SourceCode(ctx context.Context, appCompose string, entries []quote.LogEntry, reg ComposeRegistry) (SourceCodeResult, error) {
	res := SourceCodeResult{}

	recorded, found := findComposeHashEvent(entries)
	if !found {
		logx.Warnf("verify.sourcecode no %s event in log, failing closed", composeHashEvent)
		return res, nil
	}
	res.RecordedHash = recorded

	sum := sha256.Sum256([]byte(appCompose))
	res.CalculatedHash = hex.EncodeToString(sum[:])
	res.Match = res.CalculatedHash == recorded

	if reg != nil {
		res.RegistryChecked = true
		registered, err := reg.IsComposeHashRegistered(ctx, res.CalculatedHash)
		if err != nil {
			return res, fmt.Errorf("check compose hash registration: %w", err)
		}
		res.Registered = registered
	}
	return res, nil
}

func findComposeHashEvent(entries []quote.LogEntry) (string, bool) {
	for _, e := range entries {
		if e.IMR == 3 && e.Event == composeHashEvent {
			return e.EventPayload, true
		}
	}
	return "", false
}
