// Package verify implements the four verification disciplines over fetched
// attestation material: hardware quote validation, OS measurement replay,
// source-code hash recomputation, and event-log partitioning. Each discipline
// returns a result the role generators project into the provenance graph.
package verify

import (
	"context"
	"fmt"

	"github.com/aspect-build/trustgraph/internal/logx"
	"github.com/aspect-build/trustgraph/internal/quote"
)

// HardwareResult carries the quote verdict plus the decoded report needed
// for provenance emission.
type HardwareResult struct {
	Valid  bool
	Report *quote.VerifyResult
}

// Hardware validates an attestation quote. A quote that verifies but whose
// TCB status is not UpToDate is a failed check, not an error: the report is
// still returned so the attestation objects can be recorded.
func Hardware(ctx context.Context, qv quote.Verifier, q quote.Data) (HardwareResult, error) {
	if q.Quote == "" {
		return HardwareResult{}, fmt.Errorf("no quote to verify")
	}
	res, err := qv.Verify(ctx, q.Quote)
	if err != nil {
		return HardwareResult{}, fmt.Errorf("verify quote: %w", err)
	}
	valid := res.UpToDate()
	if !valid {
		logx.Warnf("verify.hardware status=%s advisories=%v", res.Status, res.AdvisoryIDs)
	}
	return HardwareResult{Valid: valid, Report: res}, nil
}
