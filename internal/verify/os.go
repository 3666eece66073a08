package verify

import (
	"context"
	"fmt"

	"github.com/aspect-build/trustgraph/internal/logx"
	"github.com/aspect-build/trustgraph/internal/measure"
)

// TcbValues are the measurement registers a quote claims for the booted OS.
type TcbValues struct {
	Mrtd  string
	Rtmr0 string
	Rtmr1 string
	Rtmr2 string
}

// TcbFromReport lifts the claimed registers out of a decoded TD report.
func TcbFromReport(mrtd, rtmr0, rtmr1, rtmr2 string) TcbValues {
	return TcbValues{Mrtd: mrtd, Rtmr0: rtmr0, Rtmr1: rtmr1, Rtmr2: rtmr2}
}

// OSResult compares a replayed measurement against the claimed registers.
type OSResult struct {
	Match    bool
	Computed measure.Measurement
	Expected TcbValues
}

// OperatingSystem replays the boot measurement over the pinned OS image and
// requires exact equality on all four registers.
func OperatingSystem(ctx context.Context, rp measure.Replayer, imageDir string, cfg measure.VMConfig, expected TcbValues) (OSResult, error) {
	computed, err := rp.Replay(ctx, imageDir, cfg)
	if err != nil {
		return OSResult{}, fmt.Errorf("replay measurement: %w", err)
	}
	res := OSResult{Computed: computed, Expected: expected}
	res.Match = computed.Mrtd == expected.Mrtd &&
		computed.Rtmr0 == expected.Rtmr0 &&
		computed.Rtmr1 == expected.Rtmr1 &&
		computed.Rtmr2 == expected.Rtmr2
	if !res.Match {
		logx.Warnf("verify.os mismatch computed={mrtd=%s rtmr0=%s rtmr1=%s rtmr2=%s} expected={mrtd=%s rtmr0=%s rtmr1=%s rtmr2=%s}",
			computed.Mrtd, computed.Rtmr0, computed.Rtmr1, computed.Rtmr2,
			expected.Mrtd, expected.Rtmr0, expected.Rtmr1, expected.Rtmr2)
	}
	return res, nil
}
