package verify

import (
	"fmt"

	"github.com/aspect-build/trustgraph/internal/quote"
)

// Partition is the slice of an event log that extended one measurement
// register.
type Partition struct {
	Register int
	Entries  []quote.LogEntry
}

// PartitionEventLog groups entries by register index, ascending, keeping
// only populated registers.
func PartitionEventLog(entries []quote.LogEntry) []Partition {
	byRegister := map[int][]quote.LogEntry{}
	for _, e := range entries {
		byRegister[e.IMR] = append(byRegister[e.IMR], e)
	}
	var parts []Partition
	for idx := 0; idx <= 3; idx++ {
		if group, ok := byRegister[idx]; ok {
			parts = append(parts, Partition{Register: idx, Entries: group})
		}
	}
	return parts
}

// Fields renders a partition as provenance-object fields. Register 3 holds
// human-meaningful runtime events (compose-hash, app-id, ...) so its entries
// are keyed by event name; the firmware registers are keyed positionally.
func (p Partition) Fields() map[string]any {
	fields := make(map[string]any, len(p.Entries))
	for i, e := range p.Entries {
		if p.Register == 3 && e.Event != "" {
			fields[e.Event] = e.EventPayload
			continue
		}
		fields[fmt.Sprintf("event_log_%d", i)] = e.Digest
	}
	return fields
}

// RegisterName returns the rtmr field name this partition replays into.
func (p Partition) RegisterName() string {
	return fmt.Sprintf("rtmr%d", p.Register)
}

// ReportFieldName returns the attestation-report field holding the claimed
// value for this register.
func (p Partition) ReportFieldName() string {
	return fmt.Sprintf("rt_mr%d", p.Register)
}
