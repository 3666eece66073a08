package quote

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Data is an attestation quote (opaque hex blob) together with the raw
// runtime event log that extended its measurement registers.
type Data struct {
	Quote    string `json:"quote"`
	EventLog string `json:"event_log"`
}

// LogEntry is one event-log record. IMR is the measurement-register index
// (0-3) the digest was extended into.
type LogEntry struct {
	IMR          int    `json:"imr"`
	EventType    uint32 `json:"event_type"`
	Digest       string `json:"digest"`
	Event        string `json:"event"`
	EventPayload string `json:"event_payload"`
}

// ParseEventLog decodes the JSON event log carried next to a quote.
// An empty input yields an empty log, not an error.
func ParseEventLog(raw string) ([]LogEntry, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var entries []LogEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("parse event log: %w", err)
	}
	for i, e := range entries {
		if e.IMR < 0 || e.IMR > 3 {
			return nil, fmt.Errorf("event log entry %d: register index %d out of range", i, e.IMR)
		}
	}
	return entries, nil
}

// Entries parses the event log attached to this quote.
func (d Data) Entries() ([]LogEntry, error) {
	return ParseEventLog(d.EventLog)
}

// StatusUpToDate is the only verification status accepted as fully trusted.
const StatusUpToDate = "UpToDate"

// TDReport10 carries the decoded TDX 1.0 TD report registers, hex encoded.
type TDReport10 struct {
	TeeTcbSvn      string `json:"tee_tcb_svn"`
	MrSeam         string `json:"mr_seam"`
	MrSignerSeam   string `json:"mr_signer_seam"`
	SeamAttributes string `json:"seam_attributes"`
	TdAttributes   string `json:"td_attributes"`
	Xfam           string `json:"xfam"`
	MrTd           string `json:"mr_td"`
	MrConfigID     string `json:"mr_config_id"`
	MrOwner        string `json:"mr_owner"`
	MrOwnerConfig  string `json:"mr_owner_config"`
	RtMr0          string `json:"rt_mr0"`
	RtMr1          string `json:"rt_mr1"`
	RtMr2          string `json:"rt_mr2"`
	RtMr3          string `json:"rt_mr3"`
	ReportData     string `json:"report_data"`
}

// Report wraps the per-TEE-type report variants. Only TDX 1.0 is populated
// by the current tooling.
type Report struct {
	TD10 *TDReport10 `json:"TD10,omitempty"`
}

// VerifyResult is the structured output of the quote-verification primitive.
type VerifyResult struct {
	Status      string   `json:"status"`
	AdvisoryIDs []string `json:"advisory_ids"`
	Report      Report   `json:"report"`
}

// UpToDate reports whether the quote passed with a fully current TCB.
func (r *VerifyResult) UpToDate() bool {
	return r != nil && r.Status == StatusUpToDate
}

// TD10 returns the TDX report body, or nil for non-TDX quotes.
func (r *VerifyResult) TD10() *TDReport10 {
	if r == nil {
		return nil
	}
	return r.Report.TD10
}

// RtMr returns the hex value of runtime measurement register idx (0-3).
func (t *TDReport10) RtMr(idx int) string {
	switch idx {
	case 0:
		return t.RtMr0
	case 1:
		return t.RtMr1
	case 2:
		return t.RtMr2
	case 3:
		return t.RtMr3
	}
	return ""
}
