package quote

import (
	"encoding/json"
	"testing"
)

func TestParseEventLog(t *testing.T) {
	raw := `[
		{"imr":0,"event_type":2147483659,"digest":"aa","event":"","event_payload":""},
		{"imr":3,"event_type":134217729,"digest":"bb","event":"compose-hash","event_payload":"deadbeef"}
	]`
	entries, err := ParseEventLog(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[1].Event != "compose-hash" || entries[1].IMR != 3 {
		t.Fatalf("unexpected entry: %+v", entries[1])
	}
}

func TestParseEventLogEmpty(t *testing.T) {
	entries, err := ParseEventLog("")
	if err != nil {
		t.Fatalf("empty log must not error: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("got %d entries, want 0", len(entries))
	}
}

func TestParseEventLogBadRegister(t *testing.T) {
	if _, err := ParseEventLog(`[{"imr":7,"digest":"aa"}]`); err == nil {
		t.Fatalf("expected error for register index out of range")
	}
}

func TestVerifyResultDecode(t *testing.T) {
	raw := `{
		"status": "UpToDate",
		"advisory_ids": ["INTEL-SA-00837"],
		"report": {"TD10": {"mr_td": "cafe", "rt_mr0": "00", "rt_mr1": "11", "rt_mr2": "22", "rt_mr3": "33", "report_data": "dd"}}
	}`
	var res VerifyResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.UpToDate() {
		t.Fatalf("expected UpToDate")
	}
	td := res.TD10()
	if td == nil {
		t.Fatalf("missing TD10 report")
	}
	for i, want := range []string{"00", "11", "22", "33"} {
		if got := td.RtMr(i); got != want {
			t.Fatalf("rtmr%d: got %q, want %q", i, got, want)
		}
	}
}

func TestVerifyResultStatuses(t *testing.T) {
	var nilRes *VerifyResult
	if nilRes.UpToDate() {
		t.Fatalf("nil result must not be up to date")
	}
	res := &VerifyResult{Status: "OutOfDate"}
	if res.UpToDate() {
		t.Fatalf("OutOfDate must not pass")
	}
}
