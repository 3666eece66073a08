package internal

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aspect-build/trustgraph/internal/measure"
	"github.com/aspect-build/trustgraph/internal/quote"
	"github.com/aspect-build/trustgraph/internal/roles"
	"github.com/aspect-build/trustgraph/internal/server"
	"github.com/aspect-build/trustgraph/internal/server/db"
	"github.com/aspect-build/trustgraph/internal/server/queue"
)

const (
	itMrtd    = "aaaa"
	itRtmr0   = "bbbb"
	itRtmr1   = "cccc"
	itRtmr2   = "dddd"
	itCompose = `{"services":{"web":{"image":"app:1.0"}}}`
)

type itQuotes struct{}

func (itQuotes) Verify(_ context.Context, _ string) (*quote.VerifyResult, error) {
	return &quote.VerifyResult{
		Status: quote.StatusUpToDate,
		Report: quote.Report{TD10: &quote.TDReport10{
			MrTd: itMrtd, RtMr0: itRtmr0, RtMr1: itRtmr1, RtMr2: itRtmr2,
		}},
	}, nil
}

type itReplayer struct{}

func (itReplayer) Replay(_ context.Context, _ string, _ measure.VMConfig) (measure.Measurement, error) {
	return measure.Measurement{Mrtd: itMrtd, Rtmr0: itRtmr0, Rtmr1: itRtmr1, Rtmr2: itRtmr2}, nil
}

// itRunner executes task requests against in-process fakes for the quote
// and measurement tooling, leaving everything else real.
type itRunner struct{}

func (itRunner) Run(ctx context.Context, raw []byte) (*roles.Result, error) {
	var req server.TaskRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	flags := roles.AllFlags()
	if req.Flags != nil {
		flags = *req.Flags
	}
	cfg := roles.ChainConfig{Quotes: itQuotes{}, Replay: itReplayer{}, Flags: flags}
	if req.Gateway != nil {
		cfg.Gateway = &roles.GatewayConfig{Endpoint: req.Gateway.Endpoint, Metadata: req.Gateway.Metadata}
	}
	if req.App != nil {
		cfg.App = &roles.AppConfig{Endpoint: req.App.Endpoint, Metadata: req.App.Metadata}
	}
	chain, err := roles.NewChain(cfg)
	if err != nil {
		return nil, err
	}
	return chain.Run(ctx)
}

func serveAppInfo(t *testing.T) *httptest.Server {
	t.Helper()
	sum := sha256.Sum256([]byte(itCompose))
	evlog, _ := json.Marshal([]quote.LogEntry{
		{IMR: 3, EventType: 9, Event: "compose-hash", Digest: "22", EventPayload: hex.EncodeToString(sum[:])},
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.dstack/app-info" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"app_id":      "it-app",
			"instance_id": "it-instance",
			"app_compose": itCompose,
			"vm_config":   `{"cpu_count":2,"memory_size":2048}`,
			"quote":       "deadbeef",
			"event_log":   string(evlog),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// TestTaskPipeline drives a verification task through the HTTP API, the
// queue, and the chain: submit, poll, inspect the stored result.
func TestTaskPipeline(t *testing.T) {
	gin.SetMode(gin.TestMode)

	store, err := db.NewStore(filepath.Join(t.TempDir(), "it.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := &server.Config{ImageDir: "/images"}
	ts := httptest.NewServer(server.NewRouter(store, cfg))
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	q := queue.New(store, itRunner{}, 1, 2)
	go q.Start(ctx)

	gwSrv := serveAppInfo(t)
	body := fmt.Sprintf(
		`{"flags":{"hardware":true,"os":true,"source_code":true},"gateway":{"endpoint":%q,"metadata":{}}}`,
		gwSrv.URL,
	)
	resp, err := http.Post(ts.URL+"/v1/tasks", "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("POST /v1/tasks: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("got status %d: %s", resp.StatusCode, raw)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		t.Fatalf("parse create response: %v", err)
	}

	var final struct {
		Status string `json:"status"`
		Result struct {
			Report roles.Report `json:"report"`
		} `json:"result"`
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("task %s never completed, last status %q", created.ID, final.Status)
		}
		resp, err := http.Get(ts.URL + "/v1/tasks/" + created.ID)
		if err != nil {
			t.Fatalf("GET task: %v", err)
		}
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err := json.Unmarshal(raw, &final); err != nil {
			t.Fatalf("parse task: %v (%s)", err, raw)
		}
		if final.Status == db.StatusCompleted || final.Status == db.StatusFailed {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}

	if final.Status != db.StatusCompleted {
		t.Fatalf("got status %q, want %q", final.Status, db.StatusCompleted)
	}
	if !final.Result.Report.Success || !final.Result.Report.AllPassed {
		t.Fatalf("unexpected report: %+v", final.Result.Report)
	}
	if got, want := len(final.Result.Report.Steps), 3; got != want {
		t.Fatalf("got %d steps, want %d", got, want)
	}
}
