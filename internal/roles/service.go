package roles

import (
	"context"
	"fmt"
	"sync"

	"github.com/aspect-build/trustgraph/internal/appinfo"
	"github.com/aspect-build/trustgraph/internal/measure"
	"github.com/aspect-build/trustgraph/internal/quote"
	"github.com/aspect-build/trustgraph/internal/verify"
)

// service carries the mechanics shared by all three roles: memoized
// evidence acquisition and the three universal disciplines. Role types
// embed it and differ only in how evidence is fetched and which extra
// fields land on their main object.
type service struct {
	role     Role
	gen      *Generator
	quotes   quote.Verifier
	replay   measure.Replayer
	imageDir string
	registry verify.ComposeRegistry // nil: no registration requirement
	vmConfig *measure.VMConfig      // overrides the self-reported vm_config

	fetchQuote func(ctx context.Context) (quote.Data, error)
	fetchInfo  func(ctx context.Context) (*appinfo.AppInfo, error) // nil when the role has no info endpoint
	mainFields func(info *appinfo.AppInfo, q quote.Data) map[string]any

	mu       sync.Mutex
	q        *quote.Data
	info     *appinfo.AppInfo
	att      *quote.VerifyResult
	mainDone bool
}

func (s *service) Role() Role { return s.role }

// Quote fetches the role's attestation quote once per run.
func (s *service) Quote(ctx context.Context) (quote.Data, error) {
	s.mu.Lock()
	cached := s.q
	s.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}
	q, err := s.fetchQuote(ctx)
	if err != nil {
		return quote.Data{}, fmt.Errorf("%s: fetch quote: %w", s.role, err)
	}
	if q.Quote == "" {
		return quote.Data{}, fmt.Errorf("%s: empty quote", s.role)
	}
	s.mu.Lock()
	s.q = &q
	s.mu.Unlock()
	return q, nil
}

// AppInfo fetches the role's self-published info once per run.
func (s *service) AppInfo(ctx context.Context) (*appinfo.AppInfo, error) {
	if s.fetchInfo == nil {
		return nil, fmt.Errorf("%s: no app-info endpoint configured", s.role)
	}
	s.mu.Lock()
	cached := s.info
	s.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	info, err := s.fetchInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: fetch app info: %w", s.role, err)
	}
	s.mu.Lock()
	s.info = info
	s.mu.Unlock()
	return info, nil
}

// Attestation verifies the quote once per run and caches the report.
func (s *service) Attestation(ctx context.Context) (*quote.VerifyResult, error) {
	s.mu.Lock()
	cached := s.att
	s.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	q, err := s.Quote(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.quotes.Verify(ctx, q.Quote)
	if err != nil {
		return nil, fmt.Errorf("%s: verify quote: %w", s.role, err)
	}
	s.mu.Lock()
	s.att = res
	s.mu.Unlock()
	return res, nil
}

// ensureMain emits the role's main identity object once.
func (s *service) ensureMain(ctx context.Context) error {
	s.mu.Lock()
	done := s.mainDone
	s.mu.Unlock()
	if done {
		return nil
	}
	q, err := s.Quote(ctx)
	if err != nil {
		return err
	}
	var info *appinfo.AppInfo
	if s.fetchInfo != nil {
		// Info is supplemental for the main object; a role whose endpoint is
		// down still gets its quote-derived identity recorded.
		info, _ = s.AppInfo(ctx)
	}
	var fields map[string]any
	if s.mainFields != nil {
		fields = s.mainFields(info, q)
	}
	s.gen.EmitMain(q, fields)
	s.mu.Lock()
	s.mainDone = true
	s.mu.Unlock()
	return nil
}

// VerifyHardware validates the quote and projects the hardware platform,
// attestation report, and per-register event-log objects into the graph.
func (s *service) VerifyHardware(ctx context.Context) (bool, error) {
	if err := s.ensureMain(ctx); err != nil {
		return false, err
	}
	q, err := s.Quote(ctx)
	if err != nil {
		return false, err
	}
	res, err := s.Attestation(ctx)
	if err != nil {
		return false, err
	}
	hw := verify.HardwareResult{Valid: res.UpToDate(), Report: res}

	s.gen.EmitHardware(hw)
	s.gen.EmitReport(hw)
	entries, err := q.Entries()
	if err != nil {
		return hw.Valid, fmt.Errorf("%s: %w", s.role, err)
	}
	s.gen.EmitEventLog(verify.PartitionEventLog(entries))
	return hw.Valid, nil
}

// VerifyOperatingSystem replays the boot measurement for the role's pinned
// image and compares it against the registers claimed by the quote.
func (s *service) VerifyOperatingSystem(ctx context.Context) (bool, error) {
	if err := s.ensureMain(ctx); err != nil {
		return false, err
	}
	res, err := s.Attestation(ctx)
	if err != nil {
		return false, err
	}
	td := res.TD10()
	if td == nil {
		return false, fmt.Errorf("%s: attestation report carries no TDX registers", s.role)
	}

	cfg, err := s.resolveVMConfig(ctx)
	if err != nil {
		return false, err
	}
	osRes, err := verify.OperatingSystem(ctx, s.replay, s.imageDir, cfg,
		verify.TcbFromReport(td.MrTd, td.RtMr0, td.RtMr1, td.RtMr2))
	if err != nil {
		return false, fmt.Errorf("%s: %w", s.role, err)
	}
	s.gen.EmitOS(osRes, cfg)
	return osRes.Match, nil
}

func (s *service) resolveVMConfig(ctx context.Context) (measure.VMConfig, error) {
	if s.vmConfig != nil {
		return *s.vmConfig, nil
	}
	info, err := s.AppInfo(ctx)
	if err != nil {
		return measure.VMConfig{}, err
	}
	cfg, err := measure.ParseVMConfig(info.VMConfig)
	if err != nil {
		return measure.VMConfig{}, fmt.Errorf("%s: %w", s.role, err)
	}
	return cfg, nil
}

// VerifySourceCode recomputes the compose hash from the role's published
// composition and checks it against the boot record (and the registry,
// when one is bound).
func (s *service) VerifySourceCode(ctx context.Context) (bool, error) {
	if err := s.ensureMain(ctx); err != nil {
		return false, err
	}
	info, err := s.AppInfo(ctx)
	if err != nil {
		return false, err
	}
	q, err := s.Quote(ctx)
	if err != nil {
		return false, err
	}
	entries, err := q.Entries()
	if err != nil {
		return false, fmt.Errorf("%s: %w", s.role, err)
	}
	res, err := verify.SourceCode(ctx, info.AppCompose, entries, s.registry)
	if err != nil {
		return false, fmt.Errorf("%s: %w", s.role, err)
	}
	s.gen.EmitSourceCode(res)
	return res.OK(), nil
}
