package roles

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/aspect-build/trustgraph/internal/graph"
	"github.com/aspect-build/trustgraph/internal/logx"
	"github.com/aspect-build/trustgraph/internal/measure"
	"github.com/aspect-build/trustgraph/internal/ownership"
	"github.com/aspect-build/trustgraph/internal/quote"
	"github.com/aspect-build/trustgraph/internal/registry"
)

// composeRegistry binds a registry client to one controller contract for
// the source-code discipline.
type composeRegistry struct {
	client     *registry.Client
	controller common.Address
}

func (r *composeRegistry) IsComposeHashRegistered(ctx context.Context, hashHex string) (bool, error) {
	return r.client.IsComposeHashRegistered(ctx, r.controller, hashHex)
}

// Flags selects which verification steps the chain runs. Domain flags only
// apply to roles that implement OwnDomain.
type Flags struct {
	Hardware         bool `json:"hardware"`
	OS               bool `json:"os"`
	SourceCode       bool `json:"source_code"`
	TeeControlledKey bool `json:"tee_controlled_key"`
	CertificateKey   bool `json:"certificate_key"`
	DnsCAA           bool `json:"dns_caa"`
	CTLog            bool `json:"ct_log"`
}

// AllFlags enables every step.
func AllFlags() Flags {
	return Flags{
		Hardware:         true,
		OS:               true,
		SourceCode:       true,
		TeeControlledKey: true,
		CertificateKey:   true,
		DnsCAA:           true,
		CTLog:            true,
	}
}

// StepError records one step that could not complete.
type StepError struct {
	Role    Role   `json:"role"`
	Step    string `json:"step"`
	Message string `json:"message"`
}

// StepResult records one completed step's verdict.
type StepResult struct {
	Role   Role   `json:"role"`
	Step   string `json:"step"`
	Passed bool   `json:"passed"`
}

// Report summarizes a chain run. Success means every selected step ran to
// completion; AllPassed additionally requires every verdict to be positive.
type Report struct {
	Success   bool         `json:"success"`
	AllPassed bool         `json:"all_passed"`
	Steps     []StepResult `json:"steps"`
	Errors    []StepError  `json:"errors"`
}

// Result carries the provenance objects next to the run report.
type Result struct {
	Objects []graph.Object `json:"objects"`
	Report  Report         `json:"report"`
}

// ChainConfig configures one full verification run. Roles whose config is
// nil are skipped; the build order is always KMS, then Gateway, then App.
type ChainConfig struct {
	Quotes  quote.Verifier
	Replay  measure.Replayer
	Checker *ownership.Checker

	KMS     *KMSConfig
	Gateway *GatewayConfig
	App     *AppConfig

	Flags Flags
}

// Chain runs the selected verifiers in trust order and accumulates a single
// provenance graph across them.
type Chain struct {
	cfg ChainConfig
	g   *graph.Graph

	report Report
}

// NewChain validates the config and builds a chain with a fresh graph.
func NewChain(cfg ChainConfig) (*Chain, error) {
	if cfg.Quotes == nil {
		return nil, fmt.Errorf("chain: quote verifier is required")
	}
	if cfg.KMS == nil && cfg.Gateway == nil && cfg.App == nil {
		return nil, fmt.Errorf("chain: no roles configured")
	}
	return &Chain{cfg: cfg, g: graph.New()}, nil
}

// Run executes the chain. Step failures and errors are accumulated, never
// short-circuited; the error return covers only verifier construction.
func (c *Chain) Run(ctx context.Context) (*Result, error) {
	var kms *KMS
	if c.cfg.KMS != nil {
		k, err := NewKMS(c.g, c.cfg.Quotes, c.cfg.Replay, *c.cfg.KMS)
		if err != nil {
			return nil, err
		}
		kms = k
		c.runRole(ctx, k)
	}

	var gw *Gateway
	if c.cfg.Gateway != nil {
		g, err := NewGateway(c.g, c.cfg.Quotes, c.cfg.Replay, c.cfg.Checker, *c.cfg.Gateway)
		if err != nil {
			return nil, err
		}
		gw = g
		// The registry names the gateway before the gateway speaks for
		// itself, so the KMS object carries the expected app id ahead of
		// the gateway's own emission.
		resolved := c.resolveGatewayAppID(ctx, kms)
		c.runRole(ctx, gw)
		c.runDomain(ctx, gw)
		if resolved {
			c.g.AddMeasuredBy(gw.gen.MainID(), graph.MeasuredBy{
				ObjectID:      kms.gen.MainID(),
				FieldName:     "gateway_app_id",
				SelfFieldName: "app_id",
			})
		}
	}

	if c.cfg.App != nil {
		app, err := NewApp(c.g, c.cfg.Quotes, c.cfg.Replay, *c.cfg.App)
		if err != nil {
			return nil, err
		}
		c.runRole(ctx, app)
		c.linkApp(kms, gw, app)
	}

	c.report.Success = len(c.report.Errors) == 0
	c.report.AllPassed = c.report.Success
	for _, s := range c.report.Steps {
		if !s.Passed {
			c.report.AllPassed = false
		}
	}
	logx.Infof("chain done steps=%d errors=%d success=%v all_passed=%v",
		len(c.report.Steps), len(c.report.Errors), c.report.Success, c.report.AllPassed)
	return &Result{Objects: c.g.Objects(), Report: c.report}, nil
}

func (c *Chain) runRole(ctx context.Context, v Verifier) {
	if c.cfg.Flags.Hardware {
		c.step(v.Role(), "hardware", func() (bool, error) { return v.VerifyHardware(ctx) })
	}
	if c.cfg.Flags.OS {
		c.step(v.Role(), "os", func() (bool, error) { return v.VerifyOperatingSystem(ctx) })
	}
	if c.cfg.Flags.SourceCode {
		c.step(v.Role(), "source_code", func() (bool, error) { return v.VerifySourceCode(ctx) })
	}
}

func (c *Chain) runDomain(ctx context.Context, d OwnDomain) {
	role := RoleGateway
	if v, ok := d.(Verifier); ok {
		role = v.Role()
	}
	if c.cfg.Flags.TeeControlledKey {
		c.step(role, "tee_controlled_key", func() (bool, error) { return d.VerifyTeeControlledKey(ctx) })
	}
	if c.cfg.Flags.CertificateKey {
		c.step(role, "certificate_key", func() (bool, error) { return d.VerifyCertificateKey(ctx) })
	}
	if c.cfg.Flags.DnsCAA {
		c.step(role, "dns_caa", func() (bool, error) { return d.VerifyDnsCAA(ctx) })
	}
	if c.cfg.Flags.CTLog {
		c.step(role, "ct_log", func() (bool, error) { return d.VerifyCTLog(ctx) })
	}
}

func (c *Chain) step(role Role, name string, fn func() (bool, error)) {
	ok, err := fn()
	if err != nil {
		logx.Warnf("chain role=%s step=%s error: %v", role, name, err)
		c.report.Errors = append(c.report.Errors, StepError{Role: role, Step: name, Message: err.Error()})
		return
	}
	logx.Debugf("chain role=%s step=%s passed=%v", role, name, ok)
	c.report.Steps = append(c.report.Steps, StepResult{Role: role, Step: name, Passed: ok})
}

// resolveGatewayAppID asks the KMS registry which app id the trusted
// gateway runs under and records it on the KMS object. The measured-by edge
// is added later, once the gateway object exists.
func (c *Chain) resolveGatewayAppID(ctx context.Context, kms *KMS) bool {
	if kms == nil {
		return false
	}
	appID, err := kms.GatewayAppID(ctx)
	if err != nil {
		c.report.Errors = append(c.report.Errors, StepError{
			Role: RoleKMS, Step: "gateway_app_id", Message: err.Error(),
		})
		return false
	}
	c.g.SetField(kms.gen.MainID(), "gateway_app_id", appID)
	return true
}

// linkApp records the app's trust anchors: its service certificates chain to
// the KMS CA, and its traffic terminates on the gateway's verified domain.
func (c *Chain) linkApp(kms *KMS, gw *Gateway, app *App) {
	if kms != nil {
		c.g.AddMeasuredBy(app.gen.MainID(), graph.MeasuredBy{
			ObjectID:  kms.gen.MainID(),
			FieldName: "ca_pubkey",
		})
	}
	if gw != nil {
		c.g.AddMeasuredBy(app.gen.MainID(), graph.MeasuredBy{
			ObjectID:  gw.gen.DomainID(),
			FieldName: "domain",
		})
	}
}
