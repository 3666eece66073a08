package roles

import (
	"strings"

	"github.com/aspect-build/trustgraph/internal/graph"
	"github.com/aspect-build/trustgraph/internal/measure"
	"github.com/aspect-build/trustgraph/internal/ownership"
	"github.com/aspect-build/trustgraph/internal/quote"
	"github.com/aspect-build/trustgraph/internal/verify"
)

// Generator maps discipline results into role-typed provenance objects.
// Object ids are stable per role so cross-references between the three
// services can be declared before all of them have run.
type Generator struct {
	g       *graph.Graph
	origin  graph.Origin
	display string
	md      *Metadata
}

func NewGenerator(g *graph.Graph, origin graph.Origin, md *Metadata) *Generator {
	display := map[graph.Origin]string{
		graph.OriginKMS:     "KMS",
		graph.OriginGateway: "Gateway",
		graph.OriginApp:     "App",
	}[origin]
	return &Generator{g: g, origin: origin, display: display, md: md}
}

func (gen *Generator) id(suffix string) string {
	return string(gen.origin) + "-" + suffix
}

// MainID returns the id of the role's main identity object.
func (gen *Generator) MainID() string { return gen.id("main") }

// ReportID returns the id of the role's attestation-report object.
func (gen *Generator) ReportID() string { return gen.id("report") }

// DomainID returns the id of the role's domain-control object.
func (gen *Generator) DomainID() string { return gen.id("domain") }

// EmitMain records the role's main identity object: self-reported identity,
// the raw quote and event log, and the governance expectations.
func (gen *Generator) EmitMain(q quote.Data, fields map[string]any) string {
	all := map[string]any{
		"quote":     q.Quote,
		"event_log": q.EventLog,
	}
	if gen.md.Governance.Contract != "" {
		all["blockchain"] = gen.md.Governance.Blockchain
		all["contract"] = gen.md.Governance.Contract
		all["explorer_url"] = gen.md.Governance.ExplorerURL
	}
	for k, v := range fields {
		all[k] = v
	}
	gen.g.Put(graph.Object{
		ID:          gen.MainID(),
		Name:        gen.display + " Service",
		Description: "Main identity of the " + gen.display + " instance under verification.",
		Origin:      gen.origin,
		Fields:      all,
	})
	return gen.MainID()
}

// EmitHardware records the hardware platform vouched for by the quote.
func (gen *Generator) EmitHardware(res verify.HardwareResult) string {
	id := gen.id("hardware")
	gen.g.Put(graph.Object{
		ID:          id,
		Name:        gen.display + " Hardware",
		Description: "TEE hardware platform attested by the " + strings.ToLower(gen.display) + " quote.",
		Origin:      gen.origin,
		Fields: map[string]any{
			"manufacturer":     gen.md.Hardware.Manufacturer,
			"model":            gen.md.Hardware.Model,
			"security_feature": gen.md.Hardware.SecurityFeature,
			"verified":         res.Valid,
		},
		MeasuredBy: []graph.MeasuredBy{
			{ObjectID: gen.MainID(), FieldName: "quote"},
		},
	})
	return id
}

// EmitReport records the decoded attestation report, one field per decoded
// register, measured by the main object's quote field.
func (gen *Generator) EmitReport(res verify.HardwareResult) string {
	id := gen.ReportID()
	fields := map[string]any{
		"status": res.Report.Status,
	}
	if len(res.Report.AdvisoryIDs) > 0 {
		fields["advisory_ids"] = res.Report.AdvisoryIDs
	}
	if td := res.Report.TD10(); td != nil {
		fields["tee_tcb_svn"] = td.TeeTcbSvn
		fields["mr_seam"] = td.MrSeam
		fields["mr_signer_seam"] = td.MrSignerSeam
		fields["seam_attributes"] = td.SeamAttributes
		fields["td_attributes"] = td.TdAttributes
		fields["xfam"] = td.Xfam
		fields["mr_td"] = td.MrTd
		fields["mr_config_id"] = td.MrConfigID
		fields["mr_owner"] = td.MrOwner
		fields["mr_owner_config"] = td.MrOwnerConfig
		fields["rt_mr0"] = td.RtMr0
		fields["rt_mr1"] = td.RtMr1
		fields["rt_mr2"] = td.RtMr2
		fields["rt_mr3"] = td.RtMr3
		fields["report_data"] = td.ReportData
	}
	gen.g.Put(graph.Object{
		ID:          id,
		Name:        gen.display + " Attestation Report",
		Description: "Register values decoded from the verified quote.",
		Origin:      gen.origin,
		Fields:      fields,
		MeasuredBy: []graph.MeasuredBy{
			{ObjectID: gen.MainID(), FieldName: "quote"},
		},
	})
	return id
}

// EmitEventLog records one object per populated measurement register.
// Register 3 fields are keyed by event name, the firmware registers
// positionally; each object declares a replay_rtmr calculation and is
// measured by both the main event log and the matching report register.
func (gen *Generator) EmitEventLog(parts []verify.Partition) []string {
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		id := gen.EventLogID(p.Register)
		gen.g.Put(graph.Object{
			ID:          id,
			Name:        gen.display + " Event Log " + p.RegisterName(),
			Description: "Events extended into " + p.RegisterName() + " during boot and runtime.",
			Origin:      gen.origin,
			Fields:      p.Fields(),
			Calculations: []graph.Calculation{
				{Inputs: []string{"*"}, Func: "replay_rtmr", Outputs: []string{p.RegisterName()}},
			},
			MeasuredBy: []graph.MeasuredBy{
				{ObjectID: gen.MainID(), FieldName: "event_log"},
				{ObjectID: gen.ReportID(), FieldName: p.ReportFieldName(), SelfCalcOutputName: p.RegisterName()},
			},
		})
		ids = append(ids, id)
	}
	return ids
}

// EventLogID returns the object id for one register's event-log slice.
func (gen *Generator) EventLogID(register int) string {
	return gen.id("eventlog-imr" + string(rune('0'+register)))
}

// EmitOS records the OS object with the replayed register values and the
// calculations documenting how each register derives from the image set.
func (gen *Generator) EmitOS(res verify.OSResult, cfg measure.VMConfig) string {
	id := gen.id("os")
	fields := map[string]any{
		"github_repo": gen.md.OSSource.GithubRepo,
		"git_commit":  gen.md.OSSource.GitCommit,
		"version":     gen.md.OSSource.Version,
		"mrtd":        res.Computed.Mrtd,
		"rtmr0":       res.Computed.Rtmr0,
		"rtmr1":       res.Computed.Rtmr1,
		"rtmr2":       res.Computed.Rtmr2,
		"cpu_count":   cfg.CPUCount,
		"memory_size": cfg.MemorySize,
		"verified":    res.Match,
	}
	calcs := []graph.Calculation{
		{Inputs: []string{"bios"}, Func: "sha384", Outputs: []string{"mrtd"}},
		{Inputs: []string{"vm_config"}, Func: "sha384", Outputs: []string{"rtmr0"}},
		{Inputs: []string{"kernel", "initrd"}, Func: "sha384", Outputs: []string{"rtmr1"}},
		{Inputs: []string{"rootfs"}, Func: "sha384", Outputs: []string{"rtmr2"}},
	}
	rels := []graph.MeasuredBy{
		{ObjectID: gen.ReportID(), FieldName: "mr_td", SelfCalcOutputName: "mrtd"},
		{ObjectID: gen.ReportID(), FieldName: "rt_mr0", SelfCalcOutputName: "rtmr0"},
		{ObjectID: gen.ReportID(), FieldName: "rt_mr1", SelfCalcOutputName: "rtmr1"},
		{ObjectID: gen.ReportID(), FieldName: "rt_mr2", SelfCalcOutputName: "rtmr2"},
	}
	if cfg.HasGPU() {
		gen.md.HasGPU = true
		fields["num_gpus"] = cfg.NumGPUs
		calcs = append(calcs, graph.Calculation{
			Inputs:  []string{"bios", "kernel", "initrd", "rootfs"},
			Func:    "sha256",
			Outputs: []string{"os_image_hash"},
		})
	}
	gen.g.Put(graph.Object{
		ID:           id,
		Name:         gen.display + " Operating System",
		Description:  "Pinned OS image whose boot measurements were replayed and compared.",
		Origin:       gen.origin,
		Fields:       fields,
		Calculations: calcs,
		MeasuredBy:   rels,
	})
	return id
}

// EmitSourceCode records the code object with the recomputed compose hash,
// measured by the compose-hash runtime event in register 3.
func (gen *Generator) EmitSourceCode(res verify.SourceCodeResult) string {
	id := gen.id("code")
	fields := map[string]any{
		"github_repo":  gen.md.AppSource.GithubRepo,
		"git_commit":   gen.md.AppSource.GitCommit,
		"version":      gen.md.AppSource.Version,
		"compose_hash": res.CalculatedHash,
		"verified":     res.OK(),
	}
	if res.RegistryChecked {
		fields["registered"] = res.Registered
	}
	gen.g.Put(graph.Object{
		ID:          id,
		Name:        gen.display + " Source Code",
		Description: "Deployment composition recomputed from source and checked against the boot record.",
		Origin:      gen.origin,
		Fields:      fields,
		Calculations: []graph.Calculation{
			{Inputs: []string{"app_compose"}, Func: "sha256", Outputs: []string{"compose_hash"}},
		},
		MeasuredBy: []graph.MeasuredBy{
			{ObjectID: gen.EventLogID(3), FieldName: "compose-hash", SelfCalcOutputName: "compose_hash"},
		},
	})
	return id
}

// EmitDomain records or extends the domain-control object. Checks call it
// repeatedly; graph merge semantics accumulate fields without dropping the
// earlier relationships.
func (gen *Generator) EmitDomain(domain string, info *ownership.AcmeInfo, fields map[string]any) string {
	id := gen.DomainID()
	all := map[string]any{
		"domain": domain,
	}
	if info != nil {
		all["account_uri"] = info.AccountURI
		all["hist_keys"] = info.HistKeys
	}
	for k, v := range fields {
		all[k] = v
	}
	gen.g.Put(graph.Object{
		ID:          id,
		Name:        gen.display + " Domain Control",
		Description: "Evidence that the TLS identity for " + domain + " is exclusively TEE-controlled.",
		Origin:      gen.origin,
		Fields:      all,
		MeasuredBy: []graph.MeasuredBy{
			{ObjectID: gen.ReportID(), FieldName: "report_data", SelfFieldName: "account_uri"},
		},
	})
	return id
}
