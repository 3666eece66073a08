package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aspect-build/trustgraph/internal/logx"
	"github.com/aspect-build/trustgraph/internal/roles"
	"github.com/aspect-build/trustgraph/internal/server"
	"github.com/aspect-build/trustgraph/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "trustgraph",
		Short:   "trustgraph - TEE trust verification for KMS, gateway, and app services",
		Version: version.Version,
	}
	rootCmd.SetVersionTemplate(version.String("trustgraph") + "\n")

	rootCmd.AddCommand(newVerifyCmd())
	rootCmd.AddCommand(newGraphCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var stepNames = map[string]func(*roles.Flags){
	"hardware":           func(f *roles.Flags) { f.Hardware = true },
	"os":                 func(f *roles.Flags) { f.OS = true },
	"source-code":        func(f *roles.Flags) { f.SourceCode = true },
	"tee-controlled-key": func(f *roles.Flags) { f.TeeControlledKey = true },
	"certificate-key":    func(f *roles.Flags) { f.CertificateKey = true },
	"dns-caa":            func(f *roles.Flags) { f.DnsCAA = true },
	"ct-log":             func(f *roles.Flags) { f.CTLog = true },
}

func parseSteps(spec string) (roles.Flags, error) {
	if spec == "" || spec == "all" {
		return roles.AllFlags(), nil
	}
	var flags roles.Flags
	for _, name := range strings.Split(spec, ",") {
		name = strings.TrimSpace(name)
		set, ok := stepNames[name]
		if !ok {
			return flags, fmt.Errorf("unknown step %q", name)
		}
		set(&flags)
	}
	return flags, nil
}

// metadataFile is the optional per-role expectation document passed with
// --metadata.
type metadataFile struct {
	KMS     *roles.Metadata `json:"kms,omitempty"`
	Gateway *roles.Metadata `json:"gateway,omitempty"`
	App     *roles.Metadata `json:"app,omitempty"`
}

func loadMetadata(path string) (metadataFile, error) {
	var md metadataFile
	if path == "" {
		return md, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return md, fmt.Errorf("read metadata file: %w", err)
	}
	if err := json.Unmarshal(raw, &md); err != nil {
		return md, fmt.Errorf("parse metadata file: %w", err)
	}
	return md, nil
}

func orDefault(md *roles.Metadata) *roles.Metadata {
	if md != nil {
		return md
	}
	return &roles.Metadata{Hardware: roles.DefaultHardware()}
}

// chainOptions collects the flags shared by verify and graph.
type chainOptions struct {
	verifyKMS  bool
	gatewayURL string
	appURL     string
	hostedURL  string
	appID      string
	baseDomain string
	controller string

	rpcURL      string
	kmsContract string
	imageDir    string
	qvlBin      string
	pccsURL     string
	mrBin       string

	steps        string
	metadataPath string
	timeout      time.Duration
	verbose      bool
	logLevel     string
}

func (o *chainOptions) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&o.verifyKMS, "kms", false, "Verify the on-chain KMS (requires --rpc-url and --kms-contract)")
	cmd.Flags().StringVar(&o.gatewayURL, "gateway", "", "Gateway endpoint URL")
	cmd.Flags().StringVar(&o.appURL, "app", "", "App endpoint URL")
	cmd.Flags().StringVar(&o.hostedURL, "hosted-url", "", "Hosting provider attestation API base URL (alternative to --app)")
	cmd.Flags().StringVar(&o.appID, "app-id", "", "App id on the hosting provider (with --hosted-url)")
	cmd.Flags().StringVar(&o.baseDomain, "base-domain", "", "Override the gateway's self-reported base domain")
	cmd.Flags().StringVar(&o.controller, "controller", "", "App controller contract address for compose-hash registration checks")
	cmd.Flags().StringVar(&o.rpcURL, "rpc-url", os.Getenv("TRUSTGRAPH_RPC_URL"), "Blockchain RPC endpoint")
	cmd.Flags().StringVar(&o.kmsContract, "kms-contract", os.Getenv("TRUSTGRAPH_KMS_CONTRACT"), "KMS governance contract address")
	cmd.Flags().StringVar(&o.imageDir, "image-dir", os.Getenv("TRUSTGRAPH_IMAGE_DIR"), "Directory holding pinned OS image metadata")
	cmd.Flags().StringVar(&o.qvlBin, "qvl-bin", os.Getenv("TRUSTGRAPH_QVL_BIN"), "Quote verification binary (default: dcap-qvl on PATH)")
	cmd.Flags().StringVar(&o.pccsURL, "pccs-url", os.Getenv("TRUSTGRAPH_PCCS_URL"), "PCCS URL for collateral fetching")
	cmd.Flags().StringVar(&o.mrBin, "mr-bin", os.Getenv("TRUSTGRAPH_MR_BIN"), "Measurement replay binary (default: dstack-mr on PATH)")
	cmd.Flags().StringVar(&o.steps, "steps", "all", "Comma-separated steps: hardware,os,source-code,tee-controlled-key,certificate-key,dns-caa,ct-log")
	cmd.Flags().StringVar(&o.metadataPath, "metadata", "", "JSON file with per-role expectation metadata")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 10*time.Minute, "Overall run timeout (0 to disable)")
	cmd.Flags().BoolVar(&o.verbose, "verbose", false, "Enable verbose debug logs (same as --log-level debug)")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "", "Log level: debug|info|warn|error (or TRUSTGRAPH_LOG_LEVEL)")
}

func (o *chainOptions) run(parent context.Context) (*roles.Result, error) {
	if err := logx.Configure(o.logLevel, o.verbose); err != nil {
		return nil, err
	}
	flags, err := parseSteps(o.steps)
	if err != nil {
		return nil, err
	}
	md, err := loadMetadata(o.metadataPath)
	if err != nil {
		return nil, err
	}

	req := server.TaskRequest{Flags: &flags}
	if o.verifyKMS {
		req.KMS = &server.KMSTarget{Metadata: orDefault(md.KMS)}
	}
	if o.gatewayURL != "" {
		req.Gateway = &server.GatewayTarget{
			Endpoint:   o.gatewayURL,
			BaseDomain: o.baseDomain,
			Controller: o.controller,
			Metadata:   orDefault(md.Gateway),
		}
	}
	if o.appURL != "" || o.hostedURL != "" {
		req.App = &server.AppTarget{
			Endpoint:   o.appURL,
			HostedURL:  o.hostedURL,
			AppID:      o.appID,
			Controller: o.controller,
			Metadata:   orDefault(md.App),
		}
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(&req)
	if err != nil {
		return nil, err
	}
	rt := server.NewRuntime(&server.Config{
		QVLBin:      o.qvlBin,
		PCCSURL:     o.pccsURL,
		MrBin:       o.mrBin,
		ImageDir:    o.imageDir,
		RPCURL:      o.rpcURL,
		KMSContract: o.kmsContract,
	})

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	return rt.Run(ctx, raw)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func newVerifyCmd() *cobra.Command {
	opts := &chainOptions{}
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a chain of TEE services and print the provenance graph",
		Long: `Run the selected verification steps against an on-chain KMS, a gateway,
and/or an app instance. The result is a JSON document with the provenance
objects and a step-by-step report. The exit code is 0 only when every step
completed and passed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := opts.run(cmd.Context())
			if err != nil {
				return err
			}
			if err := printJSON(res); err != nil {
				return err
			}
			if !res.Report.Success || !res.Report.AllPassed {
				os.Exit(1)
			}
			return nil
		},
	}
	opts.register(cmd)
	return cmd
}

func newGraphCmd() *cobra.Command {
	opts := &chainOptions{}
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Run verification and print only the provenance objects",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := opts.run(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(res.Objects)
		},
	}
	opts.register(cmd)
	return cmd
}
