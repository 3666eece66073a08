package quote

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/aspect-build/trustgraph/internal/logx"
)

// Verifier validates an attestation quote against the hardware root of
// trust and returns the decoded report.
//
// The concrete implementation shells out to a DCAP quote-verification CLI;
// the interface keeps it swappable for a native library binding.
type Verifier interface {
	Verify(ctx context.Context, quoteHex string) (*VerifyResult, error)
}

// QVLTool runs an external dcap-qvl style binary. The tool receives the raw
// quote in a temp file and prints the verification result as JSON on stdout.
type QVLTool struct {
	// Bin is the binary path. Empty means "dcap-qvl" on PATH.
	Bin string
	// PCCSURL overrides the collateral service used by the tool.
	PCCSURL string
}

func NewQVLTool(bin string) *QVLTool {
	if bin == "" {
		bin = "dcap-qvl"
	}
	return &QVLTool{Bin: bin}
}

func (t *QVLTool) Verify(ctx context.Context, quoteHex string) (*VerifyResult, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(quoteHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode quote hex: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty quote")
	}

	dir, err := os.MkdirTemp("", "trustgraph-quote-*")
	if err != nil {
		return nil, fmt.Errorf("quote temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "quote.bin")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write quote file: %w", err)
	}

	args := []string{"verify", path}
	if t.PCCSURL != "" {
		args = append(args, "--pccs-url", t.PCCSURL)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.Bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("quote verification tool %s: %w (stderr: %s)", t.Bin, err, strings.TrimSpace(stderr.String()))
	}

	var res VerifyResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return nil, fmt.Errorf("parse quote verification output: %w", err)
	}
	logx.Debugf("quote.verify status=%s advisories=%v tdx=%v", res.Status, res.AdvisoryIDs, res.Report.TD10 != nil)
	return &res, nil
}
