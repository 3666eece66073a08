package measure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/aspect-build/trustgraph/internal/logx"
)

// VMConfig describes the virtual machine shape that feeds the boot
// measurement calculation.
type VMConfig struct {
	CPUCount      int    `json:"cpu_count"`
	MemorySize    uint64 `json:"memory_size"`
	NumGPUs       int    `json:"num_gpus"`
	NumNVSwitches int    `json:"num_nvswitches"`
	HugePages     bool   `json:"hugepages"`
	PICEnabled    bool   `json:"pic"`
	PCIHole64Size uint64 `json:"pci_hole64_size,omitempty"`
}

// HasGPU reports whether the VM passes through GPU devices, which switches
// the OS image to the GPU-enabled variant.
func (c VMConfig) HasGPU() bool {
	return c.NumGPUs > 0 || c.NumNVSwitches > 0
}

// ParseVMConfig decodes the JSON vm_config blob published by a service.
func ParseVMConfig(raw string) (VMConfig, error) {
	var cfg VMConfig
	if strings.TrimSpace(raw) == "" {
		return cfg, fmt.Errorf("empty vm_config")
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return cfg, fmt.Errorf("parse vm_config: %w", err)
	}
	return cfg, nil
}

// Measurement is the replayed register set for one OS image + VM shape.
type Measurement struct {
	Mrtd  string `json:"mrtd"`
	Rtmr0 string `json:"rtmr0"`
	Rtmr1 string `json:"rtmr1"`
	Rtmr2 string `json:"rtmr2"`
}

// Replayer recomputes boot measurement registers from a pinned OS image
// directory and a VM configuration.
//
// The concrete implementation shells out to a dstack-mr style binary; the
// interface keeps the engine independent of how the replay is produced.
type Replayer interface {
	Replay(ctx context.Context, imageDir string, cfg VMConfig) (Measurement, error)
}

// MrTool runs an external measurement-replay binary over an image metadata
// directory and parses its JSON output.
type MrTool struct {
	// Bin is the binary path. Empty means "dstack-mr" on PATH.
	Bin string
}

func NewMrTool(bin string) *MrTool {
	if bin == "" {
		bin = "dstack-mr"
	}
	return &MrTool{Bin: bin}
}

func (t *MrTool) Replay(ctx context.Context, imageDir string, cfg VMConfig) (Measurement, error) {
	if imageDir == "" {
		return Measurement{}, fmt.Errorf("image directory not configured")
	}
	args := []string{
		"-cpu", strconv.Itoa(cfg.CPUCount),
		"-memory", strconv.FormatUint(cfg.MemorySize, 10),
		"-json",
		"-metadata", imageDir + "/metadata.json",
	}
	if cfg.HasGPU() {
		args = append(args, "-gpu", strconv.Itoa(cfg.NumGPUs))
	}
	if cfg.PCIHole64Size > 0 {
		args = append(args, "-pci-hole64-size", strconv.FormatUint(cfg.PCIHole64Size, 10))
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.Bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Measurement{}, fmt.Errorf("measurement tool %s: %w (stderr: %s)", t.Bin, err, strings.TrimSpace(stderr.String()))
	}

	var m Measurement
	if err := json.Unmarshal(stdout.Bytes(), &m); err != nil {
		return Measurement{}, fmt.Errorf("parse measurement output: %w", err)
	}
	logx.Debugf("measure.replay image_dir=%s cpu=%d memory=%d gpu=%v mrtd=%s", imageDir, cfg.CPUCount, cfg.MemorySize, cfg.HasGPU(), m.Mrtd)
	return m, nil
}
