package roles

// OSSource pins the operating-system image a role is expected to run.
type OSSource struct {
	GithubRepo string `json:"github_repo"`
	GitCommit  string `json:"git_commit"`
	Version    string `json:"version"`
}

// AppSource pins the application code a role is expected to run.
type AppSource struct {
	GithubRepo string `json:"github_repo"`
	GitCommit  string `json:"git_commit"`
	Version    string `json:"version"`
}

// HardwareSpec describes the expected TEE hardware platform.
type HardwareSpec struct {
	Manufacturer    string `json:"manufacturer"`
	Model           string `json:"model"`
	SecurityFeature string `json:"security_feature"`
}

// Governance names where the role's trust anchors are registered.
type Governance struct {
	Blockchain  string `json:"blockchain"`
	ExplorerURL string `json:"explorer_url"`
	Contract    string `json:"contract"`
}

// Metadata is the caller-supplied expectation record for one role. The
// verifiers read it to populate provenance fields; only runtime-detected
// flags (GPU presence) are ever written back.
type Metadata struct {
	OSSource   OSSource     `json:"os_source"`
	AppSource  AppSource    `json:"app_source"`
	Hardware   HardwareSpec `json:"hardware"`
	Governance Governance   `json:"governance"`
	HasGPU     bool         `json:"has_gpu"`
}

// DefaultHardware is the platform every production role currently runs on.
func DefaultHardware() HardwareSpec {
	return HardwareSpec{
		Manufacturer:    "Intel Corporation",
		Model:           "Intel TDX",
		SecurityFeature: "Intel Trust Domain Extensions (TDX)",
	}
}
