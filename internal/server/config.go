package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds server configuration loaded from environment variables.
type Config struct {
	ListenAddr  string
	DBPath      string
	AdminToken  string
	CORSOrigins []string

	// Verification tooling and trust anchors shared by every task.
	QVLBin      string
	PCCSURL     string
	MrBin       string
	ImageDir    string
	RPCURL      string
	KMSContract string

	// Credentials for hosting-provider attestation APIs.
	APITokenURL     string
	APIClientID     string
	APIClientSecret string
	APIToken        string

	Workers     int
	MaxAttempts int
}

// LoadConfig loads server configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ListenAddr:  os.Getenv("TRUSTGRAPH_LISTEN_ADDR"),
		DBPath:      os.Getenv("TRUSTGRAPH_DB_PATH"),
		AdminToken:  os.Getenv("TRUSTGRAPH_ADMIN_TOKEN"),
		QVLBin:      os.Getenv("TRUSTGRAPH_QVL_BIN"),
		PCCSURL:     os.Getenv("TRUSTGRAPH_PCCS_URL"),
		MrBin:       os.Getenv("TRUSTGRAPH_MR_BIN"),
		ImageDir:    os.Getenv("TRUSTGRAPH_IMAGE_DIR"),
		RPCURL:      os.Getenv("TRUSTGRAPH_RPC_URL"),
		KMSContract: os.Getenv("TRUSTGRAPH_KMS_CONTRACT"),

		APITokenURL:     os.Getenv("TRUSTGRAPH_API_TOKEN_URL"),
		APIClientID:     os.Getenv("TRUSTGRAPH_API_CLIENT_ID"),
		APIClientSecret: os.Getenv("TRUSTGRAPH_API_CLIENT_SECRET"),
		APIToken:        os.Getenv("TRUSTGRAPH_API_TOKEN"),

		Workers:     2,
		MaxAttempts: 3,
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "trustgraph.db"
	}
	if cfg.AdminToken != "" && len(cfg.AdminToken) < 16 {
		return nil, fmt.Errorf("TRUSTGRAPH_ADMIN_TOKEN must be at least 16 characters")
	}
	if cfg.ImageDir == "" {
		return nil, fmt.Errorf("TRUSTGRAPH_IMAGE_DIR is required")
	}

	if v := os.Getenv("TRUSTGRAPH_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("TRUSTGRAPH_WORKERS must be a positive integer")
		}
		cfg.Workers = n
	}
	if v := os.Getenv("TRUSTGRAPH_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("TRUSTGRAPH_MAX_ATTEMPTS must be a positive integer")
		}
		cfg.MaxAttempts = n
	}

	if v := os.Getenv("TRUSTGRAPH_CORS_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	return cfg, nil
}
