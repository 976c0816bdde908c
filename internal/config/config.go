package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	yaml "gopkg.in/yaml.v2"
)

type ServerConfig struct {
	Port string `yaml:"port"`
	// PublicURL is the externally reachable base URL; the paid resource
	// identifier is PublicURL + "/summarize-doc".
	PublicURL   string   `yaml:"public_url"`
	AdminToken  string   `yaml:"admin_token"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type PaymentConfig struct {
	Address           string `yaml:"address"`
	Network           string `yaml:"network"`
	Price             string `yaml:"price"`
	Asset             string `yaml:"asset"`
	AssetName         string `yaml:"asset_name"`
	AssetVersion      string `yaml:"asset_version"`
	AssetDecimals     int32  `yaml:"asset_decimals"`
	ChainID           int64  `yaml:"chain_id"`
	MaxTimeoutSeconds int    `yaml:"max_timeout_seconds"`
	// Settlement selects how proof authenticity is confirmed: local,
	// facilitator or chain.
	Settlement     string `yaml:"settlement"`
	FacilitatorURL string `yaml:"facilitator_url"`
}

type LedgerConfig struct {
	Type           string `yaml:"type"`
	RetentionHours int    `yaml:"retention_hours"`
	Redis          struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`
	Postgres struct {
		DSN string `yaml:"dsn"`
	} `yaml:"postgres"`
	Mongo struct {
		URI        string `yaml:"uri"`
		Database   string `yaml:"database"`
		Collection string `yaml:"collection"`
	} `yaml:"mongo"`
}

type InferenceConfig struct {
	Provider       string `yaml:"provider"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Ollama         struct {
		Host  string `yaml:"host"`
		Model string `yaml:"model"`
	} `yaml:"ollama"`
	Gaia struct {
		NodeURL string `yaml:"node_url"`
		Model   string `yaml:"model"`
		APIKey  string `yaml:"api_key"`
	} `yaml:"gaia"`
}

type SigningConfig struct {
	// Mode is one of disabled, ephemeral, key or production.
	Mode             string `yaml:"mode"`
	KeyFile          string `yaml:"key_file"`
	KeyID            string `yaml:"key_id"`
	KeymanagerSocket string `yaml:"keymanager_socket"`
}

type AttestationConfig struct {
	Provider string `yaml:"provider"`
}

type WorkerConfig struct {
	Workers         int `yaml:"workers"`
	QueueSize       int `yaml:"queue_size"`
	SweepIntervalMS int `yaml:"sweep_interval_ms"`
}

type RetryConfig struct {
	Attempts int `yaml:"attempts"`
	DelayMS  int `yaml:"delay_ms"`
}

type AuditConfig struct {
	Type string `yaml:"type"`
	CSV  struct {
		OutputDir string `yaml:"output_dir"`
	} `yaml:"csv"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Environment string            `yaml:"environment"`
	Server      ServerConfig      `yaml:"server"`
	Payment     PaymentConfig     `yaml:"payment"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Inference   InferenceConfig   `yaml:"inference"`
	Signing     SigningConfig     `yaml:"signing"`
	Attestation AttestationConfig `yaml:"attestation"`
	Worker      WorkerConfig      `yaml:"worker"`
	Retry       RetryConfig       `yaml:"retry"`
	Audit       AuditConfig       `yaml:"audit"`
	Log         LogConfig         `yaml:"log"`
	// RPCURL is only required when payment.settlement is "chain".
	RPCURL string `yaml:"rpc_url"`
}

// networkDefaults holds the USDC deployment used when the config names a
// known network but leaves the asset fields empty.
var networkDefaults = map[string]struct {
	chainID int64
	asset   string
	name    string
}{
	"base-sepolia": {84532, "0x036CbD53842c5426634e7929541eC2318f3dCF7e", "USDC"},
	"base":         {8453, "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", "USD Coin"},
}

// Load reads the optional yaml file at path, applies environment overrides
// (a .env file in the working directory is honoured) and validates the result.
// An empty path builds the configuration from defaults and environment only.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("no .env file found, using process environment")
	}

	var data []byte
	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		data, err = os.ReadFile(absPath)
		if err != nil {
			return nil, err
		}
	}
	return Parse(data, os.Getenv)
}

// Parse decodes yaml data, overlays values returned by getenv and applies
// validation and defaults.
func Parse(data []byte, getenv func(string) string) (*Config, error) {
	var cfg Config
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(&cfg, getenv)
	applyDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	set(&cfg.Environment, "ENVIRONMENT")
	set(&cfg.Server.Port, "API_PORT")
	set(&cfg.Server.PublicURL, "PUBLIC_URL")
	set(&cfg.Server.AdminToken, "ADMIN_TOKEN")
	set(&cfg.Payment.Address, "ADDRESS")
	set(&cfg.Payment.Network, "X402_NETWORK")
	set(&cfg.Payment.Price, "X402_PRICE")
	set(&cfg.Payment.Settlement, "X402_SETTLEMENT")
	set(&cfg.Payment.FacilitatorURL, "FACILITATOR_URL")
	set(&cfg.RPCURL, "RPC_URL")
	set(&cfg.Ledger.Type, "LEDGER_TYPE")
	set(&cfg.Ledger.Redis.Addr, "REDIS_ADDR")
	set(&cfg.Ledger.Postgres.DSN, "DATABASE_DSN")
	set(&cfg.Ledger.Mongo.URI, "MONGO_URI")
	set(&cfg.Inference.Provider, "AI_PROVIDER")
	set(&cfg.Inference.Ollama.Host, "OLLAMA_HOST")
	set(&cfg.Inference.Ollama.Model, "OLLAMA_MODEL")
	set(&cfg.Inference.Gaia.NodeURL, "GAIA_NODE_URL")
	set(&cfg.Inference.Gaia.Model, "GAIA_MODEL_NAME")
	set(&cfg.Inference.Gaia.APIKey, "GAIA_API_KEY")
	set(&cfg.Signing.Mode, "SIGNING_MODE")
	set(&cfg.Signing.KeyFile, "SIGNING_KEY_FILE")
	set(&cfg.Attestation.Provider, "ATTESTATION_PROVIDER")
	set(&cfg.Log.Level, "LOG_LEVEL")

	cfg.Inference.Provider = strings.ToLower(cfg.Inference.Provider)

	// DEBUG_SIGNING predates signing.mode and selects a throwaway key.
	if cfg.Signing.Mode == "" && strings.EqualFold(getenv("DEBUG_SIGNING"), "true") {
		cfg.Signing.Mode = "ephemeral"
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Server.Port == "" {
		cfg.Server.Port = "4021"
	}
	if cfg.Server.PublicURL == "" {
		cfg.Server.PublicURL = "http://localhost:" + cfg.Server.Port
	}
	cfg.Server.PublicURL = strings.TrimRight(cfg.Server.PublicURL, "/")

	if cfg.Payment.Network == "" {
		cfg.Payment.Network = "base-sepolia"
	}
	if cfg.Payment.Price == "" {
		cfg.Payment.Price = "$0.001"
	}
	if nd, ok := networkDefaults[cfg.Payment.Network]; ok {
		if cfg.Payment.Asset == "" {
			cfg.Payment.Asset = nd.asset
		}
		if cfg.Payment.AssetName == "" {
			cfg.Payment.AssetName = nd.name
		}
		if cfg.Payment.ChainID == 0 {
			cfg.Payment.ChainID = nd.chainID
		}
	}
	if cfg.Payment.AssetVersion == "" {
		cfg.Payment.AssetVersion = "2"
	}
	if cfg.Payment.AssetDecimals == 0 {
		cfg.Payment.AssetDecimals = 6
	}
	if cfg.Payment.MaxTimeoutSeconds == 0 {
		cfg.Payment.MaxTimeoutSeconds = 60
	}
	if cfg.Payment.Settlement == "" {
		cfg.Payment.Settlement = "local"
	}

	if cfg.Ledger.Type == "" {
		cfg.Ledger.Type = "memory"
	}
	if cfg.Ledger.Redis.Prefix == "" {
		cfg.Ledger.Redis.Prefix = "x402:nonce"
	}
	if cfg.Ledger.Mongo.Database == "" {
		cfg.Ledger.Mongo.Database = "x402"
	}
	if cfg.Ledger.Mongo.Collection == "" {
		cfg.Ledger.Mongo.Collection = "consumed_proofs"
	}

	if cfg.Inference.Provider == "" {
		cfg.Inference.Provider = "ollama"
	}
	if cfg.Inference.TimeoutSeconds == 0 {
		cfg.Inference.TimeoutSeconds = 300
	}
	if cfg.Inference.Ollama.Host == "" {
		cfg.Inference.Ollama.Host = "http://localhost:11434"
	}
	if cfg.Inference.Ollama.Model == "" {
		cfg.Inference.Ollama.Model = "qwen2:0.5b"
	}
	if cfg.Inference.Gaia.Model == "" {
		cfg.Inference.Gaia.Model = "Qwen3-30B-A3B-Q5_K_M"
	}

	if cfg.Signing.Mode == "" {
		if cfg.Environment == "production" {
			cfg.Signing.Mode = "production"
		} else {
			cfg.Signing.Mode = "disabled"
		}
	}
	if cfg.Signing.KeyID == "" {
		cfg.Signing.KeyID = "rofl-x402-signing-key-v1"
	}
	if cfg.Signing.KeymanagerSocket == "" {
		cfg.Signing.KeymanagerSocket = "/run/rofl-appd.sock"
	}

	if cfg.Attestation.Provider == "" {
		cfg.Attestation.Provider = "none"
	}

	// Default workers to the number of CPUs when not provided or invalid.
	if cfg.Worker.Workers <= 0 {
		cfg.Worker.Workers = runtime.NumCPU()
		if cfg.Worker.Workers < 1 {
			cfg.Worker.Workers = 1
		}
	}
	if cfg.Worker.QueueSize <= 0 {
		cfg.Worker.QueueSize = cfg.Worker.Workers * 16
	}
	if cfg.Worker.SweepIntervalMS <= 0 {
		cfg.Worker.SweepIntervalMS = 2000
	}

	if cfg.Retry.Attempts == 0 {
		cfg.Retry.Attempts = 3
	}
	if cfg.Retry.DelayMS == 0 {
		cfg.Retry.DelayMS = 1500
	}

	if cfg.Audit.Type == "" {
		cfg.Audit.Type = "none"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func (cfg *Config) validate() error {
	if cfg.Payment.Address == "" {
		return fmt.Errorf("payment.address (ADDRESS) is required")
	}
	if !common.IsHexAddress(cfg.Payment.Address) {
		return fmt.Errorf("payment.address is not a valid address: %s", cfg.Payment.Address)
	}
	if !common.IsHexAddress(cfg.Payment.Asset) {
		return fmt.Errorf("payment.asset is required for network %s", cfg.Payment.Network)
	}
	if cfg.Payment.ChainID <= 0 {
		return fmt.Errorf("payment.chain_id is required for network %s", cfg.Payment.Network)
	}

	switch cfg.Payment.Settlement {
	case "local":
	case "facilitator":
		if cfg.Payment.FacilitatorURL == "" {
			return fmt.Errorf("payment.facilitator_url is required when settlement is facilitator")
		}
	case "chain":
		if cfg.RPCURL == "" {
			return fmt.Errorf("rpc_url is required when settlement is chain")
		}
	default:
		return fmt.Errorf("unsupported settlement mode: %s", cfg.Payment.Settlement)
	}

	switch cfg.Ledger.Type {
	case "memory":
	case "redis":
		if cfg.Ledger.Redis.Addr == "" {
			return fmt.Errorf("ledger.redis.addr is required when ledger type is redis")
		}
	case "postgres":
		if cfg.Ledger.Postgres.DSN == "" {
			return fmt.Errorf("ledger.postgres.dsn is required when ledger type is postgres")
		}
	case "mongo":
		if cfg.Ledger.Mongo.URI == "" {
			return fmt.Errorf("ledger.mongo.uri is required when ledger type is mongo")
		}
	default:
		return fmt.Errorf("unsupported ledger type: %s", cfg.Ledger.Type)
	}
	// Expired records must never belong to a still valid authorization.
	if h := cfg.Ledger.RetentionHours; h > 0 {
		window := time.Duration(cfg.Payment.MaxTimeoutSeconds)*time.Second + time.Minute
		if time.Duration(h)*time.Hour <= window {
			return fmt.Errorf("ledger.retention_hours must exceed payment.max_timeout_seconds (%ds)", cfg.Payment.MaxTimeoutSeconds)
		}
	}

	switch cfg.Inference.Provider {
	case "ollama", "static":
	case "gaia":
		if cfg.Inference.Gaia.NodeURL == "" {
			return fmt.Errorf("GAIA_NODE_URL is required when using Gaia provider")
		}
		if cfg.Inference.Gaia.APIKey == "" {
			return fmt.Errorf("GAIA_API_KEY is required when using Gaia provider")
		}
	default:
		return fmt.Errorf("unsupported inference provider: %s", cfg.Inference.Provider)
	}

	switch cfg.Signing.Mode {
	case "disabled", "ephemeral", "production":
	case "key":
		if cfg.Signing.KeyFile == "" {
			return fmt.Errorf("signing.key_file is required when signing mode is key")
		}
	default:
		return fmt.Errorf("unsupported signing mode: %s", cfg.Signing.Mode)
	}

	switch cfg.Attestation.Provider {
	case "none", "dummy", "tdx":
	default:
		return fmt.Errorf("unsupported attestation provider: %s", cfg.Attestation.Provider)
	}

	switch cfg.Audit.Type {
	case "none":
	case "csv":
		if cfg.Audit.CSV.OutputDir == "" {
			return fmt.Errorf("audit.csv.output_dir is required when audit type is csv")
		}
	default:
		return fmt.Errorf("unsupported audit type: %s", cfg.Audit.Type)
	}

	if _, err := logrus.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level: %w", err)
	}
	return nil
}
