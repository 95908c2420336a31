package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Depth       DepthConfig               `json:"depth"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
	// APIKeyEnv names an environment variable consulted when api_key is empty.
	APIKeyEnv string `json:"api_key_env"`
	// Multimodal marks models that accept image parts, enabling summaries
	// and chat grounded on the uploaded picture instead of its name alone.
	Multimodal bool `json:"multimodal"`
}

// Key resolves the provider credential, preferring the literal key.
func (p ProviderConfig) Key() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	if p.APIKeyEnv != "" {
		return os.Getenv(p.APIKeyEnv)
	}
	return ""
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// DepthConfig points at the hosted depth-estimation model.
type DepthConfig struct {
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Key resolves the depth provider credential.
func (d DepthConfig) Key() string {
	if d.APIKey != "" {
		return d.APIKey
	}
	if d.APIKeyEnv != "" {
		return os.Getenv(d.APIKeyEnv)
	}
	return ""
}

// Timeout returns the configured request timeout, zero when unset.
func (d DepthConfig) Timeout() time.Duration {
	if d.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(d.TimeoutSeconds) * time.Second
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	// Provider names the entry in providers used for summaries and chat.
	// Empty disables the AI endpoints' model calls.
	Provider      string `json:"provider"`
	OutputDir     string `json:"output_dir"`
	PublicBaseURL string `json:"public_base_url"`
	MaxUploadMB   int64  `json:"max_upload_mb"`
	MeshMaxDim    int    `json:"mesh_max_dim"`
	// RetentionMinutes bounds how long generated assets are kept; zero keeps
	// the default retention, negative disables cleanup entirely.
	RetentionMinutes int `json:"retention_minutes"`
	CleanInterval    int `json:"clean_interval_minutes"`
	MinWorkers       int `json:"min_workers"`
	MaxWorkers       int `json:"max_workers"`
	QueueSize        int `json:"queue_size"`
	WorkerIdleTime   int `json:"worker_idle_minutes"`
	SummaryCacheTTL  int `json:"summary_cache_minutes"`
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.Depth.BaseURL == "" {
		return nil, fmt.Errorf("depth.base_url must be configured")
	}

	if cfg.BasicConfig.OutputDir == "" {
		cfg.BasicConfig.OutputDir = "outputs"
	}
	if !filepath.IsAbs(cfg.BasicConfig.OutputDir) {
		cfg.BasicConfig.OutputDir = filepath.Join(filepath.Dir(absPath), cfg.BasicConfig.OutputDir)
	}
	if dbCfg, ok := cfg.Databases["sqlite3"]; ok && dbCfg.DSN != "" && !filepath.IsAbs(dbCfg.DSN) {
		dbCfg.DSN = filepath.Join(filepath.Dir(absPath), dbCfg.DSN)
		cfg.Databases["sqlite3"] = dbCfg
	}

	return &cfg, nil
}
