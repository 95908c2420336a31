package depth

import "time"

// Config points the client at a hosted monocular depth-estimation model
// (a MiDaS/DPT family checkpoint behind an HTTP inference endpoint).
type Config struct {
	BaseURL string        `json:"base_url"`
	Model   string        `json:"model"`
	APIKey  string        `json:"api_key"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// DefaultConfig returns the default depth endpoint config.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:9100",
		Model:   "dpt-large",
		Timeout: 120 * time.Second,
	}
}
