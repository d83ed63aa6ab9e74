// Package config handles configuration loading, saving, and schema definition.
package config

// Config is the top-level personacord configuration.
// Uses json tags in camelCase to match the JSON config file format.
type Config struct {
	Upstream UpstreamConfig `json:"upstream"`
	Dispatch DispatchConfig `json:"dispatch"`
	Redis    RedisConfig    `json:"redis"`
	Data     DataConfig     `json:"data"`
}

// UpstreamConfig holds AI-backend connection settings.
type UpstreamConfig struct {
	Token          string `json:"token"`
	APIBase        string `json:"apiBase,omitempty"`
	RequestTimeout int    `json:"requestTimeout,omitempty"` // seconds
}

// DispatchConfig holds generation dispatcher settings.
type DispatchConfig struct {
	Workers        int     `json:"workers,omitempty"`
	MaxConcurrent  int     `json:"maxConcurrent,omitempty"` // concurrent upstream calls
	MaxRetries     int     `json:"maxRetries,omitempty"`
	BaseRetryDelay float64 `json:"baseRetryDelay,omitempty"` // seconds
	QueueSize      int     `json:"queueSize,omitempty"`
}

// RedisConfig holds optional Redis mirror settings.
type RedisConfig struct {
	URL      string `json:"url,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// DataConfig holds on-disk state locations.
type DataConfig struct {
	Dir          string `json:"dir,omitempty"`          // defaults to ~/.personacord
	PersonasFile string `json:"personasFile,omitempty"` // defaults to <dir>/personas.yaml
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() Config {
	return Config{
		Upstream: UpstreamConfig{
			RequestTimeout: 60,
		},
		Dispatch: DispatchConfig{
			Workers:        2,
			MaxConcurrent:  3,
			MaxRetries:     3,
			BaseRetryDelay: 2,
			QueueSize:      100,
		},
	}
}
