package lockbus

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type (
	// Config carries everything needed to reach one messaging entity: the
	// endpoint, the auth material, and the policies the handler applies to
	// transport failures.
	Config struct {
		Scheme     string `envconfig:"LOCKBUS_SCHEME" default:"amqps" json:"scheme"`
		Host       string `envconfig:"LOCKBUS_HOST" json:"host"`
		Port       int    `envconfig:"LOCKBUS_PORT" default:"5671" json:"port"`
		EntityPath string `envconfig:"LOCKBUS_ENTITY_PATH" json:"entity_path"`

		SharedAccessKeyName string `envconfig:"LOCKBUS_SAS_KEY_NAME" json:"shared_access_key_name"`
		SharedAccessKey     string `envconfig:"LOCKBUS_SAS_KEY" json:"shared_access_key,omitempty"`

		OpenTimeout    time.Duration `envconfig:"LOCKBUS_OPEN_TIMEOUT" default:"60s" json:"open_timeout"`
		RequestTimeout time.Duration `envconfig:"LOCKBUS_REQUEST_TIMEOUT" default:"30s" json:"request_timeout"`

		Retry   RetryConfig   `json:"retry"`
		Backoff BackoffConfig `json:"backoff"`
		Breaker BreakerConfig `json:"breaker"`
	}

	// RetryConfig bounds the handler's transparent retry behavior.
	RetryConfig struct {
		MaxRetries    int  `envconfig:"LOCKBUS_MAX_RETRIES" default:"3" json:"max_retries"`
		AutoReconnect bool `envconfig:"LOCKBUS_AUTO_RECONNECT" default:"true" json:"auto_reconnect"`
	}

	// BackoffConfig contains all options to configure the backoff algorithm
	// applied between reconnection attempts.
	BackoffConfig struct {
		BaseDelay  time.Duration `envconfig:"LOCKBUS_BACKOFF_BASE_DELAY" default:"500ms" json:"base_delay"`
		Multiplier float64       `envconfig:"LOCKBUS_BACKOFF_MULTIPLIER" default:"1.6" json:"multiplier"`
		Jitter     float64       `envconfig:"LOCKBUS_BACKOFF_JITTER" default:"0.2" json:"jitter"`
		MaxDelay   time.Duration `envconfig:"LOCKBUS_BACKOFF_MAX_DELAY" default:"30s" json:"max_delay"`
	}

	// BreakerConfig configures the circuit breaker guarding management
	// requests.
	BreakerConfig struct {
		Enabled     bool          `envconfig:"LOCKBUS_BREAKER_ENABLED" default:"true" json:"enabled"`
		MaxRequests uint32        `envconfig:"LOCKBUS_BREAKER_MAX_REQUESTS" default:"3" json:"max_requests"`
		Interval    time.Duration `envconfig:"LOCKBUS_BREAKER_INTERVAL" default:"60s" json:"interval"`
		Timeout     time.Duration `envconfig:"LOCKBUS_BREAKER_TIMEOUT" default:"30s" json:"timeout"`
	}
)

// ConfigFromEnv builds a Config from environment variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unable to parse lockbus configuration: %w", err)
	}

	return cfg, nil
}

// Address returns the endpoint address without credentials.
func (c Config) Address() string {
	return fmt.Sprintf("%s://%s:%d/%s", c.Scheme, c.Host, c.Port, c.EntityPath)
}
