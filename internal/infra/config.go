package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"livedata_go/internal/domain"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is where LoadConfig looks when no path is given.
const DefaultConfigPath = "configs/config.yaml"

// Config는 애플리케이션의 모든 설정을 담습니다.
// LoadConfig로 로드된 후에 환경 변수를 통해 접속 정보를 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Transport struct {
		URL                string  `yaml:"url"`
		Codec              string  `yaml:"codec"` // json | cbor
		RequestsPerSecond  float64 `yaml:"requests_per_second"`
		Burst              int     `yaml:"burst"`
		HandshakeTimeoutMS int     `yaml:"handshake_timeout_ms"`
		ReadTimeoutMS      int     `yaml:"read_timeout_ms"`
	} `yaml:"transport"`

	Client struct {
		User                string `yaml:"user"`
		Host                string `yaml:"host"`
		HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
		SnapshotTimeoutMS   int    `yaml:"snapshot_timeout_ms"`
	} `yaml:"client"`

	Storage struct {
		Path string `yaml:"path"` // empty disables persistence
	} `yaml:"storage"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`

	Metrics struct {
		Listen string `yaml:"listen"` // empty disables the /metrics endpoint
	} `yaml:"metrics"`
}

// LoadConfig는 설정 파일을 읽고 파싱합니다.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML, applies defaults and environment overrides, and validates.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Transport.Codec == "" {
		c.Transport.Codec = "json"
	}
	if c.Transport.Burst <= 0 {
		c.Transport.Burst = 1
	}
	if c.Transport.HandshakeTimeoutMS == 0 {
		c.Transport.HandshakeTimeoutMS = 10_000
	}
	if c.Transport.ReadTimeoutMS == 0 {
		c.Transport.ReadTimeoutMS = 60_000
	}
	if c.Client.HeartbeatIntervalMS == 0 {
		c.Client.HeartbeatIntervalMS = 5_000
	}
	if c.Client.SnapshotTimeoutMS == 0 {
		c.Client.SnapshotTimeoutMS = 10_000
	}
	if c.Client.Host == "" {
		if host, err := os.Hostname(); err == nil {
			c.Client.Host = host
		}
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	url := c.Transport.URL
	if url == "" || (!strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://")) {
		return &domain.ConfigError{Field: "transport.url", Err: fmt.Errorf("invalid websocket URL %q", url)}
	}
	switch c.Transport.Codec {
	case "json", "cbor":
	default:
		return &domain.ConfigError{Field: "transport.codec", Err: fmt.Errorf("unsupported codec %q", c.Transport.Codec)}
	}
	if c.Transport.RequestsPerSecond < 0 {
		return &domain.ConfigError{Field: "transport.requests_per_second", Err: errors.New("must not be negative")}
	}
	if c.Client.User == "" {
		return &domain.ConfigError{Field: "client.user", Err: errors.New("user is required")}
	}
	if c.Client.HeartbeatIntervalMS < 0 {
		return &domain.ConfigError{Field: "client.heartbeat_interval_ms", Err: errors.New("must be positive")}
	}
	if c.Client.SnapshotTimeoutMS < 0 {
		return &domain.ConfigError{Field: "client.snapshot_timeout_ms", Err: errors.New("must be positive")}
	}
	return nil
}

// User returns the identity requests are made for.
func (c *Config) User() domain.User {
	return domain.User{Name: c.Client.User, Host: c.Client.Host}
}

// HeartbeatPeriod returns the heartbeat interval.
func (c *Config) HeartbeatPeriod() time.Duration {
	return time.Duration(c.Client.HeartbeatIntervalMS) * time.Millisecond
}

// SnapshotTimeout returns the default wait for blocking snapshots.
func (c *Config) SnapshotTimeout() time.Duration {
	return time.Duration(c.Client.SnapshotTimeoutMS) * time.Millisecond
}

// HandshakeTimeout returns the websocket dial timeout.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Transport.HandshakeTimeoutMS) * time.Millisecond
}

// ReadTimeout returns the websocket read deadline.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Transport.ReadTimeoutMS) * time.Millisecond
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) {
	if url := os.Getenv("LIVEDATA_URL"); url != "" {
		cfg.Transport.URL = url
	}
	if user := os.Getenv("LIVEDATA_USER"); user != "" {
		cfg.Client.User = user
	}
}
