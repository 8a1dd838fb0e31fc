package ihrwatch

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBase = "https://ihr.live/api"
	DefaultASN  = "AS21928"
)

type Config struct {
	Server struct {
		Port              int    `yaml:"port"`
		ReadHeaderTimeout string `yaml:"readHeaderTimeout"`

		readHeaderTimeoutDur time.Duration
	} `yaml:"server"`

	IHR struct {
		Base    string `yaml:"base"`
		ASN     string `yaml:"asn"`
		Minutes int    `yaml:"minutes"`
		MaxKeys int    `yaml:"maxKeys"`
		MaxBody string `yaml:"maxBody"`

		Backoff struct {
			Base        string  `yaml:"base"`
			Ceiling     string  `yaml:"ceiling"`
			ExponentCap int     `yaml:"exponentCap"`
			Jitter      float64 `yaml:"jitter"`

			baseDur    time.Duration
			ceilingDur time.Duration
		} `yaml:"backoff"`

		maxBodyBytes int64
	} `yaml:"ihr"`

	Endpoints struct {
		Alerts  Endpoint `yaml:"alerts"`
		Network Endpoint `yaml:"network"`
		Search  Endpoint `yaml:"search"`
	} `yaml:"endpoints"`

	Discover struct {
		Query   string `yaml:"query"`
		Country string `yaml:"country"`
	} `yaml:"discover"`

	Storage struct {
		Disk struct {
			Path string `yaml:"path"`
			Max  string `yaml:"max"`

			maxBytes int64
		} `yaml:"disk"`
	} `yaml:"storage"`

	Logging struct {
		Level         string `yaml:"level"`
		Format        string `yaml:"format"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		level            slog.Level
		logStatsEveryDur time.Duration
	} `yaml:"logging"`

	WarmUp string `yaml:"warmUp"`

	warmUpDur time.Duration
}

// Endpoint tunes one upstream fetcher.
type Endpoint struct {
	TTL     string `yaml:"ttl"`
	Timeout string `yaml:"timeout"`

	ttlDur     time.Duration
	timeoutDur time.Duration
}

// LoadConfig reads the YAML file at path, applies defaults and the IHR_BASE,
// IHR_ASN and PORT environment overrides, and compiles durations and sizes.
// A missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	var b []byte
	if path != "" {
		var err error
		b, err = os.ReadFile(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}
	return parseConfig(b, os.Getenv)
}

func parseConfig(b []byte, getenv func(string) string) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if v := getenv("IHR_BASE"); v != "" {
		cfg.IHR.Base = v
	}
	if v := getenv("IHR_ASN"); v != "" {
		cfg.IHR.ASN = v
	}
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("PORT: %w", err)
		}
		cfg.Server.Port = port
	}

	cfg.applyDefaults()
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	setDefault(&cfg.Server.ReadHeaderTimeout, "10s")
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 4000
	}
	setDefault(&cfg.IHR.Base, DefaultBase)
	setDefault(&cfg.IHR.ASN, DefaultASN)
	setDefault(&cfg.IHR.MaxBody, "8mb")
	setDefault(&cfg.IHR.Backoff.Base, "1s")
	setDefault(&cfg.IHR.Backoff.Ceiling, "300s")
	if cfg.IHR.Minutes == 0 {
		cfg.IHR.Minutes = 5
	}
	if cfg.IHR.MaxKeys == 0 {
		cfg.IHR.MaxKeys = 256
	}
	if cfg.IHR.Backoff.ExponentCap == 0 {
		cfg.IHR.Backoff.ExponentCap = 10
	}

	setDefault(&cfg.Endpoints.Alerts.TTL, "60s")
	setDefault(&cfg.Endpoints.Network.TTL, "120s")
	setDefault(&cfg.Endpoints.Search.TTL, "10m")
	for _, ep := range []*Endpoint{&cfg.Endpoints.Alerts, &cfg.Endpoints.Network, &cfg.Endpoints.Search} {
		setDefault(&ep.Timeout, "10s")
	}

	setDefault(&cfg.Storage.Disk.Max, "64mb")
	setDefault(&cfg.Discover.Query, "t-mobile")
	setDefault(&cfg.Discover.Country, "US")
	setDefault(&cfg.Logging.Level, "info")
	setDefault(&cfg.Logging.Format, "text")
}

func setDefault(field *string, def string) {
	if strings.TrimSpace(*field) == "" {
		*field = def
	}
}

func (cfg *Config) compile() error {
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port: %d out of range", cfg.Server.Port)
	}
	var err error
	if cfg.Server.readHeaderTimeoutDur, err = parsePositiveDuration(cfg.Server.ReadHeaderTimeout); err != nil {
		return fmt.Errorf("server.readHeaderTimeout: %w", err)
	}

	cfg.IHR.Base = strings.TrimRight(strings.TrimSpace(cfg.IHR.Base), "/")
	u, err := url.Parse(cfg.IHR.Base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("ihr.base: %q is not an absolute http(s) URL", cfg.IHR.Base)
	}
	asn, _, err := normalizeASN(cfg.IHR.ASN)
	if err != nil {
		return fmt.Errorf("ihr.asn: %w", err)
	}
	cfg.IHR.ASN = asn
	if cfg.IHR.Minutes < 1 || cfg.IHR.Minutes > maxMinutes {
		return fmt.Errorf("ihr.minutes: %d out of range (1-%d)", cfg.IHR.Minutes, maxMinutes)
	}
	if cfg.IHR.MaxKeys < 0 {
		return fmt.Errorf("ihr.maxKeys: must not be negative")
	}
	if cfg.IHR.maxBodyBytes, err = parseByteSize(cfg.IHR.MaxBody); err != nil {
		return fmt.Errorf("ihr.maxBody: %w", err)
	}

	bo := &cfg.IHR.Backoff
	if bo.baseDur, err = parsePositiveDuration(bo.Base); err != nil {
		return fmt.Errorf("ihr.backoff.base: %w", err)
	}
	if bo.ceilingDur, err = parsePositiveDuration(bo.Ceiling); err != nil {
		return fmt.Errorf("ihr.backoff.ceiling: %w", err)
	}
	if bo.ceilingDur < bo.baseDur {
		return fmt.Errorf("ihr.backoff.ceiling: %s is below base %s", bo.ceilingDur, bo.baseDur)
	}
	if bo.ExponentCap < 0 {
		return fmt.Errorf("ihr.backoff.exponentCap: must not be negative")
	}
	if bo.Jitter < 0 || bo.Jitter > 1 {
		return fmt.Errorf("ihr.backoff.jitter: %v out of range [0,1]", bo.Jitter)
	}

	eps := []struct {
		name string
		ep   *Endpoint
	}{
		{"alerts", &cfg.Endpoints.Alerts},
		{"network", &cfg.Endpoints.Network},
		{"search", &cfg.Endpoints.Search},
	}
	for _, e := range eps {
		if e.ep.ttlDur, err = parsePositiveDuration(e.ep.TTL); err != nil {
			return fmt.Errorf("endpoints.%s.ttl: %w", e.name, err)
		}
		if e.ep.timeoutDur, err = parsePositiveDuration(e.ep.Timeout); err != nil {
			return fmt.Errorf("endpoints.%s.timeout: %w", e.name, err)
		}
	}

	if cfg.Storage.Disk.maxBytes, err = parseByteSize(cfg.Storage.Disk.Max); err != nil {
		return fmt.Errorf("storage.disk.max: %w", err)
	}

	if err := cfg.Logging.level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format: %q (want text or json)", cfg.Logging.Format)
	}
	if cfg.Logging.LogStatsEvery != "" {
		if cfg.Logging.logStatsEveryDur, err = time.ParseDuration(cfg.Logging.LogStatsEvery); err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
	}
	if cfg.WarmUp != "" {
		if cfg.warmUpDur, err = time.ParseDuration(cfg.WarmUp); err != nil {
			return fmt.Errorf("warmUp: %w", err)
		}
	}
	return nil
}

func parsePositiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("%q must be positive", s)
	}
	return d, nil
}

// SetLogLevel overrides logging.level after loading.
func (cfg *Config) SetLogLevel(level string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return err
	}
	cfg.Logging.Level = level
	cfg.Logging.level = l
	return nil
}

// DisableBackground turns off the warmup and stats loops, for one-shot use.
func (cfg *Config) DisableBackground() {
	cfg.WarmUp = ""
	cfg.warmUpDur = 0
	cfg.Logging.LogStatsEvery = ""
	cfg.Logging.logStatsEveryDur = 0
}

func (cfg Config) Addr() string { return ":" + strconv.Itoa(cfg.Server.Port) }

func (cfg Config) ReadHeaderTimeout() time.Duration { return cfg.Server.readHeaderTimeoutDur }

// SetPort overrides server.port after loading.
func (cfg *Config) SetPort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("port %d out of range", port)
	}
	cfg.Server.Port = port
	return nil
}
