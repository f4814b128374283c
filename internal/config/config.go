package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"peercall/native/internal/domain"
)

const (
	DefaultSTUNURL     = "stun:stun.l.google.com:19302"
	DefaultRingTimeout = 30 * time.Second
	DefaultDBPath      = "peercall.db"
)

// Config holds the application configuration.
type Config struct {
	Identity  string
	SignalURL string

	ICEServers  []domain.ICEServerConfig
	ICEEndpoint string
	ICEToken    string

	EnableEncryption bool
	EnableFeedback   bool
	CandidatePolicy  domain.CandidatePolicy

	RingTimeout time.Duration
	DBPath      string
	LogLevel    logrus.Level
}

// Load reads configuration from a .env file (if present) and environment variables
// and checks that the required values are set.
func Load() (*Config, error) {
	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv reads the configuration without checking required values, so
// command line flags can still fill them in.
// Environment variables take precedence over .env values.
func FromEnv() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()
	return parse(os.Getenv)
}

// Validate checks required values and the transport settings.
func (c *Config) Validate() error {
	if c.Identity == "" {
		return fmt.Errorf("PEERCALL_IDENTITY environment variable is required")
	}
	if c.SignalURL == "" {
		return fmt.Errorf("PEERCALL_SIGNAL_URL environment variable is required")
	}
	if err := c.WebRTC().Validate(); err != nil {
		return fmt.Errorf("ice configuration: %w", err)
	}
	return nil
}

func parse(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		Identity:    getenv("PEERCALL_IDENTITY"),
		SignalURL:   getenv("PEERCALL_SIGNAL_URL"),
		ICEEndpoint: getenv("PEERCALL_ICE_ENDPOINT"),
		ICEToken:    getenv("PEERCALL_ICE_TOKEN"),
		DBPath:      getenv("PEERCALL_DB_PATH"),
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath
	}

	stun := splitList(getenv("PEERCALL_STUN_URLS"))
	if len(stun) == 0 {
		stun = []string{DefaultSTUNURL}
	}
	cfg.ICEServers = append(cfg.ICEServers, domain.ICEServerConfig{URLs: stun})

	if turn := splitList(getenv("PEERCALL_TURN_URLS")); len(turn) > 0 {
		cfg.ICEServers = append(cfg.ICEServers, domain.ICEServerConfig{
			URLs:           turn,
			Username:       getenv("PEERCALL_TURN_USERNAME"),
			Credential:     getenv("PEERCALL_TURN_CREDENTIAL"),
			CredentialType: domain.CredentialPassword,
		})
	}

	var err error
	if cfg.EnableEncryption, err = parseBool(getenv, "PEERCALL_ENCRYPTION", true); err != nil {
		return nil, err
	}
	if cfg.EnableFeedback, err = parseBool(getenv, "PEERCALL_RTCP_FEEDBACK", true); err != nil {
		return nil, err
	}
	if cfg.CandidatePolicy, err = domain.ParseCandidatePolicy(getenv("PEERCALL_ICE_POLICY")); err != nil {
		return nil, fmt.Errorf("PEERCALL_ICE_POLICY: %w", err)
	}

	cfg.RingTimeout = DefaultRingTimeout
	if v := getenv("PEERCALL_RING_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("PEERCALL_RING_TIMEOUT: invalid duration %q", v)
		}
		cfg.RingTimeout = d
	}

	if cfg.LogLevel, err = ParseLevel(getenv("LOG_LEVEL")); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WebRTC returns the transport configuration.
func (c *Config) WebRTC() domain.WebRTCConfig {
	w := domain.DefaultWebRTCConfig()
	w.ICEServers = c.ICEServers
	w.EnableEncryption = c.EnableEncryption
	w.EnableFeedback = c.EnableFeedback
	w.CandidatePolicy = c.CandidatePolicy
	return w
}

// ParseLevel maps DEBUG, INFO, WARN and ERROR (any case) to a logrus level.
// Empty means INFO.
func ParseLevel(s string) (logrus.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "INFO":
		return logrus.InfoLevel, nil
	case "DEBUG":
		return logrus.DebugLevel, nil
	case "WARN", "WARNING":
		return logrus.WarnLevel, nil
	case "ERROR":
		return logrus.ErrorLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("LOG_LEVEL: unknown level %q", s)
	}
}

// ConfigureLogging sends logs to stderr with timestamps at level.
func ConfigureLogging(level logrus.Level) {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	logrus.SetLevel(level)
}

func parseBool(getenv func(string) string, key string, def bool) (bool, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q", key, v)
	}
	return b, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
