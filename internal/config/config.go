// Package config provides environment configuration for the bridge.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const maxWebhookRetries = 20

// Config holds all configuration for the application.
type Config struct {
	// Chat backend
	ChatWSURL        string
	PollInterval     time.Duration
	PollCommand      string
	WSTimeout        time.Duration
	ReconnectDelay   time.Duration
	CooldownDelay    time.Duration
	FailureThreshold int
	DebugEvents      bool
	EnableGroupChat  bool

	// Webhook
	WebhookURL     string
	WebhookRetries int
	WebhookBackoff time.Duration
	WebhookTimeout time.Duration
	WebhookSecret  string
	WebhookSource  string

	// State
	StateDSN             string
	StateMaxContacts     int
	StateCleanupInterval time.Duration

	// Rate limiting
	RateLimitPerMinute int
	SendRateLimit      int

	// Control surface
	HTTPBind           string
	HTTPPort           string
	EnableMetrics      bool
	HealthCheckOnStart bool
	DrainTimeout       time.Duration
	ControlJWTSecret   string
	CORSAllowedOrigins []string

	// Mirrors
	NATSURL      string
	NATSToken    string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	AMQPURL      string
	AMQPExchange string

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables. When path is set,
// the YAML file at path supplies defaults keyed by variable name; real
// environment variables win.
func Load(path string) (*Config, error) {
	l := loader{lookup: os.LookupEnv}
	if path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, err
		}
		l.file = file
	}

	stateDSN := l.getEnv("", "STATE_DSN")
	if stateDSN == "" {
		stateDSN = l.getEnv("state/last_seen.json", "STATE_FILE", "SIMPLEX_STATE_FILE")
	}

	return &Config{
		// Chat backend
		ChatWSURL:        l.getEnv("", "CHAT_WS_URL", "SIMPLEX_WS_URL"),
		PollInterval:     l.getDurationEnv(2*time.Second, "POLL_INTERVAL", "SIMPLEX_POLL_SECONDS"),
		PollCommand:      l.getEnv("/tail", "POLL_COMMAND"),
		WSTimeout:        l.getDurationEnv(10*time.Second, "WS_TIMEOUT", "SIMPLEX_WS_TIMEOUT"),
		ReconnectDelay:   l.getDurationEnv(5*time.Second, "WS_RECONNECT_DELAY", "SIMPLEX_WS_RECONNECT_DELAY"),
		CooldownDelay:    l.getDurationEnv(30*time.Second, "WS_COOLDOWN_DELAY"),
		FailureThreshold: l.getIntEnv(10, "WS_FAILURE_THRESHOLD"),
		DebugEvents:      l.getBoolEnv(false, "WS_DEBUG_EVENTS", "SIMPLEX_DEBUG_WS_EVENTS"),
		EnableGroupChat:  l.getBoolEnv(false, "ENABLE_GROUP_CHAT"),

		// Webhook
		WebhookURL:     l.getEnv("", "WEBHOOK_URL", "N8N_WEBHOOK_URL"),
		WebhookRetries: l.getIntEnv(3, "WEBHOOK_RETRIES", "SIMPLEX_WEBHOOK_RETRIES"),
		WebhookBackoff: l.getDurationEnv(2*time.Second, "WEBHOOK_BACKOFF", "SIMPLEX_WEBHOOK_BACKOFF"),
		WebhookTimeout: l.getDurationEnv(10*time.Second, "WEBHOOK_TIMEOUT"),
		WebhookSecret:  l.getEnv("", "WEBHOOK_SECRET"),
		WebhookSource:  l.getEnv("chat-bridge", "WEBHOOK_SOURCE"),

		// State
		StateDSN:             stateDSN,
		StateMaxContacts:     l.getIntEnv(1000, "STATE_MAX_CONTACTS"),
		StateCleanupInterval: l.getDurationEnv(time.Hour, "STATE_CLEANUP_INTERVAL"),

		// Rate limiting
		RateLimitPerMinute: l.getIntEnv(20, "RATE_LIMIT_PER_MINUTE"),
		SendRateLimit:      l.getIntEnv(60, "SEND_RATE_LIMIT"),

		// Control surface
		HTTPBind:           l.getEnv("0.0.0.0", "HTTP_BIND", "BRIDGE_HTTP_BIND"),
		HTTPPort:           l.getEnv("8080", "PORT", "BRIDGE_HTTP_PORT"),
		EnableMetrics:      l.getBoolEnv(true, "ENABLE_METRICS"),
		HealthCheckOnStart: l.getBoolEnv(true, "HEALTH_CHECK_ON_START", "SIMPLEX_HEALTH_CHECK"),
		DrainTimeout:       l.getDurationEnv(10*time.Second, "DRAIN_TIMEOUT"),
		ControlJWTSecret:   l.getEnv("", "CONTROL_JWT_SECRET"),
		CORSAllowedOrigins: splitList(l.getEnv("", "CORS_ALLOWED_ORIGINS")),

		// Mirrors
		NATSURL:      l.getEnv("", "NATS_URL"),
		NATSToken:    l.getEnv("", "NATS_TOKEN"),
		NATSCAFile:   l.getEnv("", "NATS_CA_FILE"),
		NATSCertFile: l.getEnv("", "NATS_CERT_FILE"),
		NATSKeyFile:  l.getEnv("", "NATS_KEY_FILE"),
		AMQPURL:      l.getEnv("", "AMQP_URL"),
		AMQPExchange: l.getEnv("chatbridge.events", "AMQP_EXCHANGE"),

		// Logging
		LogLevel:  l.getEnv("info", "LOG_LEVEL"),
		LogFormat: l.getEnv("json", "LOG_FORMAT"),
		LogFile:   l.getEnv("", "LOG_FILE"),

		// Tracing
		TracingEndpoint: l.getEnv("localhost:4318", "TRACING_ENDPOINT"),
		TracingEnabled:  l.getBoolEnv(false, "TRACING_ENABLED"),
	}, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.ChatWSURL == "" {
		errs = append(errs, errors.New("CHAT_WS_URL is required"))
	}
	if c.WebhookURL == "" {
		errs = append(errs, errors.New("WEBHOOK_URL is required"))
	}
	if c.PollInterval < 100*time.Millisecond {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must be at least 100ms, got %s", c.PollInterval))
	}
	if c.WSTimeout < time.Second {
		errs = append(errs, fmt.Errorf("WS_TIMEOUT must be at least 1s, got %s", c.WSTimeout))
	}
	if c.WebhookTimeout < time.Second {
		errs = append(errs, fmt.Errorf("WEBHOOK_TIMEOUT must be at least 1s, got %s", c.WebhookTimeout))
	}
	if c.WebhookRetries < 1 || c.WebhookRetries > maxWebhookRetries {
		errs = append(errs, fmt.Errorf("WEBHOOK_RETRIES must be between 1 and %d, got %d", maxWebhookRetries, c.WebhookRetries))
	}
	if c.WebhookBackoff < 0 || c.ReconnectDelay < 0 || c.CooldownDelay < 0 {
		errs = append(errs, errors.New("delays must not be negative"))
	}
	if _, err := strconv.Atoi(c.HTTPPort); err != nil {
		errs = append(errs, fmt.Errorf("PORT must be numeric, got %q", c.HTTPPort))
	}
	return errors.Join(errs...)
}

// Addr is the control surface listen address.
func (c *Config) Addr() string {
	return c.HTTPBind + ":" + c.HTTPPort
}

func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	values := make(map[string]string, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case nil:
		case []any:
			parts := make([]string, 0, len(t))
			for _, p := range t {
				parts = append(parts, fmt.Sprint(p))
			}
			values[k] = strings.Join(parts, ",")
		default:
			values[k] = fmt.Sprint(t)
		}
	}
	return values, nil
}

type loader struct {
	lookup func(string) (string, bool)
	file   map[string]string
}

// value returns the first non-empty value among keys, checking the
// environment before the file.
func (l loader) value(keys ...string) (string, bool) {
	for _, key := range keys {
		if v, ok := l.lookup(key); ok && v != "" {
			return v, true
		}
	}
	for _, key := range keys {
		if v, ok := l.file[key]; ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func (l loader) getEnv(defaultValue string, keys ...string) string {
	if value, ok := l.value(keys...); ok {
		return value
	}
	return defaultValue
}

func (l loader) getIntEnv(defaultValue int, keys ...string) int {
	if value, ok := l.value(keys...); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func (l loader) getBoolEnv(defaultValue bool, keys ...string) bool {
	if value, ok := l.value(keys...); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getDurationEnv accepts Go durations ("2s", "500ms") and bare seconds
// ("2", "0.5").
func (l loader) getDurationEnv(defaultValue time.Duration, keys ...string) time.Duration {
	if value, ok := l.value(keys...); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.ParseFloat(value, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
