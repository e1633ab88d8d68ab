package internal

import (
	"fmt"
	"strings"
	"time"
)

// Config is read from the environment, a .env file being loaded first when present.
type Config struct {
	Host     string `env:"HOST,default=localhost"`
	Port     int    `env:"PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=INFO"`

	BadgerFilepath string `env:"BADGER_FILEPATH,required=true"`
	BlugeFilepath  string `env:"BLUGE_FILEPATH,required=true"`

	JwtSecret         string        `env:"JWT_SECRET,required=true"`
	AuthTokenDuration time.Duration `env:"AUTH_TOKEN_DURATION,default=24h"`
	AdminEmails       string        `env:"ADMIN_EMAILS"`
	AllowedOrigins    string        `env:"ALLOWED_ORIGINS"`

	PushAttempts    int           `env:"PUSH_ATTEMPTS,default=3"`
	PushBackoff     time.Duration `env:"PUSH_BACKOFF,default=200ms"`
	PushTimeout     time.Duration `env:"PUSH_TIMEOUT,default=2s"`
	OutboxSize      int           `env:"OUTBOX_SIZE,default=256"`
	PendingPageSize int           `env:"PENDING_PAGE_SIZE,default=100"`
	RegistryShards  int           `env:"REGISTRY_SHARDS,default=64"`
	LaneCount       int           `env:"LANE_COUNT,default=256"`

	LivenessTimeout   time.Duration `env:"LIVENESS_TIMEOUT,default=2m"`
	RetentionPeriod   time.Duration `env:"RETENTION_PERIOD,default=720h"`
	RetentionInterval time.Duration `env:"RETENTION_INTERVAL,default=1h"`
	MetricInterval    time.Duration `env:"METRIC_INTERVAL,default=15s"`
	RestartInterval   time.Duration `env:"RESTART_INTERVAL,default=200ms"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`

	CharReplacement string `env:"CHARACTER_REPLACEMENT,default=*"`
}

func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func CharacterRune(str string) (rune, error) {
	r := []rune(str)
	if len(r) != 1 {
		return 0, fmt.Errorf(
			"CHARACTER_REPLACEMENT must be a single character, got %q",
			str,
		)
	}
	return r[0], nil
}

// SplitList reads a comma separated variable such as ADMIN_EMAILS.
func SplitList(raw string) []string {
	var items []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, part)
		}
	}
	return items
}
