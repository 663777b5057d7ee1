package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type StoreDriver string

const (
	StorePostgres StoreDriver = "postgres"
	StoreMemory   StoreDriver = "memory"
)

// AIDeniedPolicy decides what happens to an AI-graded requirement when the
// student may not consume AI grading.
type AIDeniedPolicy string

const (
	AIDeniedSkip    AIDeniedPolicy = "skip"
	AIDeniedDegrade AIDeniedPolicy = "degrade"
)

type Config struct {
	Addr     string
	LogMode  string
	Store    StoreDriver
	SeedFile string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	JWTSecret   string
	CORSOrigins []string

	RecencyWindow  time.Duration
	UnlockPoints   []int
	AcceptPartial  bool
	AIDeniedPolicy AIDeniedPolicy
	SweepInterval  time.Duration

	AMQPURL             string
	GradingExchange     string
	GradingResultsQueue string
}

// RegisterFlags declares every configuration key on a flag set. Each flag
// can also come from the environment (db-host -> DB_HOST) or examprep.yaml.
func RegisterFlags(f *pflag.FlagSet) {
	f.String("addr", ":8080", "HTTP listen address")
	f.String("log-mode", "development", "Log mode (development, production)")
	f.String("store", string(StorePostgres), "Storage backend (postgres, memory)")
	f.String("seed-file", "", "JSON file with questions and structures to load at startup")

	f.String("db-host", "localhost", "Postgres host")
	f.String("db-port", "5432", "Postgres port")
	f.String("db-user", "examprep", "Postgres user")
	f.String("db-password", "examprep", "Postgres password")
	f.String("db-name", "examprep", "Postgres database name")
	f.String("db-sslmode", "disable", "Postgres sslmode")

	f.String("jwt-secret", "", "HMAC key used to verify bearer tokens")
	f.StringSlice("cors-origins", []string{"*"}, "Allowed CORS origins")

	f.Duration("recency-window", 7*24*time.Hour, "Questions shown within this window are excluded from new sessions")
	f.IntSlice("unlock-points", []int{100, 200, 300}, "Points needed to unlock difficulty 3, 4 and 5")
	f.Bool("accept-partial", false, "Accept sessions with short sections instead of failing assembly")
	f.String("ai-denied-policy", string(AIDeniedDegrade), "What to do with AI-graded requirements for students without AI credits (skip, degrade)")
	f.Duration("sweep-interval", time.Minute, "Interval of the session expiry sweep")

	f.String("amqp-url", "", "RabbitMQ URL for grading handoff (empty disables publishing)")
	f.String("grading-exchange", "grading", "Topic exchange for submitted sessions")
	f.String("grading-results-queue", "grading.results", "Queue carrying grading results back")
}

// NewViper binds a flag set and the environment to a fresh viper instance.
func NewViper(f *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	if err := v.BindPFlags(f); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("examprep")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/examprep")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load reads a validated Config from v.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Addr:     v.GetString("addr"),
		LogMode:  v.GetString("log-mode"),
		Store:    StoreDriver(strings.ToLower(v.GetString("store"))),
		SeedFile: v.GetString("seed-file"),

		DBHost:     v.GetString("db-host"),
		DBPort:     v.GetString("db-port"),
		DBUser:     v.GetString("db-user"),
		DBPassword: v.GetString("db-password"),
		DBName:     v.GetString("db-name"),
		DBSSLMode:  v.GetString("db-sslmode"),

		JWTSecret:   v.GetString("jwt-secret"),
		CORSOrigins: v.GetStringSlice("cors-origins"),

		RecencyWindow:  v.GetDuration("recency-window"),
		UnlockPoints:   v.GetIntSlice("unlock-points"),
		AcceptPartial:  v.GetBool("accept-partial"),
		AIDeniedPolicy: AIDeniedPolicy(strings.ToLower(v.GetString("ai-denied-policy"))),
		SweepInterval:  v.GetDuration("sweep-interval"),

		AMQPURL:             v.GetString("amqp-url"),
		GradingExchange:     v.GetString("grading-exchange"),
		GradingResultsQueue: v.GetString("grading-results-queue"),
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Store {
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("unsupported store %q", c.Store)
	}
	switch c.AIDeniedPolicy {
	case AIDeniedSkip, AIDeniedDegrade:
	default:
		return fmt.Errorf("unsupported ai-denied-policy %q", c.AIDeniedPolicy)
	}
	if c.RecencyWindow < 0 {
		return fmt.Errorf("recency-window must not be negative")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep-interval must be positive")
	}
	if len(c.UnlockPoints) != 3 {
		return fmt.Errorf("unlock-points needs 3 values (difficulty 3, 4, 5), got %d", len(c.UnlockPoints))
	}
	for _, p := range c.UnlockPoints {
		if p < 0 {
			return fmt.Errorf("unlock-points must not be negative")
		}
	}
	return nil
}

// PostgresDSN builds a lib/pq connection string.
func (c Config) PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode,
	)
}
