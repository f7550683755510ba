// Package config reads service settings from flags, falling back to
// EKKLESIA_* environment variables and an optional .env file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "EKKLESIA_"

type Config struct {
	HTTPAddr string
	GRPCAddr string
	PGDSN    string

	AuthSecret     string
	RegistrySecret string
	RegistryIssuer string
	MemberPepper   string

	CredentialTTL       time.Duration
	CredentialRatePerS  float64
	CredentialRateBurst int

	IntakeTimeout        time.Duration
	PersisterWorkers     int
	PersisterMaxAttempts int
	RetryBaseDelay       time.Duration
	RetryMaxDelay        time.Duration
	QueueVisibility      time.Duration
	QueueNotify          bool
	QuestionCacheSize    int

	CloseDrainTimeout time.Duration
	CloseSettle       time.Duration
	SchedulerInterval time.Duration

	RatePerSec  float64
	RateBurst   int
	CORSOrigins []string
}

// setting binds one flag to its environment variable.
type setting struct {
	flag string
	env  string
}

// Parse reads args, then fills every flag left unset from the environment.
// A .env file (the -env-file flag, default ".env") is loaded first; variables
// already present in the process environment win over it.
func Parse(args []string) (Config, error) {
	var (
		cfg     Config
		envFile string
		origins string
	)
	fs := flag.NewFlagSet("ekklesia", flag.ContinueOnError)
	fs.StringVar(&envFile, "env-file", ".env", "Optional dotenv file")

	fs.StringVar(&cfg.HTTPAddr, "http-addr", ":8080", "HTTP listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", ":9090", "gRPC health listen address")
	fs.StringVar(&cfg.PGDSN, "pg-dsn", "", "Postgres DSN (empty runs in memory)")

	// Secrets (prefer env variables, but allow CLI for dev)
	fs.StringVar(&cfg.AuthSecret, "auth-secret", "", "Admin token HMAC secret (prefer env)")
	fs.StringVar(&cfg.RegistrySecret, "registry-secret", "", "Member registry token secret (prefer env)")
	fs.StringVar(&cfg.RegistryIssuer, "registry-issuer", "member-registry", "Expected iss of member tokens")
	fs.StringVar(&cfg.MemberPepper, "member-pepper", "", "HMAC key for member references (prefer env)")

	fs.DurationVar(&cfg.CredentialTTL, "credential-ttl", 30*time.Minute, "Credential lifetime")
	fs.Float64Var(&cfg.CredentialRatePerS, "credential-rate", 0.2, "Credential requests per second per member")
	fs.IntVar(&cfg.CredentialRateBurst, "credential-burst", 3, "Credential request burst per member")

	fs.DurationVar(&cfg.IntakeTimeout, "intake-timeout", 2*time.Second, "Ballot intake deadline")
	fs.IntVar(&cfg.PersisterWorkers, "persister-workers", 8, "Concurrent persister workers")
	fs.IntVar(&cfg.PersisterMaxAttempts, "persister-max-attempts", 5, "Deliveries before dead-lettering")
	fs.DurationVar(&cfg.RetryBaseDelay, "retry-base-delay", 200*time.Millisecond, "First retry delay")
	fs.DurationVar(&cfg.RetryMaxDelay, "retry-max-delay", 30*time.Second, "Retry delay cap")
	fs.DurationVar(&cfg.QueueVisibility, "queue-visibility", 30*time.Second, "Visibility timeout of received messages")
	fs.BoolVar(&cfg.QueueNotify, "queue-notify", false, "Wake workers with LISTEN/NOTIFY")
	fs.IntVar(&cfg.QuestionCacheSize, "question-cache-size", 256, "Cached question sets")

	fs.DurationVar(&cfg.CloseDrainTimeout, "close-drain-timeout", 10*time.Second, "Bound on queue drain at close")
	fs.DurationVar(&cfg.CloseSettle, "close-settle", 3*time.Second, "Quiet period after close before tabulating; at least intake-timeout")
	fs.DurationVar(&cfg.SchedulerInterval, "scheduler-interval", 15*time.Second, "How often due elections are opened")

	fs.Float64Var(&cfg.RatePerSec, "rate-per-sec", 50, "Per-IP request rate")
	fs.IntVar(&cfg.RateBurst, "rate-burst", 100, "Per-IP burst")
	fs.StringVar(&origins, "cors-origins", "", "Comma separated allowed origins")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	for _, name := range []string{
		"http-addr", "grpc-addr", "pg-dsn", "auth-secret", "registry-secret", "registry-issuer",
		"member-pepper", "credential-ttl", "credential-rate", "credential-burst", "intake-timeout",
		"persister-workers", "persister-max-attempts", "retry-base-delay", "retry-max-delay",
		"queue-visibility", "queue-notify", "question-cache-size", "close-drain-timeout",
		"close-settle", "scheduler-interval", "rate-per-sec", "rate-burst", "cors-origins",
	} {
		if set[name] {
			continue
		}
		key := EnvName(name)
		v, ok := os.LookupEnv(key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := fs.Set(name, strings.TrimSpace(v)); err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
	}

	cfg.CORSOrigins = splitList(origins)
	return cfg, cfg.validate()
}

// EnvName maps a flag name to its environment variable, e.g. pg-dsn ->
// EKKLESIA_PG_DSN.
func EnvName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func (c Config) validate() error {
	// Secrets - MUST be provided
	if strings.TrimSpace(c.AuthSecret) == "" {
		return errors.New(EnvName("auth-secret") + " required")
	}
	if strings.TrimSpace(c.RegistrySecret) == "" {
		return errors.New(EnvName("registry-secret") + " required")
	}
	if len(c.MemberPepper) < 16 {
		return errors.New(EnvName("member-pepper") + " required (at least 16 bytes)")
	}
	if c.CredentialTTL <= 0 || c.IntakeTimeout <= 0 || c.QueueVisibility <= 0 {
		return errors.New("durations must be positive")
	}
	if c.CloseSettle < c.IntakeTimeout {
		return errors.New("close-settle must be at least intake-timeout")
	}
	if c.CloseDrainTimeout <= c.CloseSettle {
		return errors.New("close-drain-timeout must exceed close-settle")
	}
	if c.PersisterWorkers < 1 {
		return errors.New("persister-workers must be at least 1")
	}
	if c.PersisterMaxAttempts < 1 {
		return errors.New("persister-max-attempts must be at least 1")
	}
	if c.RatePerSec <= 0 || c.RateBurst < 1 {
		return errors.New("rate limits must be positive")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// String renders the config for startup logs with secrets elided.
func (c Config) String() string {
	return "http=" + c.HTTPAddr + " grpc=" + c.GRPCAddr +
		" store=" + storeKind(c.PGDSN) +
		" workers=" + strconv.Itoa(c.PersisterWorkers) +
		" notify=" + strconv.FormatBool(c.QueueNotify)
}

func storeKind(dsn string) string {
	if dsn == "" {
		return "memory"
	}
	return "postgres"
}
