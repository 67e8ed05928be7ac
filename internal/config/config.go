package config

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	infisical "github.com/infisical/go-sdk"
	"github.com/joho/godotenv"
)

type Config struct {
	Port           string
	LogLevel       slog.Level
	DatabaseURL    string
	TelegramToken  string
	FrontendOrigin string
	RedisURL       string
	RedisPassword  string

	PositionsFile string
	EthRPCURL     string
	// OnChainPairs is SYM:pair:token:decimals:stableDecimals, comma separated.
	OnChainPairs    string
	CoinGeckoAPIKey string
	CoinGeckoIDs    map[string]string

	EvalInterval     time.Duration
	CycleTimeout     time.Duration
	Concurrency      int
	CacheTTL         time.Duration
	FetchTimeout     time.Duration
	StreamMaxAge     time.Duration
	LastGoodTTL      time.Duration
	HistoryRetention time.Duration
	AlertChatIDs     []int64
}

func Load() Config {
	// A missing .env is the normal case in the cluster.
	_ = godotenv.Load()

	cfg := Config{
		Port:           envOr("PORT", "8080"),
		LogLevel:       logLevel(os.Getenv("LOG_LEVEL")),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		TelegramToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		FrontendOrigin: envOr("FRONTEND_ORIGIN", "*"),
		RedisURL:       envOr("REDIS_URL", "redis://redis-master.redis.svc.cluster.local:6379/0"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),

		PositionsFile:   envOr("POSITIONS_FILE", "positions.toml"),
		EthRPCURL:       os.Getenv("ETH_RPC_URL"),
		OnChainPairs:    os.Getenv("ONCHAIN_PAIRS"),
		CoinGeckoAPIKey: os.Getenv("COINGECKO_API_KEY"),
		CoinGeckoIDs:    envMap("COINGECKO_IDS"),

		EvalInterval:     envDuration("EVAL_INTERVAL", 5*time.Minute),
		CycleTimeout:     envDuration("CYCLE_TIMEOUT", 2*time.Minute),
		Concurrency:      envInt("EVAL_CONCURRENCY", 4),
		CacheTTL:         envDuration("PRICE_CACHE_TTL", 60*time.Second),
		FetchTimeout:     envDuration("FETCH_TIMEOUT", 8*time.Second),
		StreamMaxAge:     envDuration("STREAM_MAX_AGE", 2*time.Minute),
		LastGoodTTL:      envDuration("LAST_GOOD_TTL", 7*24*time.Hour),
		HistoryRetention: envDuration("HISTORY_RETENTION", 90*24*time.Hour),
		AlertChatIDs:     envInt64List("ALERT_CHAT_IDS"),
	}

	// If Infisical credentials are available, fetch secrets from Infisical
	clientID := os.Getenv("INFISICAL_CLIENT_ID")
	clientSecret := os.Getenv("INFISICAL_CLIENT_SECRET")
	if clientID != "" && clientSecret != "" {
		loadFromInfisical(&cfg, clientID, clientSecret)
	}

	return cfg
}

func loadFromInfisical(cfg *Config, clientID, clientSecret string) {
	siteURL := envOr("INFISICAL_SITE_URL",
		"http://infisical-infisical-standalone-infisical.infisical.svc.cluster.local:8080")
	projectID := os.Getenv("INFISICAL_PROJECT_ID")
	envSlug := envOr("INFISICAL_ENV", "prod")

	if projectID == "" {
		slog.Warn("INFISICAL_PROJECT_ID not set, skipping Infisical")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := infisical.NewInfisicalClient(ctx, infisical.Config{
		SiteUrl:          siteURL,
		AutoTokenRefresh: false,
	})

	_, err := client.Auth().UniversalAuthLogin(clientID, clientSecret)
	if err != nil {
		slog.Error("infisical auth failed", "error", err)
		return
	}

	for key, target := range cfg.secretTargets() {
		if *target != "" {
			continue // env var already set, skip
		}
		secret, err := client.Secrets().Retrieve(infisical.RetrieveSecretOptions{
			SecretKey:   key,
			Environment: envSlug,
			ProjectID:   projectID,
			SecretPath:  "/",
		})
		if err != nil {
			slog.Warn("failed to retrieve secret from infisical", "key", key, "error", err)
			continue
		}
		*target = secret.SecretValue
		slog.Info("loaded secret from infisical", "key", key)
	}
}

func (c *Config) secretTargets() map[string]*string {
	return map[string]*string{
		"TELEGRAM_BOT_TOKEN": &c.TelegramToken,
		"REDIS_PASSWORD":     &c.RedisPassword,
		"COINGECKO_API_KEY":  &c.CoinGeckoAPIKey,
		"ETH_RPC_URL":        &c.EthRPCURL,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration, using default", "key", key, "value", v, "default", fallback.String())
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid integer, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return n
}

// envInt64List parses a comma separated list, skipping malformed entries.
func envInt64List(key string) []int64 {
	var out []int64
	for _, part := range strings.Split(os.Getenv(key), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			slog.Warn("skipping invalid list entry", "key", key, "value", part)
			continue
		}
		out = append(out, n)
	}
	return out
}

// envMap parses KEY=value pairs separated by commas.
func envMap(key string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(os.Getenv(key), ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func logLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
