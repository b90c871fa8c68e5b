package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	rlog "github.com/perpsync/perpsync/log"
)

type AppConfig struct {
	APIURL  string
	WSURL   string
	RPCURL  string
	ChainID int64

	WalletKey     string
	WalletAddress string

	Pool            string
	PerpetualID     int64
	RefreshInterval time.Duration
	RefetchWorkers  int
	WaitForReceipt  bool

	HTTPListen   string
	PublicOrigin string
	StoragePath  string
	EnvFile      string

	LogLevel      string
	LogFormatJSON bool
	LogFile       string
	LogScopes     string
	PersistLogs   bool
}

func DefaultConfig() AppConfig {
	return AppConfig{
		RefreshInterval: 30 * time.Second,
		RefetchWorkers:  2,
		WaitForReceipt:  true,
		HTTPListen:      ":8080",
		StoragePath:     "perpsync.sqlite3",
		EnvFile:         ".env",
		LogLevel:        "info",
	}
}

// NewConfigFlagSet declares the flags against the provided struct but does not parse.
func NewConfigFlagSet(cfg *AppConfig) *pflag.FlagSet {
	fs := pflag.NewFlagSet("perpsync", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringVar(&cfg.APIURL, "api-url", cfg.APIURL, "Exchange REST base URL (env: PERPSYNC_API_URL)")
	fs.StringVar(&cfg.WSURL, "ws-url", cfg.WSURL, "Exchange WebSocket URL (env: PERPSYNC_WS_URL)")
	fs.StringVar(&cfg.RPCURL, "rpc-url", cfg.RPCURL, "Chain JSON-RPC URL, required to cancel (env: PERPSYNC_RPC_URL)")
	fs.Int64Var(&cfg.ChainID, "chain-id", cfg.ChainID, "Chain id, required to cancel (env: PERPSYNC_CHAIN_ID)")

	fs.StringVar(&cfg.WalletKey, "wallet-private-key", cfg.WalletKey, "Trader private key, enables cancellation (env: PERPSYNC_WALLET_PRIVATE_KEY)")
	fs.StringVar(&cfg.WalletAddress, "wallet-address", cfg.WalletAddress, "Trader address for a read-only session (env: PERPSYNC_WALLET_ADDRESS)")

	fs.StringVar(&cfg.Pool, "pool", cfg.Pool, "Pool symbol to select, e.g. USDC (env: PERPSYNC_POOL)")
	fs.Int64Var(&cfg.PerpetualID, "perpetual-id", cfg.PerpetualID, "Perpetual to select; 0 picks the first of the pool (env: PERPSYNC_PERPETUAL_ID)")
	fs.DurationVar(&cfg.RefreshInterval, "refresh-interval", cfg.RefreshInterval, "Interval between account refreshes, 0 disables (env: PERPSYNC_REFRESH_INTERVAL)")
	fs.IntVar(&cfg.RefetchWorkers, "refetch-workers", cfg.RefetchWorkers, "Number of open order refetch workers (env: PERPSYNC_REFETCH_WORKERS)")
	fs.BoolVar(&cfg.WaitForReceipt, "wait-for-receipt", cfg.WaitForReceipt, "Wait until a cancellation is mined (env: PERPSYNC_WAIT_FOR_RECEIPT)")

	fs.StringVar(&cfg.HTTPListen, "http-listen", cfg.HTTPListen, "HTTP listen address (env: PERPSYNC_HTTP_LISTEN)")
	fs.StringVar(&cfg.PublicOrigin, "public-origin", cfg.PublicOrigin, "Comma separated origins allowed by CORS (env: PERPSYNC_PUBLIC_ORIGIN)")
	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "SQLite journal path (env: PERPSYNC_STORAGE_PATH)")
	fs.StringVar(&cfg.EnvFile, "env-file", cfg.EnvFile, "Optional dotenv file loaded before env fallbacks")

	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (env: PERPSYNC_LOG_LEVEL)")
	fs.BoolVar(&cfg.LogFormatJSON, "log-json", cfg.LogFormatJSON, "Emit logs as JSON (env: PERPSYNC_LOG_JSON)")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Also write logs to this rotated file (env: PERPSYNC_LOG_FILE)")
	fs.StringVar(&cfg.LogScopes, "log-scopes", cfg.LogScopes, "Comma separated logger scopes to show, e.g. reconciler,d8x (env: PERPSYNC_LOG_SCOPES)")
	fs.BoolVar(&cfg.PersistLogs, "log-persist", cfg.PersistLogs, "Persist logs into the journal (env: PERPSYNC_LOG_PERSIST)")

	return fs
}

// LoadEnvFile loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

// ApplyEnvDefaults fills flags that were not set on the command line from
// the environment.
func ApplyEnvDefaults(fs *pflag.FlagSet, cfg *AppConfig) error {
	flagSet := map[string]struct{}{}
	fs.Visit(func(f *pflag.Flag) { flagSet[f.Name] = struct{}{} })

	var errs []error
	lookup := func(name, envKey string) (string, bool) {
		if _, ok := flagSet[name]; ok {
			return "", false
		}
		v, ok := os.LookupEnv(envKey)
		return v, ok && v != ""
	}
	setString := func(name, envKey string, target *string) {
		if v, ok := lookup(name, envKey); ok {
			*target = v
		}
	}
	setInt := func(name, envKey string, target *int) {
		if v, ok := lookup(name, envKey); ok {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", envKey, err))
				return
			}
			*target = parsed
		}
	}
	setInt64 := func(name, envKey string, target *int64) {
		if v, ok := lookup(name, envKey); ok {
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", envKey, err))
				return
			}
			*target = parsed
		}
	}
	setBool := func(name, envKey string, target *bool) {
		if v, ok := lookup(name, envKey); ok {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", envKey, err))
				return
			}
			*target = parsed
		}
	}
	setDuration := func(name, envKey string, target *time.Duration) {
		if v, ok := lookup(name, envKey); ok {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", envKey, err))
				return
			}
			*target = parsed
		}
	}

	setString("api-url", "PERPSYNC_API_URL", &cfg.APIURL)
	setString("ws-url", "PERPSYNC_WS_URL", &cfg.WSURL)
	setString("rpc-url", "PERPSYNC_RPC_URL", &cfg.RPCURL)
	setInt64("chain-id", "PERPSYNC_CHAIN_ID", &cfg.ChainID)

	setString("wallet-private-key", "PERPSYNC_WALLET_PRIVATE_KEY", &cfg.WalletKey)
	setString("wallet-address", "PERPSYNC_WALLET_ADDRESS", &cfg.WalletAddress)

	setString("pool", "PERPSYNC_POOL", &cfg.Pool)
	setInt64("perpetual-id", "PERPSYNC_PERPETUAL_ID", &cfg.PerpetualID)
	setDuration("refresh-interval", "PERPSYNC_REFRESH_INTERVAL", &cfg.RefreshInterval)
	setInt("refetch-workers", "PERPSYNC_REFETCH_WORKERS", &cfg.RefetchWorkers)
	setBool("wait-for-receipt", "PERPSYNC_WAIT_FOR_RECEIPT", &cfg.WaitForReceipt)

	setString("http-listen", "PERPSYNC_HTTP_LISTEN", &cfg.HTTPListen)
	setString("public-origin", "PERPSYNC_PUBLIC_ORIGIN", &cfg.PublicOrigin)
	setString("storage-path", "PERPSYNC_STORAGE_PATH", &cfg.StoragePath)

	setString("log-level", "PERPSYNC_LOG_LEVEL", &cfg.LogLevel)
	setBool("log-json", "PERPSYNC_LOG_JSON", &cfg.LogFormatJSON)
	setString("log-file", "PERPSYNC_LOG_FILE", &cfg.LogFile)
	setString("log-scopes", "PERPSYNC_LOG_SCOPES", &cfg.LogScopes)
	setBool("log-persist", "PERPSYNC_LOG_PERSIST", &cfg.PersistLogs)

	return errors.Join(errs...)
}

func ValidateConfig(cfg AppConfig) error {
	var missing []string
	if strings.TrimSpace(cfg.APIURL) == "" {
		missing = append(missing, "api-url")
	}
	if strings.TrimSpace(cfg.WSURL) == "" {
		missing = append(missing, "ws-url")
	}
	if strings.TrimSpace(cfg.Pool) == "" {
		missing = append(missing, "pool")
	}
	if cfg.WalletKey != "" {
		if cfg.RPCURL == "" {
			missing = append(missing, "rpc-url")
		}
		if cfg.ChainID <= 0 {
			missing = append(missing, "chain-id")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	if cfg.WalletAddress != "" && !common.IsHexAddress(cfg.WalletAddress) {
		return fmt.Errorf("invalid wallet-address %q", cfg.WalletAddress)
	}
	if cfg.RefetchWorkers < 1 {
		return fmt.Errorf("refetch-workers must be at least 1, got %d", cfg.RefetchWorkers)
	}
	if cfg.RefreshInterval < 0 {
		return fmt.Errorf("refresh-interval must not be negative")
	}
	if _, err := rlog.ParseLevel(cfg.LogLevel); err != nil {
		return err
	}
	return nil
}

// LogConfig maps the log flags onto the handler builder.
func (cfg AppConfig) LogConfig() rlog.Config {
	var scopes []string
	for _, s := range strings.Split(cfg.LogScopes, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	return rlog.Config{
		Level:      cfg.LogLevel,
		JSON:       cfg.LogFormatJSON,
		File:       cfg.LogFile,
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 14,
		Scopes:     scopes,
	}
}
