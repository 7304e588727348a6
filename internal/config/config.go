// Package config parses the enumerated environment surface into explicit
// option structs with defaults. When VAULT_ADDR is set, the same keys are
// also read from a Vault KV v2 secret; a key present in both places
// resolves to the environment value.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hindsight-io/hindsight/internal/vault"
)

// Warehouse holds the single-identity connection parameters plus the
// multi-identity vault bootstrap CSVs.
type Warehouse struct {
	Account  string
	User     string
	Password string
	Name     string // WAREHOUSE_WAREHOUSE
	Database string
	Schema   string
	Role     string

	// Multi-identity bootstrap. Parallel CSVs; Accounts drives length.
	Accounts   []string
	Passwords  []string
	Priorities []int
	MaxFails   []int
	CooldownMS []int64
}

// L2 is the shared-cache connection.
type L2 struct {
	Host     string
	Port     int
	Password string
	DB       int
	Prefix   string
}

// Addr returns host:port for the redis client.
func (l L2) Addr() string { return fmt.Sprintf("%s:%d", l.Host, l.Port) }

// Enabled reports whether an L2 cache is configured at all.
func (l L2) Enabled() bool { return l.Host != "" }

// Cache sizes the in-process L1 tier.
type Cache struct {
	MaxSize int
	TTL     time.Duration
}

// Queue holds the segment policy for the append queue.
type Queue struct {
	Path      string
	MaxSize   int64 // bytes per segment
	MaxAge    time.Duration
	MaxEvents int
}

// Perf carries the per-operation latency budgets.
type Perf struct {
	GetContextP95 time.Duration
	LogEvent      time.Duration
	SubmitQuery   time.Duration
	DBQuery       time.Duration
	Connection    time.Duration
}

// Upload holds the uploader policy.
type Upload struct {
	BatchSize   int
	Interval    time.Duration
	RetryMax    int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	StableAfter time.Duration
}

// Config is the full option set for both binaries.
type Config struct {
	Warehouse Warehouse
	VaultKey  string // VAULT_ENCRYPTION_KEY
	VaultPath string // credential file location
	L2        L2
	Cache     Cache
	Queue     Queue
	Perf      Perf
	Upload    Upload

	ListenAddr   string
	NATSURL      string
	QueryTagName string // query tag prefix
	OTLPEndpoint string

	// DefaultCustomer is attributed to events whose caller supplies no
	// customer of their own, the common case for a single-user install.
	DefaultCustomer string
}

// Load resolves configuration from the process environment, overlaid on
// a Vault KV v2 secret when VAULT_ADDR is set.
func Load() (*Config, error) {
	overlay := map[string]string{}
	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		sm, err := NewSecretManager(addr, os.Getenv("VAULT_TOKEN"))
		if err != nil {
			return nil, err
		}
		path := os.Getenv("VAULT_SECRET_PATH")
		if path == "" {
			path = "secret/data/hindsight"
		}
		overlay, err = sm.GetKV2(path)
		if err != nil {
			return nil, fmt.Errorf("load secrets from vault: %w", err)
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := overlay[key]
		return v, ok
	}
	return FromLookup(lookup)
}

// FromLookup builds a Config from an arbitrary key lookup. Tests inject
// a map; Load injects env-over-vault.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && v != "" {
			return v
		}
		return def
	}
	getInt := func(key string, def int) (int, error) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return def, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return n, nil
	}
	getMS := func(key string, defMS int) (time.Duration, error) {
		n, err := getInt(key, defMS)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * time.Millisecond, nil
	}

	cfg := &Config{
		Warehouse: Warehouse{
			Account:  get("WAREHOUSE_ACCOUNT", ""),
			User:     get("WAREHOUSE_USER", ""),
			Password: get("WAREHOUSE_PASSWORD", ""),
			Name:     get("WAREHOUSE_WAREHOUSE", ""),
			Database: get("WAREHOUSE_DATABASE", "hindsight"),
			Schema:   get("WAREHOUSE_SCHEMA", "analytics"),
			Role:     get("WAREHOUSE_ROLE", ""),
		},
		VaultKey:     get("VAULT_ENCRYPTION_KEY", ""),
		VaultPath:    get("VAULT_CREDENTIALS_PATH", "credentials.enc"),
		ListenAddr:   get("LISTEN_ADDR", ":8080"),
		NATSURL:      get("NATS_URL", ""),
		QueryTagName: get("QUERY_TAG_PREFIX", "hsight"),
		OTLPEndpoint: get("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		DefaultCustomer: get("DEFAULT_CUSTOMER", "local"),
	}

	cfg.Warehouse.Accounts = splitCSV(get("WAREHOUSE_ACCOUNTS", ""))
	cfg.Warehouse.Passwords = splitCSV(get("WAREHOUSE_PASSWORDS", ""))
	var err error
	if cfg.Warehouse.Priorities, err = csvInts(get("WAREHOUSE_ACCOUNT_PRIORITIES", "")); err != nil {
		return nil, fmt.Errorf("WAREHOUSE_ACCOUNT_PRIORITIES: %w", err)
	}
	if cfg.Warehouse.MaxFails, err = csvInts(get("WAREHOUSE_MAX_FAILURES", "")); err != nil {
		return nil, fmt.Errorf("WAREHOUSE_MAX_FAILURES: %w", err)
	}
	cds, err := csvInts(get("WAREHOUSE_COOLDOWN_MS", ""))
	if err != nil {
		return nil, fmt.Errorf("WAREHOUSE_COOLDOWN_MS: %w", err)
	}
	for _, c := range cds {
		cfg.Warehouse.CooldownMS = append(cfg.Warehouse.CooldownMS, int64(c))
	}

	if cfg.L2.Host = get("L2_HOST", ""); cfg.L2.Host != "" {
		if cfg.L2.Port, err = getInt("L2_PORT", 6379); err != nil {
			return nil, err
		}
		if cfg.L2.DB, err = getInt("L2_DB", 0); err != nil {
			return nil, err
		}
		cfg.L2.Password = get("L2_PASSWORD", "")
		cfg.L2.Prefix = get("L2_PREFIX", "ctx")
	}

	if cfg.Cache.MaxSize, err = getInt("CACHE_MAX_SIZE", 10_000); err != nil {
		return nil, err
	}
	if cfg.Cache.TTL, err = getMS("CACHE_TTL_MS", 300_000); err != nil {
		return nil, err
	}

	cfg.Queue.Path = get("QUEUE_PATH", "queue")
	qs, err := getInt("QUEUE_MAX_SIZE", 16*1024*1024)
	if err != nil {
		return nil, err
	}
	cfg.Queue.MaxSize = int64(qs)
	if cfg.Queue.MaxAge, err = getMS("QUEUE_MAX_AGE_MS", 60_000); err != nil {
		return nil, err
	}
	if cfg.Queue.MaxEvents, err = getInt("QUEUE_MAX_EVENTS", 100_000); err != nil {
		return nil, err
	}

	if cfg.Perf.GetContextP95, err = getMS("PERF_GET_CONTEXT_P95_MS", 25); err != nil {
		return nil, err
	}
	if cfg.Perf.LogEvent, err = getMS("PERF_LOG_EVENT_MS", 10); err != nil {
		return nil, err
	}
	if cfg.Perf.SubmitQuery, err = getMS("PERF_SUBMIT_QUERY_MS", 50); err != nil {
		return nil, err
	}
	if cfg.Perf.DBQuery, err = getMS("PERF_DB_QUERY_MS", 1000); err != nil {
		return nil, err
	}
	if cfg.Perf.Connection, err = getMS("PERF_CONNECTION_MS", 5000); err != nil {
		return nil, err
	}

	if cfg.Upload.BatchSize, err = getInt("UPLOAD_BATCH_SIZE", 100); err != nil {
		return nil, err
	}
	if cfg.Upload.Interval, err = getMS("UPLOAD_INTERVAL_MS", 5000); err != nil {
		return nil, err
	}
	if cfg.Upload.RetryMax, err = getInt("RETRY_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.Upload.Backoff, err = getMS("RETRY_BACKOFF_MS", 1000); err != nil {
		return nil, err
	}
	if cfg.Upload.MaxBackoff, err = getMS("RETRY_MAX_BACKOFF_MS", 30_000); err != nil {
		return nil, err
	}
	cfg.Upload.StableAfter = 5 * time.Second

	return cfg, nil
}

// Identities expands the CSV bootstrap into vault credentials. The
// single-identity WAREHOUSE_USER/PASSWORD pair is used when the CSVs are
// absent. Missing per-identity columns fall back to defaults: priority =
// position+1, max_failures = 3, cooldown = 60s.
func (c *Config) Identities() ([]vault.Credential, error) {
	w := c.Warehouse
	if len(w.Accounts) == 0 {
		if w.User == "" {
			return nil, fmt.Errorf("no warehouse identity configured")
		}
		return []vault.Credential{{
			Username: w.User, Password: w.Password,
			Priority: 1, MaxFailures: 3, CooldownMS: 60_000,
			MaxConnections: 15, IsActive: true,
		}}, nil
	}
	if len(w.Passwords) != len(w.Accounts) {
		return nil, fmt.Errorf("WAREHOUSE_PASSWORDS has %d entries, want %d", len(w.Passwords), len(w.Accounts))
	}
	pick := func(xs []int, i, def int) int {
		if i < len(xs) {
			return xs[i]
		}
		return def
	}
	creds := make([]vault.Credential, 0, len(w.Accounts))
	for i, acct := range w.Accounts {
		prio := pick(w.Priorities, i, i+1)
		cd := int64(60_000)
		if i < len(w.CooldownMS) {
			cd = w.CooldownMS[i]
		}
		maxConns := 5
		if prio == 1 {
			maxConns = 15
		}
		creds = append(creds, vault.Credential{
			Username:       acct,
			Password:       w.Passwords[i],
			Priority:       prio,
			MaxFailures:    pick(w.MaxFails, i, 3),
			CooldownMS:     cd,
			MaxConnections: maxConns,
			IsActive:       true,
		})
	}
	return creds, nil
}

// DSN renders the pgx connection string for one identity.
func (c *Config) DSN(username, password string) string {
	host := c.Warehouse.Account
	if host == "" {
		host = "localhost:5432"
	}
	parts := []string{
		fmt.Sprintf("postgres://%s:%s@%s/%s", username, password, host, c.Warehouse.Database),
		"sslmode=prefer",
	}
	dsn := parts[0] + "?" + parts[1]
	if c.Warehouse.Schema != "" {
		dsn += "&search_path=" + c.Warehouse.Schema
	}
	return dsn
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func csvInts(s string) ([]int, error) {
	parts := splitCSV(s)
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", p)
		}
		out = append(out, n)
	}
	return out, nil
}
