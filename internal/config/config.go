// Package config resolves the supervisor configuration once at startup from
// defaults, an optional TOML file and the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/goatfundr/goatnode/internal/cron"
)

// Config is immutable after Load.
type Config struct {
	NodeEnv            string        `json:"node_env"`
	ChainID            uint64        `json:"chain_id"`
	NetworkName        string        `json:"network_name"`
	MaxPeers           int           `json:"max_peers"`
	CacheSize          int           `json:"cache_size"`
	LogLevel           string        `json:"log_level"`
	RateLimitRequests  int           `json:"rate_limit_requests"`
	RateLimitWindow    time.Duration `json:"rate_limit_window"`
	BackupEnabled      bool          `json:"backup_enabled"`
	BackupInterval     time.Duration `json:"backup_interval"`
	SSLEnabled         bool          `json:"ssl_enabled"`
	MetricsEnabled     bool          `json:"metrics_enabled"`
	HealthCheckEnabled bool          `json:"health_check_enabled"`
	AllowedOrigins     []string      `json:"allowed_origins"`

	// BackupSchedule, when set, is a cron expression used instead of BackupInterval.
	BackupSchedule string `json:"backup_schedule,omitempty"`

	Listen          string        `json:"listen"`
	WorkDir         string        `json:"work_dir"`
	LogDir          string        `json:"log_dir"`
	BackupDir       string        `json:"backup_dir"`
	BackupSources   []string      `json:"backup_sources"`
	BackupRetention int           `json:"backup_retention"`
	BackupArchiver  string        `json:"backup_archiver"`
	MetricsInterval time.Duration `json:"metrics_interval"`
	GracePeriod     time.Duration `json:"grace_period"`
	QuiesceTimeout  time.Duration `json:"quiesce_timeout"`
	HistoryDSN      string        `json:"history_dsn,omitempty"`

	Node    NodeConfig    `json:"node"`
	Restart RestartConfig `json:"restart"`
	Deploy  DeployConfig  `json:"deploy"`
	TLS     TLSConfig     `json:"tls"`
	Log     LogConfig     `json:"log"`
}

type NodeConfig struct {
	Command    string        `json:"command"`
	RPCURL     string        `json:"rpc_url"`
	RPCTimeout time.Duration `json:"rpc_timeout"`
}

type RestartConfig struct {
	InitialInterval time.Duration `json:"initial_interval"`
	Multiplier      float64       `json:"multiplier"`
	MaxInterval     time.Duration `json:"max_interval"`
	MaxRetries      int           `json:"max_retries"`
	StableAfter     time.Duration `json:"stable_after"`
}

type DeployConfig struct {
	Enabled       bool          `json:"enabled"`
	Script        string        `json:"script"`
	Network       string        `json:"network"`
	Delay         time.Duration `json:"delay"`
	ProbeInterval time.Duration `json:"probe_interval"`
	ProbeTimeout  time.Duration `json:"probe_timeout"`
}

type TLSConfig struct {
	Dir          string `json:"dir"`
	CertFile     string `json:"cert_file,omitempty"`
	KeyFile      string `json:"key_file,omitempty"`
	AutoGenerate bool   `json:"auto_generate"`
	MinVersion   string `json:"min_version,omitempty"`
}

type LogConfig struct {
	MaxSizeMB  int  `json:"max_size_mb"`
	MaxBackups int  `json:"max_backups"`
	MaxAgeDays int  `json:"max_age_days"`
	Compress   bool `json:"compress"`
	NoColor    bool `json:"no_color"`
}

const (
	DefaultChainID        = 999191917
	DefaultNetworkName    = "GoatChain"
	DefaultAllowedOrigins = "https://blockchain.goatfundr.com"
	EnvPrefix             = "GOATNODE"
)

// legacyEnv maps keys to the plain variable names the node image sets.
// GOATNODE_<KEY> is accepted for every key as well.
var legacyEnv = map[string]string{
	"node_env":            "NODE_ENV",
	"chain_id":            "CHAIN_ID",
	"network_name":        "NETWORK_NAME",
	"max_peers":           "MAX_PEERS",
	"cache_size":          "CACHE_SIZE",
	"log_level":           "LOG_LEVEL",
	"rate_limit_requests": "RATE_LIMIT_REQUESTS",
	"rate_limit_window":   "RATE_LIMIT_WINDOW",
	"backup_enabled":      "BACKUP_ENABLED",
	"backup_interval":     "BACKUP_INTERVAL",
	"ssl_enabled":         "SSL_ENABLED",
	"enable_metrics":      "ENABLE_METRICS",
	"enable_health_check": "ENABLE_HEALTH_CHECK",
	"allowed_origins":     "ALLOWED_ORIGINS",
	"history_dsn":         "HISTORY_DSN",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node_env", "production")
	v.SetDefault("chain_id", DefaultChainID)
	v.SetDefault("network_name", DefaultNetworkName)
	v.SetDefault("max_peers", 100)
	v.SetDefault("cache_size", 4096)
	v.SetDefault("log_level", "info")
	v.SetDefault("rate_limit_requests", 1000)
	v.SetDefault("rate_limit_window", 60)
	v.SetDefault("backup_enabled", "false")
	v.SetDefault("backup_interval", 3600)
	v.SetDefault("backup_schedule", "")
	v.SetDefault("ssl_enabled", "false")
	v.SetDefault("enable_metrics", "false")
	v.SetDefault("enable_health_check", "false")
	v.SetDefault("allowed_origins", DefaultAllowedOrigins)

	v.SetDefault("listen", ":8080")
	v.SetDefault("work_dir", ".")
	v.SetDefault("log_dir", "logs")
	v.SetDefault("backup_dir", "backups")
	v.SetDefault("backup_sources", []string{"data", "logs", "artifacts"})
	v.SetDefault("backup_retention", 10)
	v.SetDefault("backup_archiver", "tar")
	v.SetDefault("metrics_interval", "30s")
	v.SetDefault("grace_period", "10s")
	v.SetDefault("quiesce_timeout", "10s")
	v.SetDefault("history_dsn", "")

	v.SetDefault("node.command", "npx")
	v.SetDefault("node.rpc_url", "http://127.0.0.1:8545")
	v.SetDefault("node.rpc_timeout", "5s")

	v.SetDefault("restart.initial_interval", "5s")
	v.SetDefault("restart.multiplier", 2.0)
	v.SetDefault("restart.max_interval", "5m")
	v.SetDefault("restart.max_retries", 10)
	v.SetDefault("restart.stable_after", "1m")

	v.SetDefault("deploy.enabled", true)
	v.SetDefault("deploy.script", "scripts/deploy-production.js")
	v.SetDefault("deploy.network", "localhost")
	v.SetDefault("deploy.delay", "15s")
	v.SetDefault("deploy.probe_interval", "2s")
	v.SetDefault("deploy.probe_timeout", "2m")

	v.SetDefault("tls.dir", "tls")
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.auto_generate", true)
	v.SetDefault("tls.min_version", "")

	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.compress", false)
	v.SetDefault("log.no_color", false)
}

// newViper wires defaults and environment lookups. Legacy names take
// precedence over GOATNODE_ ones.
func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, name := range legacyEnv {
		_ = v.BindEnv(key, name, EnvPrefix+"_"+strings.ToUpper(key))
	}
	return v
}

// Load resolves the configuration. path names an optional TOML file.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg, err := fromViper(v)
	if err != nil {
		return nil, err
	}
	if path != "" && !filepath.IsAbs(cfg.WorkDir) {
		cfg.WorkDir = filepath.Join(filepath.Dir(path), cfg.WorkDir)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) (*Config, error) {
	chainID, err := strconv.ParseUint(strings.TrimSpace(v.GetString("chain_id")), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("CHAIN_ID: %w", err)
	}
	maxPeers, err := strconv.Atoi(strings.TrimSpace(v.GetString("max_peers")))
	if err != nil {
		return nil, fmt.Errorf("MAX_PEERS: %w", err)
	}
	cacheSize, err := strconv.Atoi(strings.TrimSpace(v.GetString("cache_size")))
	if err != nil {
		return nil, fmt.Errorf("CACHE_SIZE: %w", err)
	}

	cfg := &Config{
		NodeEnv:            v.GetString("node_env"),
		ChainID:            chainID,
		NetworkName:        v.GetString("network_name"),
		MaxPeers:           maxPeers,
		CacheSize:          cacheSize,
		LogLevel:           v.GetString("log_level"),
		RateLimitRequests:  intOr(v.GetString("rate_limit_requests"), 1000),
		RateLimitWindow:    seconds(intOr(v.GetString("rate_limit_window"), 60)),
		BackupEnabled:      strictBool(v.GetString("backup_enabled")),
		BackupInterval:     seconds(intOr(v.GetString("backup_interval"), 3600)),
		BackupSchedule:     strings.TrimSpace(v.GetString("backup_schedule")),
		SSLEnabled:         strictBool(v.GetString("ssl_enabled")),
		MetricsEnabled:     strictBool(v.GetString("enable_metrics")),
		HealthCheckEnabled: strictBool(v.GetString("enable_health_check")),
		AllowedOrigins:     splitList(v.GetString("allowed_origins")),

		Listen:          v.GetString("listen"),
		WorkDir:         v.GetString("work_dir"),
		LogDir:          v.GetString("log_dir"),
		BackupDir:       v.GetString("backup_dir"),
		BackupSources:   v.GetStringSlice("backup_sources"),
		BackupRetention: v.GetInt("backup_retention"),
		BackupArchiver:  strings.ToLower(v.GetString("backup_archiver")),
		MetricsInterval: v.GetDuration("metrics_interval"),
		GracePeriod:     v.GetDuration("grace_period"),
		QuiesceTimeout:  v.GetDuration("quiesce_timeout"),
		HistoryDSN:      strings.TrimSpace(v.GetString("history_dsn")),

		Node: NodeConfig{
			Command:    v.GetString("node.command"),
			RPCURL:     v.GetString("node.rpc_url"),
			RPCTimeout: v.GetDuration("node.rpc_timeout"),
		},
		Restart: RestartConfig{
			InitialInterval: v.GetDuration("restart.initial_interval"),
			Multiplier:      v.GetFloat64("restart.multiplier"),
			MaxInterval:     v.GetDuration("restart.max_interval"),
			MaxRetries:      v.GetInt("restart.max_retries"),
			StableAfter:     v.GetDuration("restart.stable_after"),
		},
		Deploy: DeployConfig{
			Enabled:       v.GetBool("deploy.enabled"),
			Script:        v.GetString("deploy.script"),
			Network:       v.GetString("deploy.network"),
			Delay:         v.GetDuration("deploy.delay"),
			ProbeInterval: v.GetDuration("deploy.probe_interval"),
			ProbeTimeout:  v.GetDuration("deploy.probe_timeout"),
		},
		TLS: TLSConfig{
			Dir:          v.GetString("tls.dir"),
			CertFile:     v.GetString("tls.cert_file"),
			KeyFile:      v.GetString("tls.key_file"),
			AutoGenerate: v.GetBool("tls.auto_generate"),
			MinVersion:   v.GetString("tls.min_version"),
		},
		Log: LogConfig{
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
			Compress:   v.GetBool("log.compress"),
			NoColor:    v.GetBool("log.no_color"),
		},
	}
	return cfg, nil
}

// Validate rejects values the supervisor cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ChainID == 0 {
		errs = append(errs, errors.New("chain_id must be > 0"))
	}
	if c.CacheSize <= 0 {
		errs = append(errs, errors.New("cache_size must be > 0"))
	}
	if c.MaxPeers < 0 {
		errs = append(errs, errors.New("max_peers must be >= 0"))
	}
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address required"))
	}
	if c.BackupRetention <= 0 {
		errs = append(errs, errors.New("backup_retention must be > 0"))
	}
	if c.BackupArchiver != "tar" && c.BackupArchiver != "native" {
		errs = append(errs, fmt.Errorf("backup_archiver %q: want tar or native", c.BackupArchiver))
	}
	if c.BackupSchedule != "" {
		if _, err := cron.ParseSchedule(c.BackupSchedule); err != nil {
			errs = append(errs, fmt.Errorf("backup_schedule: %w", err))
		}
	}
	if c.MetricsInterval <= 0 {
		errs = append(errs, errors.New("metrics_interval must be > 0"))
	}
	if c.GracePeriod < 0 || c.QuiesceTimeout < 0 {
		errs = append(errs, errors.New("grace_period and quiesce_timeout must be >= 0"))
	}
	if c.Restart.InitialInterval <= 0 || c.Restart.MaxInterval < c.Restart.InitialInterval {
		errs = append(errs, errors.New("restart intervals: need 0 < initial_interval <= max_interval"))
	}
	if c.Restart.Multiplier < 1 {
		errs = append(errs, errors.New("restart.multiplier must be >= 1"))
	}
	if c.Restart.MaxRetries < 0 {
		errs = append(errs, errors.New("restart.max_retries must be >= 0"))
	}
	if c.Deploy.ProbeInterval <= 0 || c.Deploy.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("deploy probe interval and timeout must be > 0"))
	}
	if c.Deploy.Delay < 0 {
		errs = append(errs, errors.New("deploy.delay must be >= 0"))
	}
	return errors.Join(errs...)
}

// NodeArgs is the fixed argument list of the node command.
func (c *Config) NodeArgs() []string {
	return []string{
		"hardhat", "node",
		"--hostname", "0.0.0.0",
		"--port", "8545",
		"--max-memory", strconv.Itoa(c.CacheSize),
		"--network-id", strconv.FormatUint(c.ChainID, 10),
		"--accounts", "20",
		"--deterministic",
		"--fork-block-number", "0",
		"--gas-limit", "30000000",
		"--gas-price", "20000000000",
		"--base-fee", "7",
	}
}

// DeployArgs runs the deployment script against the local node.
func (c *Config) DeployArgs() []string {
	return []string{"hardhat", "run", c.Deploy.Script, "--network", c.Deploy.Network}
}

// Path resolves p against WorkDir unless absolute.
func (c *Config) Path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.WorkDir, p)
}

// Redacted returns a copy safe to log or print: credentials in HistoryDSN
// are masked.
func (c *Config) Redacted() *Config {
	cp := *c
	cp.HistoryDSN = RedactDSN(c.HistoryDSN)
	return &cp
}

// RedactDSN masks the password of a URL-style DSN, whether it sits in the
// userinfo or in a password query parameter. Plain paths pass through.
func RedactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		return dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "[redacted]"
	}
	if q := u.Query(); q.Has("password") {
		q.Set("password", "xxxxx")
		u.RawQuery = q.Encode()
	}
	return u.Redacted()
}

// strictBool is true only for the exact string "true".
func strictBool(s string) bool { return strings.TrimSpace(s) == "true" }

// intOr parses a positive integer prefix, falling back to def for anything else.
func intOr(s string, def int) int {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && (s[end] >= '0' && s[end] <= '9' || end == 0 && (s[end] == '-' || s[end] == '+')) {
		end++
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
