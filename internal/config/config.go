package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type GlobalFlags struct {
	ConfigPath     string
	JSON           bool
	Plain          bool
	Select         string
	ResultsOnly    bool
	EnableCommands string
	Strict         bool
	Timeout        string
	Retries        int
	MaxStale       string
	NoStale        bool
	NoCache        bool
	Verbose        bool
}

// WalletEntry declares one wallet the aggregator should read on a chain.
type WalletEntry struct {
	Address string `yaml:"address"`
	Kind    string `yaml:"kind"`
	Owner   string `yaml:"owner"`
}

// ServiceEntry declares one on-chain service whose bond/deposit and staking
// position should be read.
type ServiceEntry struct {
	ChainID        int64  `yaml:"chain_id"`
	ServiceID      int64  `yaml:"service_id"`
	Operator       string `yaml:"operator"`
	StakingProgram string `yaml:"staking_program"`
	StakingAddress string `yaml:"staking_address"`
}

// FundingTarget is the expected balance of one (wallet owner, token) pair on
// a chain; shortfalls against it produce refill requirements.
type FundingTarget struct {
	ChainID  int64  `yaml:"chain_id"`
	Owner    string `yaml:"owner"`
	Symbol   string `yaml:"symbol"`
	Expected string `yaml:"expected"`
}

type Settings struct {
	OutputMode     string
	SelectFields   []string
	ResultsOnly    bool
	EnableCommands []string
	Strict         bool
	Timeout        time.Duration
	Retries        int
	MaxStale       time.Duration
	NoStale        bool
	CacheEnabled   bool
	CachePath      string
	CacheLockPath  string
	FlowStorePath  string
	FlowLockPath   string
	Verbose        bool

	MiddlewareURL string
	PollInterval  time.Duration
	QuoteTTL      time.Duration
	RPCOverrides  map[int64]string

	HomeChainID    int64
	Wallets        map[int64][]WalletEntry
	Services       []ServiceEntry
	FundingTargets []FundingTarget
}

type fileConfig struct {
	Output  string `yaml:"output"`
	Strict  *bool  `yaml:"strict"`
	Timeout string `yaml:"timeout"`
	Retries *int   `yaml:"retries"`
	Verbose *bool  `yaml:"verbose"`
	Cache   struct {
		Enabled  *bool  `yaml:"enabled"`
		MaxStale string `yaml:"max_stale"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"cache"`
	Flows struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"flows"`
	Middleware struct {
		URL string `yaml:"url"`
	} `yaml:"middleware"`
	Polling struct {
		Interval string `yaml:"interval"`
		QuoteTTL string `yaml:"quote_ttl"`
	} `yaml:"polling"`
	RPC            map[int64]string        `yaml:"rpc"`
	HomeChainID    int64                   `yaml:"home_chain_id"`
	Wallets        map[int64][]WalletEntry `yaml:"wallets"`
	Services       []ServiceEntry          `yaml:"services"`
	FundingTargets []FundingTarget         `yaml:"funding_targets"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.MaxStale < 0 {
		settings.MaxStale = 5 * time.Minute
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = 15 * time.Second
	}
	if settings.QuoteTTL <= 0 {
		settings.QuoteTTL = time.Minute
	}

	return settings, nil
}

func defaultSettings() (Settings, error) {
	cachePath, lockPath, err := defaultCachePaths()
	if err != nil {
		return Settings{}, err
	}
	cacheDir := filepath.Dir(cachePath)
	return Settings{
		OutputMode:    "json",
		Timeout:       10 * time.Second,
		Retries:       2,
		MaxStale:      5 * time.Minute,
		CacheEnabled:  true,
		CachePath:     cachePath,
		CacheLockPath: lockPath,
		FlowStorePath: filepath.Join(cacheDir, "flows.db"),
		FlowLockPath:  filepath.Join(cacheDir, "flows.lock"),
		MiddlewareURL: "http://127.0.0.1:8716",
		PollInterval:  15 * time.Second,
		QuoteTTL:      time.Minute,
		HomeChainID:   100,
		RPCOverrides:  map[int64]string{},
		Wallets:       map[int64][]WalletEntry{},
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "agentfund", "config.yaml"), nil
}

func defaultCachePaths() (string, string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(base, "agentfund")
	return filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if cfg.Strict != nil {
		settings.Strict = *cfg.Strict
	}
	if cfg.Verbose != nil {
		settings.Verbose = *cfg.Verbose
	}
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("config timeout: %w", err)
		}
		settings.Timeout = d
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if cfg.Cache.MaxStale != "" {
		d, err := time.ParseDuration(cfg.Cache.MaxStale)
		if err != nil {
			return fmt.Errorf("config cache.max_stale: %w", err)
		}
		settings.MaxStale = d
	}
	if cfg.Cache.Path != "" {
		settings.CachePath = cfg.Cache.Path
	}
	if cfg.Cache.LockPath != "" {
		settings.CacheLockPath = cfg.Cache.LockPath
	}
	if cfg.Flows.Path != "" {
		settings.FlowStorePath = cfg.Flows.Path
	}
	if cfg.Flows.LockPath != "" {
		settings.FlowLockPath = cfg.Flows.LockPath
	}
	if cfg.Middleware.URL != "" {
		settings.MiddlewareURL = strings.TrimRight(cfg.Middleware.URL, "/")
	}
	if cfg.Polling.Interval != "" {
		d, err := time.ParseDuration(cfg.Polling.Interval)
		if err != nil {
			return fmt.Errorf("config polling.interval: %w", err)
		}
		settings.PollInterval = d
	}
	if cfg.Polling.QuoteTTL != "" {
		d, err := time.ParseDuration(cfg.Polling.QuoteTTL)
		if err != nil {
			return fmt.Errorf("config polling.quote_ttl: %w", err)
		}
		settings.QuoteTTL = d
	}
	for chainID, url := range cfg.RPC {
		settings.RPCOverrides[chainID] = url
	}
	if cfg.HomeChainID != 0 {
		settings.HomeChainID = cfg.HomeChainID
	}
	for chainID, entries := range cfg.Wallets {
		settings.Wallets[chainID] = append(settings.Wallets[chainID], entries...)
	}
	settings.Services = append(settings.Services, cfg.Services...)
	settings.FundingTargets = append(settings.FundingTargets, cfg.FundingTargets...)

	return nil
}

func applyEnv(settings *Settings) {
	if v := os.Getenv("AGENTFUND_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("AGENTFUND_STRICT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.Strict = b
		}
	}
	if v := os.Getenv("AGENTFUND_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("AGENTFUND_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("AGENTFUND_MAX_STALE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.MaxStale = d
		}
	}
	if v := os.Getenv("AGENTFUND_NO_STALE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.NoStale = b
		}
	}
	if v := os.Getenv("AGENTFUND_NO_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = !b
		}
	}
	if v := os.Getenv("AGENTFUND_CACHE_PATH"); v != "" {
		settings.CachePath = v
	}
	if v := os.Getenv("AGENTFUND_CACHE_LOCK_PATH"); v != "" {
		settings.CacheLockPath = v
	}
	if v := os.Getenv("AGENTFUND_FLOWS_PATH"); v != "" {
		settings.FlowStorePath = v
	}
	if v := os.Getenv("AGENTFUND_FLOWS_LOCK_PATH"); v != "" {
		settings.FlowLockPath = v
	}
	if v := os.Getenv("AGENTFUND_MIDDLEWARE_URL"); v != "" {
		settings.MiddlewareURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("AGENTFUND_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.PollInterval = d
		}
	}
	if v := os.Getenv("AGENTFUND_QUOTE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.QuoteTTL = d
		}
	}
	if v := os.Getenv("AGENTFUND_VERBOSE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.Verbose = b
		}
	}
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		parts := strings.Split(flags.Select, ",")
		fields := make([]string, 0, len(parts))
		for _, part := range parts {
			f := strings.TrimSpace(part)
			if f != "" {
				fields = append(fields, f)
			}
		}
		settings.SelectFields = fields
	}
	settings.ResultsOnly = flags.ResultsOnly

	if strings.TrimSpace(flags.EnableCommands) != "" {
		parts := strings.Split(flags.EnableCommands, ",")
		allowed := make([]string, 0, len(parts))
		for _, part := range parts {
			v := strings.TrimSpace(part)
			if v != "" {
				allowed = append(allowed, v)
			}
		}
		settings.EnableCommands = allowed
	}

	if flags.Strict {
		settings.Strict = true
	}
	if flags.Verbose {
		settings.Verbose = true
	}
	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.MaxStale != "" {
		d, err := time.ParseDuration(flags.MaxStale)
		if err != nil {
			return fmt.Errorf("parse --max-stale: %w", err)
		}
		settings.MaxStale = d
	}
	if flags.NoStale {
		settings.NoStale = true
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}

	return nil
}
