// Package config enables config file parsing.
package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"

	"github.com/restakefi/keyguard/common"
	"github.com/restakefi/keyguard/log"
)

const (
	defaultRemovalSchedule   = "@every 1m"
	defaultRetrievalSchedule = "@every 1h"
	defaultLogsBatchSize     = 2000
	defaultRequestTimeout    = 30 * time.Second
	defaultAlertAfter        = 3
)

// Config contains the CLI configuration.
type Config struct {
	Daemon  *DaemonConfig  `koanf:"daemon"`
	Log     *LogConfig     `koanf:"log"`
	Metrics *MetricsConfig `koanf:"metrics"`
}

// Validate performs config validation.
func (cfg *Config) Validate() error {
	if cfg.Daemon != nil {
		if err := cfg.Daemon.Validate(); err != nil {
			return fmt.Errorf("daemon: %w", err)
		}
	}
	if cfg.Log != nil {
		if err := cfg.Log.Validate(); err != nil {
			return fmt.Errorf("log: %w", err)
		}
	}
	if cfg.Metrics != nil {
		if err := cfg.Metrics.Validate(); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	return nil
}

// DaemonConfig is the configuration for the key management daemon.
type DaemonConfig struct {
	// Chains describe how to reach every chain the daemon may work on.
	Chains []*ChainConfig `koanf:"chains"`

	// Tasks enables task kinds on a subset of the chains.
	Tasks []*TaskConfig `koanf:"tasks"`

	Storage *StorageConfig `koanf:"storage"`
	Alerts  *AlertConfig   `koanf:"alerts"`
	Signer  *SignerConfig  `koanf:"signer"`

	// Resolved by Validate.
	chainsByID  map[common.ChainID]*ChainConfig
	tasksByKind map[common.TaskKind]*TaskConfig
}

// Validate validates the daemon configuration and resolves the task lookup.
func (cfg *DaemonConfig) Validate() error {
	if len(cfg.Chains) == 0 {
		return fmt.Errorf("no chains configured")
	}
	cfg.chainsByID = make(map[common.ChainID]*ChainConfig, len(cfg.Chains))
	for i, chain := range cfg.Chains {
		if err := chain.Validate(); err != nil {
			return fmt.Errorf("chains[%d]: %w", i, err)
		}
		id := common.ChainID(chain.ChainID)
		if _, ok := cfg.chainsByID[id]; ok {
			return fmt.Errorf("chains[%d]: duplicate chain_id %d", i, chain.ChainID)
		}
		cfg.chainsByID[id] = chain
	}

	cfg.tasksByKind = make(map[common.TaskKind]*TaskConfig, len(cfg.Tasks))
	for i, task := range cfg.Tasks {
		kind := common.TaskKind(task.Task)
		if err := kind.Validate(); err != nil {
			return fmt.Errorf("tasks[%d]: %w", i, err)
		}
		if _, ok := cfg.tasksByKind[kind]; ok {
			return fmt.Errorf("tasks[%d]: task %s configured twice", i, task.Task)
		}
		if task.Schedule == "" {
			return fmt.Errorf("tasks[%d]: empty schedule", i)
		}
		for _, id := range task.ChainIDs {
			if _, ok := cfg.chainsByID[common.ChainID(id)]; !ok {
				return fmt.Errorf("tasks[%d]: chain_id %d is not configured under chains", i, id)
			}
		}
		cfg.tasksByKind[kind] = task
	}

	if cfg.TaskEnabledAnywhere(common.TaskKeyRemoval) {
		if cfg.Signer == nil {
			return fmt.Errorf("task %s requires a signer", common.TaskKeyRemoval)
		}
		if err := cfg.Signer.Validate(); err != nil {
			return fmt.Errorf("signer: %w", err)
		}
	}
	if cfg.Alerts != nil {
		if err := cfg.Alerts.Validate(); err != nil {
			return fmt.Errorf("alerts: %w", err)
		}
	}
	if cfg.Storage == nil {
		return fmt.Errorf("no storage config provided")
	}
	return cfg.Storage.Validate()
}

// Chain returns the configuration of a chain.
func (cfg *DaemonConfig) Chain(id common.ChainID) (*ChainConfig, bool) {
	chain, ok := cfg.chainsByID[id]
	return chain, ok
}

// TaskEnabled reports whether the task runs on the chain.
func (cfg *DaemonConfig) TaskEnabled(task common.TaskKind, id common.ChainID) bool {
	t, ok := cfg.tasksByKind[task]
	if !ok {
		return false
	}
	for _, c := range t.ChainIDs {
		if common.ChainID(c) == id {
			return true
		}
	}
	return false
}

// TaskEnabledAnywhere reports whether the task runs on at least one chain.
func (cfg *DaemonConfig) TaskEnabledAnywhere(task common.TaskKind) bool {
	t, ok := cfg.tasksByKind[task]
	return ok && len(t.ChainIDs) > 0
}

// ChainsFor returns the chains the task runs on, in configuration order.
func (cfg *DaemonConfig) ChainsFor(task common.TaskKind) []*ChainConfig {
	var chains []*ChainConfig
	for _, chain := range cfg.Chains {
		if cfg.TaskEnabled(task, common.ChainID(chain.ChainID)) {
			chains = append(chains, chain)
		}
	}
	return chains
}

// Schedule returns the cron schedule of the task.
func (cfg *DaemonConfig) Schedule(task common.TaskKind) string {
	if t, ok := cfg.tasksByKind[task]; ok {
		return t.Schedule
	}
	return ""
}

// AlertAfterFailures is the number of consecutive failed ticks for one
// restaking token after which an error alert is raised.
func (cfg *DaemonConfig) AlertAfterFailures() int {
	if cfg.Alerts == nil || cfg.Alerts.AlertAfterFailures == 0 {
		return defaultAlertAfter
	}
	return cfg.Alerts.AlertAfterFailures
}

func (cfg *DaemonConfig) applyDefaults() {
	for _, chain := range cfg.Chains {
		if chain.LogsBatchSize == 0 {
			chain.LogsBatchSize = defaultLogsBatchSize
		}
		if chain.RequestTimeout == 0 {
			chain.RequestTimeout = defaultRequestTimeout
		}
	}
	for _, task := range cfg.Tasks {
		if task.Schedule != "" {
			continue
		}
		switch common.TaskKind(task.Task) {
		case common.TaskKeyRemoval:
			task.Schedule = defaultRemovalSchedule
		case common.TaskKeyRetrieval:
			task.Schedule = defaultRetrievalSchedule
		}
	}
}

// ChainConfig is information about one chain and the services indexing it.
type ChainConfig struct {
	ChainID uint64 `koanf:"chain_id"`

	// RPC is the execution-layer JSON-RPC endpoint.
	RPC string `koanf:"rpc"`

	// SubgraphURL is the GraphQL endpoint of the protocol's indexed events.
	SubgraphURL string `koanf:"subgraph_url"`

	// BeaconAPIURL serves /api/v1/validator/{pubkeys}/deposits.
	BeaconAPIURL string `koanf:"beacon_api_url"`
	BeaconAPIKey string `koanf:"beacon_api_key"`

	// GenesisForkVersion is the 4-byte hex fork version used for the
	// deposit signing domain, e.g. 0x00000000 on mainnet.
	GenesisForkVersion string `koanf:"genesis_fork_version"`

	// DepositContract emits DepositEvent.
	DepositContract string `koanf:"deposit_contract"`

	// Confirmations is how far behind head event scans stop.
	Confirmations uint64 `koanf:"confirmations"`

	// StartBlock is where event scans of a fresh checkpoint begin, usually
	// the registry deployment block.
	StartBlock uint64 `koanf:"start_block"`

	// LogsBatchSize bounds the block range of a single eth_getLogs call.
	LogsBatchSize uint64 `koanf:"logs_batch_size"`

	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// Validate validates the chain configuration.
func (cfg *ChainConfig) Validate() error {
	if cfg.ChainID == 0 {
		return fmt.Errorf("missing chain_id")
	}
	if cfg.RPC == "" {
		return fmt.Errorf("chain %d: missing rpc", cfg.ChainID)
	}
	for name, u := range map[string]string{
		"subgraph_url":   cfg.SubgraphURL,
		"beacon_api_url": cfg.BeaconAPIURL,
	} {
		if u == "" {
			return fmt.Errorf("chain %d: missing %s", cfg.ChainID, name)
		}
		if _, err := url.ParseRequestURI(u); err != nil {
			return fmt.Errorf("chain %d: malformed %s: %w", cfg.ChainID, name, err)
		}
	}
	if _, err := cfg.ForkVersion(); err != nil {
		return fmt.Errorf("chain %d: %w", cfg.ChainID, err)
	}
	if !isHexAddress(cfg.DepositContract) {
		return fmt.Errorf("chain %d: malformed deposit_contract '%s'", cfg.ChainID, cfg.DepositContract)
	}
	return nil
}

// ForkVersion decodes GenesisForkVersion.
func (cfg *ChainConfig) ForkVersion() ([]byte, error) {
	v, err := hex.DecodeString(strings.TrimPrefix(cfg.GenesisForkVersion, "0x"))
	if err != nil {
		return nil, fmt.Errorf("malformed genesis_fork_version: %w", err)
	}
	if len(v) != 4 {
		return nil, fmt.Errorf("genesis_fork_version must be 4 bytes, got %d", len(v))
	}
	return v, nil
}

func isHexAddress(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 40 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// TaskConfig enables one task kind on a set of chains.
type TaskConfig struct {
	Task     string   `koanf:"task"`
	ChainIDs []uint64 `koanf:"chain_ids"`
	// Schedule is a robfig/cron spec, e.g. "@every 1m".
	Schedule string `koanf:"schedule"`
}

// AlertConfig configures the alert sinks.
type AlertConfig struct {
	// DiscordWebhookURL is optional; alerts are always logged.
	DiscordWebhookURL string `koanf:"discord_webhook_url"`

	AlertAfterFailures int `koanf:"alert_after_failures"`
}

// Validate validates the alert configuration.
func (cfg *AlertConfig) Validate() error {
	if cfg.DiscordWebhookURL != "" {
		if _, err := url.ParseRequestURI(cfg.DiscordWebhookURL); err != nil {
			return fmt.Errorf("malformed discord_webhook_url: %w", err)
		}
	}
	if cfg.AlertAfterFailures < 0 {
		return fmt.Errorf("alert_after_failures must not be negative")
	}
	return nil
}

// SignerConfig holds the account that submits removal transactions.
// Set the key through DAEMON__SIGNER__PRIVATE_KEY rather than the file.
type SignerConfig struct {
	PrivateKey string `koanf:"private_key"`

	// GasLimit overrides gas estimation when non-zero.
	GasLimit uint64 `koanf:"gas_limit"`
}

// Validate validates the signer configuration.
func (cfg *SignerConfig) Validate() error {
	k, err := hex.DecodeString(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil || len(k) != 32 {
		return fmt.Errorf("private_key must be 32 hex-encoded bytes")
	}
	return nil
}

// StorageBackend is a storage backend.
type StorageBackend uint

const (
	// BackendPostgres is the PostgreSQL storage backend.
	BackendPostgres StorageBackend = iota
	// BackendInMemory is the in-memory storage backend. State is lost on
	// restart; intended for local runs and tests.
	BackendInMemory
)

// String returns the string representation of a StorageBackend.
func (sb *StorageBackend) String() string {
	switch *sb {
	case BackendPostgres:
		return "postgres"
	case BackendInMemory:
		return "inmemory"
	default:
		panic("config: unsupported storage backend")
	}
}

// Set sets the StorageBackend to the value specified by the provided string.
func (sb *StorageBackend) Set(s string) error {
	switch strings.ToLower(s) {
	case "postgres":
		*sb = BackendPostgres
	case "inmemory":
		*sb = BackendInMemory
	default:
		return fmt.Errorf("config: invalid storage backend: '%s'", s)
	}

	return nil
}

// Type returns the list of supported StorageBackends.
func (sb *StorageBackend) Type() string {
	return "[postgres,inmemory]"
}

// StorageConfig contains the storage layer configuration.
type StorageConfig struct {
	// Endpoint is the storage endpoint from which to read/write indexed data.
	Endpoint string `koanf:"endpoint"`

	// Backend is the storage backend to select.
	Backend string `koanf:"backend"`

	// Migrations is a golang-migrate source URL, e.g. file://storage/migrations.
	// The migrations compiled into the binary are used when empty.
	Migrations string `koanf:"migrations"`

	// If true, we'll first delete all tables in the DB to
	// force a full re-sync of keys.
	WipeStorage bool `koanf:"DANGER__WIPE_STORAGE_ON_STARTUP"`
}

// Validate validates the storage configuration.
func (cfg *StorageConfig) Validate() error {
	var sb StorageBackend
	if err := sb.Set(cfg.Backend); err != nil {
		return err
	}
	if sb == BackendInMemory {
		return nil
	}
	if cfg.Endpoint == "" {
		return fmt.Errorf("malformed storage endpoint '%s'", cfg.Endpoint)
	}
	if cfg.Migrations != "" && !strings.Contains(cfg.Migrations, "://") {
		return fmt.Errorf("invalid migrations source '%s'", cfg.Migrations)
	}
	return nil
}

// LogConfig contains the logging configuration.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
	File   string `koanf:"file"`
}

// Validate validates the logging configuration.
func (cfg *LogConfig) Validate() error {
	var format log.Format
	if err := format.Set(cfg.Format); err != nil {
		return err
	}
	var level log.Level
	return level.Set(cfg.Level)
}

// MetricsConfig contains the metrics configuration.
type MetricsConfig struct {
	PullEndpoint string `koanf:"pull_endpoint"`

	// PprofEndpoint serves /debug/pprof when set.
	PprofEndpoint string `koanf:"pprof_endpoint"`
}

// Validate validates the metrics configuration.
func (cfg *MetricsConfig) Validate() error {
	if cfg.PullEndpoint == "" {
		return fmt.Errorf("malformed Prometheus pull endpoint '%s'", cfg.PullEndpoint)
	}
	return nil
}

// InitConfig initializes configuration from file.
func InitConfig(f string) (*Config, error) {
	return initConfig(file.Provider(f))
}

func initConfig(p koanf.Provider) (*Config, error) {
	var config Config
	k := koanf.New(".")

	// Load configuration from the yaml config.
	if err := k.Load(p, yaml.Parser()); err != nil {
		return nil, err
	}

	// Load environment variables and merge into the loaded config.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		// `__` is used as a hierarchy delimiter.
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	// Unmarshal into config.
	if err := k.Unmarshal("", &config); err != nil {
		return nil, err
	}
	if config.Daemon != nil {
		config.Daemon.applyDefaults()
	}

	// Validate config.
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}
