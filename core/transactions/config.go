package transactions

import (
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-transactions/core/kv"
)

const (
	// DefaultTimeout is the overall expiration deadline of a
	// transaction unless overridden.
	DefaultTimeout = 15 * time.Second

	// DefaultNumATRs is the number of ATR shard documents transaction
	// ids hash onto.
	DefaultNumATRs = 1024

	// DefaultCleanupWindow is the interval between lost-transaction
	// sweeps.
	DefaultCleanupWindow = 60 * time.Second

	// defaultMaxAttempts bounds the retry loop on top of the expiration
	// deadline, in case a defect keeps attempts from expiring.
	defaultMaxAttempts = 100
)

// defaultMetadataKeyspace is where ATR documents live unless the
// configuration points elsewhere.
var defaultMetadataKeyspace = kv.Location{
	Bucket:     "default",
	Scope:      "_default",
	Collection: "_default",
}

// Config is the immutable, process-wide configuration of a Transactions
// coordinator. Build one with NewConfig.
type Config struct {
	durability         kv.DurabilityLevel
	timeout            time.Duration
	metadataCollection kv.Location
	numATRs            int
	cleanupWindow      time.Duration
	cleanupEnabled     bool
	maxAttempts        int
	hooks              *TestHooks
	cleanupHooks       *CleanupHooks
	logger             *zap.Logger
	meter              metric.Meter
}

// ConfigBuilder accumulates settings and produces an immutable Config.
type ConfigBuilder struct {
	cfg Config
}

// NewConfig starts a builder with the defaults.
func NewConfig() *ConfigBuilder {
	return &ConfigBuilder{cfg: Config{
		durability:         kv.DurabilityMajority,
		timeout:            DefaultTimeout,
		metadataCollection: defaultMetadataKeyspace,
		numATRs:            DefaultNumATRs,
		cleanupWindow:      DefaultCleanupWindow,
		cleanupEnabled:     true,
		maxAttempts:        defaultMaxAttempts,
	}}
}

// DurabilityLevel sets the durability applied to every transactional
// write (staging, ATR and unstaging alike).
func (b *ConfigBuilder) DurabilityLevel(d kv.DurabilityLevel) *ConfigBuilder {
	b.cfg.durability = d
	return b
}

// Timeout sets the overall expiration deadline per transaction.
func (b *ConfigBuilder) Timeout(d time.Duration) *ConfigBuilder {
	b.cfg.timeout = d
	return b
}

// MetadataCollection places ATR documents in a custom keyspace. Only the
// Bucket/Scope/Collection fields are used.
func (b *ConfigBuilder) MetadataCollection(loc kv.Location) *ConfigBuilder {
	loc.Key = ""
	b.cfg.metadataCollection = loc
	return b
}

// NumATRs overrides the number of ATR shard documents.
func (b *ConfigBuilder) NumATRs(n int) *ConfigBuilder {
	if n > 0 {
		b.cfg.numATRs = n
	}
	return b
}

// CleanupWindow sets the interval between lost-transaction sweeps.
func (b *ConfigBuilder) CleanupWindow(d time.Duration) *ConfigBuilder {
	if d > 0 {
		b.cfg.cleanupWindow = d
	}
	return b
}

// CleanupLostAttempts toggles the background cleanup subsystem.
func (b *ConfigBuilder) CleanupLostAttempts(enabled bool) *ConfigBuilder {
	b.cfg.cleanupEnabled = enabled
	return b
}

// TestFactories injects attempt and cleanup hooks. Test use only.
func (b *ConfigBuilder) TestFactories(hooks *TestHooks, cleanupHooks *CleanupHooks) *ConfigBuilder {
	b.cfg.hooks = hooks
	b.cfg.cleanupHooks = cleanupHooks
	return b
}

// Logger sets the zap logger the engine logs state transitions through.
func (b *ConfigBuilder) Logger(l *zap.Logger) *ConfigBuilder {
	b.cfg.logger = l
	return b
}

// Meter sets the OpenTelemetry meter the engine publishes counters on.
func (b *ConfigBuilder) Meter(m metric.Meter) *ConfigBuilder {
	b.cfg.meter = m
	return b
}

// Build finalizes the configuration.
func (b *ConfigBuilder) Build() *Config {
	cfg := b.cfg
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.meter == nil {
		cfg.meter = noop.NewMeterProvider().Meter("")
	}
	return &cfg
}

// PerTransactionConfig overrides selected settings for a single run.
type PerTransactionConfig struct {
	timeout            time.Duration
	durability         *kv.DurabilityLevel
	metadataCollection *kv.Location
	hooks              *TestHooks
}

// NewPerTransactionConfig starts an empty per-run override.
func NewPerTransactionConfig() *PerTransactionConfig {
	return &PerTransactionConfig{}
}

// Timeout overrides the expiration deadline for this run.
func (p *PerTransactionConfig) Timeout(d time.Duration) *PerTransactionConfig {
	p.timeout = d
	return p
}

// DurabilityLevel overrides the durability for this run.
func (p *PerTransactionConfig) DurabilityLevel(d kv.DurabilityLevel) *PerTransactionConfig {
	p.durability = &d
	return p
}

// MetadataCollection overrides the ATR keyspace for this run.
func (p *PerTransactionConfig) MetadataCollection(loc kv.Location) *PerTransactionConfig {
	loc.Key = ""
	p.metadataCollection = &loc
	return p
}

// TestFactories injects attempt hooks for this run. Test use only.
func (p *PerTransactionConfig) TestFactories(hooks *TestHooks) *PerTransactionConfig {
	p.hooks = hooks
	return p
}

// resolve merges the process-wide config with a per-run override.
func (c *Config) resolve(p *PerTransactionConfig) *Config {
	if p == nil {
		return c
	}
	merged := *c
	if p.timeout > 0 {
		merged.timeout = p.timeout
	}
	if p.durability != nil {
		merged.durability = *p.durability
	}
	if p.metadataCollection != nil {
		merged.metadataCollection = *p.metadataCollection
	}
	if p.hooks != nil {
		merged.hooks = p.hooks
	}
	return &merged
}
