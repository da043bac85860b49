// Package config defines the typed configuration snapshot the conductor
// core is constructed from. Loading it from environment, flags, or a
// config file is an external collaborator's responsibility (spec.md
// §6); this package only shapes the values, following kdlbs-kandev's
// mapstructure-tagged Config struct (internal/common/config/config.go).
package config

import (
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fleetforge/conductor/internal/common/logger"
	"github.com/fleetforge/conductor/internal/workspace"
)

// Config holds every section the conductor core consumes.
type Config struct {
	Logging    logger.Config    `mapstructure:"logging" yaml:"logging"`
	Session    SessionConfig    `mapstructure:"session" yaml:"session"`
	Workspace  WorkspaceConfig  `mapstructure:"workspace" yaml:"workspace"`
	Bus        BusConfig        `mapstructure:"bus" yaml:"bus"`
	Balancer   BalancerConfig   `mapstructure:"balancer" yaml:"balancer"`
	AutoAccept AutoAcceptConfig `mapstructure:"autoAccept" yaml:"autoAccept"`
	Ledger     LedgerConfig     `mapstructure:"ledger" yaml:"ledger"`
}

// SessionConfig mirrors internal/session.Config's tunables.
type SessionConfig struct {
	DefaultCols      int           `mapstructure:"defaultCols" yaml:"defaultCols"`
	DefaultRows      int           `mapstructure:"defaultRows" yaml:"defaultRows"`
	MaxBufferLines   int           `mapstructure:"maxBufferLines" yaml:"maxBufferLines"`
	PauseGracePeriod time.Duration `mapstructure:"pauseGracePeriod" yaml:"pauseGracePeriod"`
	MaxTokensPerTask int           `mapstructure:"maxTokensPerTask" yaml:"maxTokensPerTask"`
}

// WorkspaceConfig selects and sizes the default isolation backend.
type WorkspaceConfig struct {
	DefaultBackend workspace.Backend `mapstructure:"defaultBackend" yaml:"defaultBackend"`
	WorktreeDir    string            `mapstructure:"worktreeDir" yaml:"worktreeDir"`
	ContainerImage string            `mapstructure:"containerImage" yaml:"containerImage"`
	MemoryBytes    int64             `mapstructure:"memoryBytes" yaml:"memoryBytes"`
	CPUQuota       int64             `mapstructure:"cpuQuota" yaml:"cpuQuota"`
	ProtectedPaths []string          `mapstructure:"protectedPaths" yaml:"protectedPaths"`
}

// BusConfig describes the embedded coordination bus's mailbox size.
// orchestrator.Build does not apply it; the bus uses its own default
// capacity.
type BusConfig struct {
	MailboxCapacity int `mapstructure:"mailboxCapacity" yaml:"mailboxCapacity"`
}

// BalancerConfig names the workload balancer's default strategy.
// orchestrator.Build does not read it.
type BalancerConfig struct {
	DefaultStrategy string `mapstructure:"defaultStrategy" yaml:"defaultStrategy"`
}

// AutoAcceptConfig holds a default auto-approve threshold and extra deny
// patterns beyond the built-in defaults. orchestrator.Build does not read
// it: the gate keeps its built-in High threshold, and extra protected
// paths come from WorkspaceConfig.ProtectedPaths.
type AutoAcceptConfig struct {
	MaxAutoApproveRisk string   `mapstructure:"maxAutoApproveRisk" yaml:"maxAutoApproveRisk"`
	ExtraDenyPatterns  []string `mapstructure:"extraDenyPatterns" yaml:"extraDenyPatterns"`
}

// LedgerConfig points at the decision ledger's storage.
type LedgerConfig struct {
	DatabasePath string `mapstructure:"databasePath" yaml:"databasePath"`
}

// Default returns reasonable defaults for local/dev use; a real
// deployment overrides these through whatever external loader assembles
// a Config (viper, flags, or otherwise — out of this package's scope).
func Default() Config {
	return Config{
		Logging: logger.Config{Level: "info", Format: "text", OutputPath: "stdout"},
		Session: SessionConfig{
			DefaultCols: 80, DefaultRows: 24, MaxBufferLines: 10000,
			PauseGracePeriod: 5 * time.Second, MaxTokensPerTask: 8000,
		},
		Workspace: WorkspaceConfig{
			DefaultBackend: workspace.BackendWorktree,
			WorktreeDir:    "./.conductor/worktrees",
			MemoryBytes:    2 << 30,
			CPUQuota:       100000,
		},
		Bus:        BusConfig{MailboxCapacity: 64},
		Balancer:   BalancerConfig{DefaultStrategy: "least_loaded"},
		AutoAccept: AutoAcceptConfig{MaxAutoApproveRisk: "high"},
		Ledger:     LedgerConfig{DatabasePath: "./.conductor/ledger.sqlite3"},
	}
}

// LoadYAML overlays a YAML document onto Default(), for the narrow case
// of a static config file read directly by a caller that doesn't need
// the full environment/flag precedence chain an external loader (e.g.
// viper, per spec.md §6) would provide.
func LoadYAML(data []byte) (Config, error) {
	cfg := Default()
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
