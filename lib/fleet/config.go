// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

// Package fleet loads the fleet configuration consumed by the remote
// execution engine: node addresses and credentials layout, retry and
// timeout defaults, repository sync settings, per-config-type path
// tables, and backup storage settings.
//
// Configuration is loaded from a single YAML file specified by:
//   - FLEETFORGE_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides. The
// only expansion performed is ${VAR} and ${VAR:-default} in paths.
package fleet

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// MinimumRetention is the shortest allowed backup retention window.
// Encrypted config backups must remain restorable for at least 90 days.
const MinimumRetention = 90 * 24 * time.Hour

// Duration wraps time.Duration with YAML support for strings like
// "10s" or "2160h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Node describes one addressable host in the fleet. Nodes are
// immutable for the lifetime of a run; the engine never creates or
// destroys them.
type Node struct {
	// Address is the network address (hostname or IP).
	Address string `yaml:"address"`

	// Port is the SSH port. Defaults to 22.
	Port int `yaml:"port"`

	// User is the login user for remote sessions.
	User string `yaml:"user"`

	// Enabled marks the node as eligible for operations. Disabled
	// nodes are rejected by the allow-list check.
	Enabled bool `yaml:"enabled"`
}

// Defaults holds per-call defaults that individual calls may override.
type Defaults struct {
	// ConnectTimeout bounds session establishment. Default 10s.
	ConnectTimeout Duration `yaml:"connect_timeout"`

	// CommandTimeout bounds a single remote command. Default 60s.
	CommandTimeout Duration `yaml:"command_timeout"`

	// Retries is how many times the full connect+operate sequence is
	// attempted on transient failure. Default 3.
	Retries int `yaml:"retries"`
}

// RepoConfig configures the repository sync engine.
type RepoConfig struct {
	// SourceNode is the single source-of-truth node id. The local
	// git tree lives on the host running the engine.
	SourceNode string `yaml:"source_node"`

	// Path is the local git working tree that is pushed outward.
	Path string `yaml:"path"`

	// Branch is the branch synchronized to targets. Default "main".
	Branch string `yaml:"branch"`

	// TargetPath is where the tree lands on each target node.
	TargetPath string `yaml:"target_path"`

	// Marker is the revision marker file name written inside the
	// tree. Default ".sync-revision".
	Marker string `yaml:"marker"`

	// Codec selects push compression: "zstd" (default), "lz4", or
	// "none".
	Codec string `yaml:"codec"`

	// Exclude lists path patterns omitted from the push. When empty,
	// a default set covering VCS metadata, caches, and editor
	// artifacts applies.
	Exclude []string `yaml:"exclude"`
}

// ConfigType describes one structured configuration file kind: where
// it lives on each node and which schema validates it.
type ConfigType struct {
	// DefaultPath is the file location used when a node has no
	// per-node override.
	DefaultPath string `yaml:"default_path"`

	// Paths maps node id to an overriding file location.
	Paths map[string]string `yaml:"paths"`

	// Schema is the path to the JSON Schema document for this type.
	Schema string `yaml:"schema"`
}

// BackupConfig configures encrypted config backup storage.
type BackupConfig struct {
	// Dir is the local directory holding encrypted snapshots.
	Dir string `yaml:"dir"`

	// Retention is how long snapshots are kept before opportunistic
	// purging. Must be at least MinimumRetention; default exactly
	// that.
	Retention Duration `yaml:"retention"`

	// KeyFile optionally names a file holding the 32-byte backup
	// encryption key. When empty, the key is derived from an
	// operator-supplied passphrase at run time.
	KeyFile string `yaml:"key_file"`
}

// Config is the complete fleet configuration.
type Config struct {
	// Fleet names this fleet; used in log and audit context only.
	Fleet string `yaml:"fleet"`

	// KeyDir overrides the default ~/.ssh/fleetforge_keys directory.
	KeyDir string `yaml:"key_dir"`

	// KnownHosts is an optional OpenSSH known_hosts file for host
	// identity verification. When empty, host keys are accepted on
	// first use and a warning is logged.
	KnownHosts string `yaml:"known_hosts"`

	// AuditLog is the file receiving the append-only audit stream.
	// When empty, audit entries go to standard error.
	AuditLog string `yaml:"audit_log"`

	// Defaults holds retry/timeout defaults.
	Defaults Defaults `yaml:"defaults"`

	// Nodes maps node id to its connection parameters.
	Nodes map[string]Node `yaml:"nodes"`

	// Allow optionally restricts operations to an explicit list of
	// node ids. When empty, every enabled node is allowed.
	Allow []string `yaml:"allow"`

	// Repo configures the repository sync engine.
	Repo RepoConfig `yaml:"repo"`

	// Configs maps config type name to its path table and schema.
	Configs map[string]ConfigType `yaml:"configs"`

	// Backups configures encrypted backup storage.
	Backups BackupConfig `yaml:"backups"`
}

// Default returns the baseline configuration applied before the file
// is loaded. The file is still required — these exist so every field
// has a sensible zero value, not as a substitute for configuration.
func Default() *Config {
	return &Config{
		Defaults: Defaults{
			ConnectTimeout: Duration(10 * time.Second),
			CommandTimeout: Duration(60 * time.Second),
			Retries:        3,
		},
		Repo: RepoConfig{
			Branch: "main",
			Marker: ".sync-revision",
			Codec:  "zstd",
		},
		Backups: BackupConfig{
			Retention: Duration(MinimumRetention),
		},
	}
}

// Load loads configuration from the FLEETFORGE_CONFIG environment
// variable. Fails if the variable is not set — there is no discovery.
func Load() (*Config, error) {
	configPath := os.Getenv("FLEETFORGE_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("FLEETFORGE_CONFIG environment variable not set; " +
			"set it to the path of your fleet.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, applying
// defaults, variable expansion, and validation.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fleet config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing fleet config %s: %w", path, err)
	}

	cfg.expandVariables()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating fleet config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors. All problems are
// reported together via errors.Join.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Nodes) == 0 {
		errs = append(errs, fmt.Errorf("at least one node is required"))
	}
	for nodeID, node := range c.Nodes {
		if node.Address == "" {
			errs = append(errs, fmt.Errorf("node %s: address is required", nodeID))
		}
		if node.User == "" {
			errs = append(errs, fmt.Errorf("node %s: user is required", nodeID))
		}
		if node.Port < 0 || node.Port > 65535 {
			errs = append(errs, fmt.Errorf("node %s: port %d out of range", nodeID, node.Port))
		}
	}

	for _, allowed := range c.Allow {
		if _, ok := c.Nodes[allowed]; !ok {
			errs = append(errs, fmt.Errorf("allow list references unknown node %q", allowed))
		}
	}

	if c.Defaults.Retries < 1 {
		errs = append(errs, fmt.Errorf("defaults.retries must be at least 1, got %d", c.Defaults.Retries))
	}
	if c.Defaults.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("defaults.connect_timeout must be positive"))
	}
	if c.Defaults.CommandTimeout <= 0 {
		errs = append(errs, fmt.Errorf("defaults.command_timeout must be positive"))
	}

	if c.Repo.SourceNode != "" {
		if _, ok := c.Nodes[c.Repo.SourceNode]; !ok {
			errs = append(errs, fmt.Errorf("repo.source_node references unknown node %q", c.Repo.SourceNode))
		}
	}
	switch c.Repo.Codec {
	case "", "none", "lz4", "zstd":
	default:
		errs = append(errs, fmt.Errorf("repo.codec must be one of none, lz4, zstd; got %q", c.Repo.Codec))
	}

	for typeName, configType := range c.Configs {
		if configType.DefaultPath == "" && len(configType.Paths) == 0 {
			errs = append(errs, fmt.Errorf("config type %s: default_path or per-node paths required", typeName))
		}
		for nodeID := range configType.Paths {
			if _, ok := c.Nodes[nodeID]; !ok {
				errs = append(errs, fmt.Errorf("config type %s: path table references unknown node %q", typeName, nodeID))
			}
		}
	}

	if c.Backups.Retention.Std() < MinimumRetention {
		errs = append(errs, fmt.Errorf("backups.retention %s is below the %s minimum",
			c.Backups.Retention.Std(), MinimumRetention))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Node returns the connection parameters for a node id.
func (c *Config) Node(nodeID string) (Node, bool) {
	node, ok := c.Nodes[nodeID]
	if ok && node.Port == 0 {
		node.Port = 22
	}
	return node, ok
}

// Allowed reports whether operations may target nodeID: the node must
// exist, be enabled, and — when an explicit allow list is configured —
// appear on it.
func (c *Config) Allowed(nodeID string) bool {
	node, ok := c.Nodes[nodeID]
	if !ok || !node.Enabled {
		return false
	}
	if len(c.Allow) == 0 {
		return true
	}
	for _, allowed := range c.Allow {
		if allowed == nodeID {
			return true
		}
	}
	return false
}

// AllowedNodes returns every allowed node id in sorted order. Fan-out
// operations iterate this list so cross-node ordering is deterministic.
func (c *Config) AllowedNodes() []string {
	var nodes []string
	for nodeID := range c.Nodes {
		if c.Allowed(nodeID) {
			nodes = append(nodes, nodeID)
		}
	}
	sort.Strings(nodes)
	return nodes
}

// TargetNodes returns the allowed nodes excluding the repo source
// node: the set a repository sync pushes to.
func (c *Config) TargetNodes() []string {
	var targets []string
	for _, nodeID := range c.AllowedNodes() {
		if nodeID != c.Repo.SourceNode {
			targets = append(targets, nodeID)
		}
	}
	return targets
}

// ConfigPath resolves the file location of a config type on a node:
// the per-node path table entry when present, otherwise the type's
// default path.
func (c *Config) ConfigPath(configType, nodeID string) (string, error) {
	entry, ok := c.Configs[configType]
	if !ok {
		return "", fmt.Errorf("unknown config type %q", configType)
	}
	if path, ok := entry.Paths[nodeID]; ok {
		return path, nil
	}
	if entry.DefaultPath == "" {
		return "", fmt.Errorf("config type %q has no path for node %q and no default", configType, nodeID)
	}
	return entry.DefaultPath, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in all
// path-valued fields.
func (c *Config) expandVariables() {
	c.KeyDir = expandVars(c.KeyDir)
	c.KnownHosts = expandVars(c.KnownHosts)
	c.AuditLog = expandVars(c.AuditLog)
	c.Repo.Path = expandVars(c.Repo.Path)
	c.Repo.TargetPath = expandVars(c.Repo.TargetPath)
	c.Backups.Dir = expandVars(c.Backups.Dir)
	c.Backups.KeyFile = expandVars(c.Backups.KeyFile)
	for typeName, configType := range c.Configs {
		configType.Schema = expandVars(configType.Schema)
		c.Configs[typeName] = configType
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}
