// Package config provides agentpool's configuration loading and a config
// file watcher.
//
// Config is the top-level aggregate (Pool, Presence, Message, Leader,
// Deadlock, Redis, Cache, Server, Log, Telemetry). Loader merges three sources in
// order: built-in defaults, an optional YAML file, then environment
// variables (AGENTPOOL_ prefix by default, one segment per nested field).
//
// FileWatcher wraps fsnotify to run registered callbacks when a watched file
// on disk changes. It does not reload a Config: a running pool keeps the
// settings it started with, and agentpoolctl's callback only re-validates
// the edited file and logs that a restart is needed to apply it.
//
//	cfg, err := config.NewLoader().
//		WithConfigPath("agentpool.yaml").
//		WithEnvPrefix("AGENTPOOL").
//		Load()
package config
