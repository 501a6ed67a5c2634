// Package config loads and validates Fleetwork's YAML configuration: the
// service configuration file and the rollout policy file.
//
// The two files have different lifecycles. The service configuration is read
// once at startup. The policy file is watched with fsnotify and hot-reloaded;
// because the engine copies a policy snapshot into every work item at
// creation, a reload only affects work items created after it.
package config
