// Package config loads froyoflow settings from a YAML file, FLOW_ prefixed
// environment variables and command-line flags, in increasing order of
// precedence, and validates the result.
//
// Keys are grouped by component:
//
//	manifests:   remote_url, cache_dir, cache_file, owner, tenant, timeout, ttl
//	remote:      endpoint, timeout, execute_wait, poll_interval
//	executor:    listen, executor_id, idle_timeout, max_session_age, ...
//	history:     enabled, path, retention
//	policy:      enabled, paths, watch, remote_allowlist
//	telemetry:   service_name, environment, logging, tracing, metrics, events
//
// Environment variables replace dots with underscores, so
// FLOW_MANIFESTS_REMOTE_URL sets manifests.remote_url.
//
// The To* methods translate sections into the option structs of the
// packages they configure.
package config
