// Package stores persists workflow run history in SQLite: runs, the
// outcome of every step and telemetry events. The schema is managed with
// embedded golang-migrate migrations.
package stores
