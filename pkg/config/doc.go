// Package config holds the two configuration layers of the engine: the
// process bootstrap (YAML file plus flags, read once at startup) and
// the database-backed Registry of runtime tunables shared by all hosts.
package config
