// Package config loads the changefeed service settings from the environment,
// optionally seeded from .env files.
package config
