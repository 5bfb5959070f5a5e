// Package config loads, normalizes, and validates agentcrew configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// CREW_API_TOKEN and CREW_DATABASE_URL. The Config type centralizes every knob
// the daemon and CLI need: storage backend, spending budgets, retry policy,
// the services probed for health, and the agents bound to each stage.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
