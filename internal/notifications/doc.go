// Package notifications delivers pipeline run events via ntfy.
//
// The default implementation publishes to the ntfy topic configured in
// config.toml and degrades to a no-op when no topic is set. Each event kind
// can be muted individually; muted events are accepted and dropped.
package notifications
