// Package internal holds the pieces the stackrun command shares across
// subcommands: configuration from the environment and an optional YAML file,
// run naming, ordered cleanup and the user-facing output channel.
package internal
