package internal

// SessionID names the container started by one run.
type SessionID string

// Environment is a list of KEY=value pairs.
type Environment []string
