// Package events follows the engine's event feed forever. The subscription
// is re-issued whenever the stream ends, resuming just after the last event
// seen, and an idle watchdog forces a reconnect when the feed goes quiet.
package events
