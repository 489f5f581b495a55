// Package inventory keeps last-known lists of configs, secrets and volumes.
// Lists are loaded on first use and dropped wholesale whenever an event of
// the matching type arrives; there is no other expiry.
package inventory
