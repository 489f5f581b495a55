// Package metrics declares the prometheus collectors stackrun updates while
// it drives workloads, negotiates registry tokens and follows the event feed.
package metrics
