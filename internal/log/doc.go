// Package log wraps zerolog with the process-wide logger used by every
// stackrun component.
//
// Call Init once at startup. Until then the logger discards everything,
// which keeps library code and tests quiet.
package log
