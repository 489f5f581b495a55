// Package registry resolves image references to their registry, negotiates
// Basic or Bearer credentials against the registry's challenge, and fetches
// manifests and tag lists through the v2 API.
//
// Tokens obtained from a challenge are cached per registry host and dropped
// as soon as a request that used them is answered with 401.
package registry
