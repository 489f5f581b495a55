// Package transport carries HTTP exchanges with the container engine over
// whichever channel the endpoint names: a unix socket, a Windows named pipe,
// a TCP address, or a remote command stream tunnelled through SSH.
//
// The Transport type is the entry point. Send performs an ordinary request,
// Hijack performs a connection upgrade and hands back the raw duplex stream
// used by attach. For ssh:// endpoints a TunnelSession owns the SSH client
// connection, opens one exec channel per request, and tears the connection
// down after an idle period.
package transport
