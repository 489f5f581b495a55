package docker_test

import (
	"github.com/ryanmoran/stackrun/internal/docker"
	"github.com/ryanmoran/stackrun/internal/transport"
)

// Compile-time check that *transport.Transport implements Doer
var _ docker.Doer = (*transport.Transport)(nil)

// Compile-time check that Client can resize a TTY
var _ docker.Resizer = docker.Client{}
