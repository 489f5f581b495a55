package docker

import "context"

// Windows consoles deliver no resize signal; the size set at start stays.
func (t TTY) watchResize(context.Context) {}
