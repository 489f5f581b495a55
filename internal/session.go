package internal

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// maxServiceName leaves room for the engine's ".<slot>.<task id>" suffix
// inside the 63 character container name limit.
const maxServiceName = 63 - 6 - 6

var (
	unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)
	underscoreRuns  = regexp.MustCompile(`_+`)
)

type Session struct {
	id uuid.UUID
}

// GenerateSession creates a new session with a random identifier. The
// session names containers started by run.
func GenerateSession() Session {
	return Session{id: uuid.New()}
}

func (s Session) String() string {
	return string(s.ID())
}

// ID returns the session identifier in the format "stackrun-<8 hex>".
func (s Session) ID() SessionID {
	return SessionID("stackrun-" + s.id.String()[:8])
}

// RunID is the full identifier, recorded as a label on created objects.
func (s Session) RunID() string {
	return s.id.String()
}

// ServiceName turns an arbitrary task name into a service name the engine
// accepts. Unsafe characters collapse to "_", the result is truncated and a
// short md5 of the input keeps distinct inputs distinct. The same input
// always yields the same name.
func ServiceName(input, prefix string) string {
	name := underscoreRuns.ReplaceAllString(unsafeNameChars.ReplaceAllString(input, "_"), "_")
	name = strings.Trim(name, "_")
	name = prefix + name
	if len(name) > maxServiceName {
		name = name[:maxServiceName]
	}

	sum := md5.Sum([]byte(input))
	return name + "_" + hex.EncodeToString(sum[:])[:5]
}
