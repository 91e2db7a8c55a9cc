package sessionlog

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

//nolint:gochecknoglobals // compiled once
var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// NewID returns a short readable session id: YYMMDD-HHMMSS-xxxx.
func NewID(clock clockwork.Clock) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:4]
	return clock.Now().Format("060102-150405") + "-" + suffix
}

// ValidID reports whether a client-supplied id is safe to use as a file name.
func ValidID(id string) bool {
	return validID.MatchString(id)
}
