package session

import (
	"regexp"

	"github.com/google/uuid"
)

var idPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// NewID returns a random lowercase UUIDv4.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether id is a lowercase hex UUIDv4. Any other shape is
// rejected before the session map or lock table is touched.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}
