package controller

import "github.com/google/uuid"

// newShortID generates a short opaque identifier, following the original
// implementation's str(uuid.uuid4())[:16] convention for event/job/backup
// ids.
func newShortID() string {
	return uuid.NewString()[:16]
}
