package lockmgr

import (
	"github.com/google/uuid"
)

// generateOwnerID creates a new random (version 4) owner ID
func generateOwnerID() ([]byte, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	return id[:], nil
}
