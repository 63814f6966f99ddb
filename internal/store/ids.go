package store

import "github.com/google/uuid"

// newID mints an identifier for store-created records.
func newID() string {
	return uuid.New().String()
}
