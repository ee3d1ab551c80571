package models

import (
	"time"

	"github.com/google/uuid"
)

// User is an owning principal. Jobs, workspaces, and signed URLs are all
// scoped to exactly one user.
type User struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
