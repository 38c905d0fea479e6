package user

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// User is the identity record the bidding core consumes. Users are created
// by the identity collaborator and treated as immutable during a bid.
type User struct {
	ID          uuid.UUID `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// NormalizeUsername lowercases a username to its canonical unique form.
func NormalizeUsername(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
