package domain

import (
	"time"

	"github.com/google/uuid"
)

// DialAttempt records a single call-placement attempt for observability.
type DialAttempt struct {
	ID          uuid.UUID
	LeadID      uuid.UUID
	IdentityID  string
	PhoneNumber string
	Placed      bool
	Error       string
	CreatedAt   time.Time
}
