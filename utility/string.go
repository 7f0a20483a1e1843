package utility

import (
	"github.com/google/uuid"
)

// NewMessageId returns a fresh OCPP message unique id. Random 128-bit,
// text form is 36 characters which fits the OCPP-J limit.
func NewMessageId() string {
	return uuid.New().String()
}
