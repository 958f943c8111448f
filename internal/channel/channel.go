// Package channel holds the delivery adapters behind the notification
// worker. Each adapter moves one rendered message through one medium.
package channel

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/jwalitptl/caseflow/internal/model"
)

// ErrNoAddress means the recipient has no address for the channel. The
// worker treats it like any other delivery failure.
var ErrNoAddress = errors.New("recipient has no address for channel")

type Message struct {
	NotificationID uuid.UUID
	CaseID         *uuid.UUID
	RecipientID    uuid.UUID
	// Address is the email address or phone number; unused by the feed.
	Address   string
	Name      string
	Template  string
	Language  string
	Subject   string
	Body      string
	Variables model.JSONMap
}

type Result struct {
	ProviderMessageID string
}

// Adapter must tolerate being called twice for the same message after an
// ambiguous failure.
type Adapter interface {
	Channel() model.Channel
	Send(ctx context.Context, msg Message) (Result, error)
}

// AddressFor picks the contact field a channel delivers to.
func AddressFor(ch model.Channel, c *model.Contact) string {
	switch ch {
	case model.ChannelEmail:
		return c.Email
	case model.ChannelSMS:
		return c.Phone
	case model.ChannelInternal:
		return c.UserID.String()
	}
	return ""
}
