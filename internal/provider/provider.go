// Package provider defines the interface for outbound delivery backends.
package provider

import (
	"context"

	"github.com/shineum/smtp-mask-relay/internal/email"
)

// Provider is the interface that delivery backends must implement.
// A provider receives a message whose envelope has already been rewritten
// by the relay and must deliver it to exactly msg.RcptTo, using msg.MailFrom
// as the envelope sender.
type Provider interface {
	// Send delivers an email message through this provider.
	// It returns an error if the delivery fails.
	Send(ctx context.Context, msg *email.Email) error

	// Name returns the human-readable name of this provider.
	Name() string
}
