package relay

import (
	"context"
	"fmt"

	"github.com/shineum/smtp-mask-relay/internal/email"
	"github.com/shineum/smtp-mask-relay/internal/store"
)

// User-visible deny texts.
const (
	SelfSendMessage      = "Hi! You're receiving this rejection email because the sender and the recipient emails are identical. Please try sending this email from another account. Have a great day! :)"
	EmailNotFoundMessage = "Email address not found."
)

// Rejection is a deny outcome to be reported to the sending party.
type Rejection struct {
	Code         int
	EnhancedCode string
	Message      string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%d %s %s", r.Code, r.EnhancedCode, r.Message)
}

var (
	// ErrEmailNotFound rejects mail to an unknown or inactive alias.
	ErrEmailNotFound = &Rejection{Code: 550, EnhancedCode: "5.1.1", Message: EmailNotFoundMessage}
	// ErrSelfSend rejects mail that would only be forwarded back to its sender.
	ErrSelfSend = &Rejection{Code: 550, EnhancedCode: "5.7.1", Message: SelfSendMessage}
)

// Engine bundles the relay components behind the two hooks an SMTP session
// calls: Recipient after each RCPT and Data after the message body.
type Engine struct {
	resolver   *Resolver
	dispatcher *Dispatcher
}

// NewEngine wires a Resolver, Director, Forwarder and Dispatcher.
func NewEngine(dir store.AliasDirectory, threads store.ThreadStore, rewriter SenderRewriter, opts ...Option) *Engine {
	director := NewDirector(threads, opts...)
	forwarder := NewForwarder(rewriter, opts...)
	return &Engine{
		resolver:   NewResolver(dir, opts...),
		dispatcher: NewDispatcher(director, forwarder, opts...),
	}
}

// Recipient resolves rcpt for tx. Resolution never denies at RCPT time;
// unknown aliases are rejected after DATA.
func (e *Engine) Recipient(ctx context.Context, tx *Transaction, rcpt email.Address) error {
	e.resolver.Resolve(ctx, tx, rcpt)
	return nil
}

// Data finalizes tx once tx.Message is set. A *Rejection is returned for
// deny outcomes.
func (e *Engine) Data(ctx context.Context, tx *Transaction) error {
	return e.dispatcher.Dispatch(ctx, tx)
}
