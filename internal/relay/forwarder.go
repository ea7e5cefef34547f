package relay

import (
	"errors"
	"fmt"

	"github.com/shineum/smtp-mask-relay/internal/email"
)

// ErrNoValidRecipients is returned when none of a non-empty forward set is
// a usable envelope address.
var ErrNoValidRecipients = errors.New("no valid forward address")

// SenderRewriter produces a reversible proxy local part for an envelope
// sender, placed at SenderDomain.
type SenderRewriter interface {
	Rewrite(local, domain string) (string, error)
	SenderDomain() string
}

// Forwarder rewrites a transaction's envelope for delivery to the resolved
// recipients.
type Forwarder struct {
	rewriter SenderRewriter
	opts     options
}

// NewForwarder returns a Forwarder using rewriter for the envelope sender.
func NewForwarder(rewriter SenderRewriter, opts ...Option) *Forwarder {
	return &Forwarder{rewriter: rewriter, opts: buildOptions(opts)}
}

// Forward sets tx.RcptTo to recipients and tx.MailFrom to the rewritten
// sender at the rewriter's domain. Recipients that are not valid envelope
// addresses are dropped with a warning; if that leaves none of a non-empty
// list, ErrNoValidRecipients is returned and tx is unchanged. The null
// reverse-path is kept as is.
func (f *Forwarder) Forward(tx *Transaction, recipients []string) error {
	rcpts := make([]email.Address, 0, len(recipients))
	for _, r := range recipients {
		addr, err := email.ParseAddress("<" + r + ">")
		if err != nil || addr.IsNull() {
			f.opts.logger.Warn("skipping invalid forward address", "txn", tx.ID, "address", r, "error", err)
			continue
		}
		rcpts = append(rcpts, addr)
	}
	if len(recipients) > 0 && len(rcpts) == 0 {
		return ErrNoValidRecipients
	}

	from := tx.MailFrom
	if !from.IsNull() {
		local, err := f.rewriter.Rewrite(from.User, from.Host)
		if err != nil {
			return fmt.Errorf("failed to rewrite sender %s: %w", from, err)
		}
		from = email.Address{User: local, Host: f.rewriter.SenderDomain()}
	}

	f.opts.logger.Debug("envelope rewritten",
		"txn", tx.ID,
		"before_from", tx.MailFrom.String(),
		"after_from", from.String(),
		"rcpt_count", len(rcpts),
	)

	tx.RcptTo = rcpts
	tx.MailFrom = from
	return nil
}
