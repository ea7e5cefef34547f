package relay

import (
	"context"
	"fmt"

	"github.com/shineum/smtp-mask-relay/internal/metrics"
)

// Dispatcher decides, once the message content is available, whether a
// resolved transaction is denied or forwarded.
type Dispatcher struct {
	director  *Director
	forwarder *Forwarder
	opts      options
}

// NewDispatcher returns a Dispatcher using director for two-way relay
// messages and forwarder for the outbound envelope.
func NewDispatcher(director *Director, forwarder *Forwarder, opts ...Option) *Dispatcher {
	return &Dispatcher{director: director, forwarder: forwarder, opts: buildOptions(opts)}
}

// Dispatch finalizes tx. It returns ErrEmailNotFound for an unknown alias,
// ErrSelfSend when there is nobody to forward to and the message is not a
// reply, and otherwise rewrites the envelope for delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, tx *Transaction) error {
	log := d.opts.logger.With("txn", tx.ID)

	// Captured before the director may rewrite headers.
	inReplyTo := ""
	if tx.Message != nil {
		inReplyTo = tx.Message.Header.Get("In-Reply-To")
	}

	if tx.Notes.TwoWayRelay {
		state := d.director.Direct(ctx, tx)
		log.Debug("reply direction", "state", state.String())
	}

	set := tx.Notes.Addresses
	if !set.IsFound() {
		metrics.Dispatches.WithLabelValues("email_not_found").Inc()
		log.Info("denying: alias not found", "alias", tx.Notes.AliasFull)
		return ErrEmailNotFound
	}

	addrs := set.Addresses()
	if len(addrs) == 0 {
		if inReplyTo == "" {
			metrics.Dispatches.WithLabelValues("self_send").Inc()
			log.Info("denying: empty forward set and no In-Reply-To", "alias", tx.Notes.AliasFull)
			return ErrSelfSend
		}
		log.Info("empty forward set on a reply, accepting without recipients", "alias", tx.Notes.AliasFull)
	}

	if err := d.forwarder.Forward(tx, addrs); err != nil {
		metrics.Dispatches.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to forward: %w", err)
	}

	metrics.Dispatches.WithLabelValues("forwarded").Inc()
	log.Info("forwarding",
		"mail_from", tx.MailFrom.String(),
		"rcpt_to", tx.Recipients(),
	)
	return nil
}
