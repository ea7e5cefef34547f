package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/shineum/smtp-mask-relay/internal/email"
	"github.com/shineum/smtp-mask-relay/internal/metrics"
	"github.com/shineum/smtp-mask-relay/internal/store"
)

// Resolver maps an alias recipient to its forward set and annotates the
// transaction for the dispatcher.
type Resolver struct {
	dir  store.AliasDirectory
	opts options
}

// NewResolver returns a Resolver reading from dir.
func NewResolver(dir store.AliasDirectory, opts ...Option) *Resolver {
	return &Resolver{dir: dir, opts: buildOptions(opts)}
}

// Resolve looks up rcpt and replaces tx.Notes with the result. A store
// failure is logged and resolves as not found. The transaction is always
// marked as relaying; whether an empty forward set is acceptable is decided
// by the dispatcher.
func (r *Resolver) Resolve(ctx context.Context, tx *Transaction, rcpt email.Address) {
	log := r.opts.logger.With("txn", tx.ID, "rcpt", rcpt.String())

	alias := r.lookup(ctx, log, rcpt)
	sender := tx.MailFrom.String()

	notes := Notes{
		Forward:   true,
		MailFrom:  sender,
		AliasFull: rcpt.String(),
		RcptHost:  rcpt.Host,
		RcptUser:  rcpt.User,
	}

	if alias == nil {
		notes.Addresses = NotFound()
	} else {
		forward := FilterSender(alias.Dest, sender)
		notes.Addresses = Found(forward)
		notes.MailTo = forward
		notes.TwoWayRelay = alias.TwoWayRelay
		log.Debug("alias resolved",
			"forward_count", len(forward),
			"filtered", len(alias.Dest)-len(forward),
			"two_way_relay", alias.TwoWayRelay,
		)
	}

	tx.Notes = notes
	tx.Relaying = true
}

func (r *Resolver) lookup(ctx context.Context, log *slog.Logger, rcpt email.Address) *store.Alias {
	ctx, cancel := r.opts.queryContext(ctx)
	defer cancel()

	alias, err := r.dir.FindAlias(ctx, rcpt.User, strings.ToLower(rcpt.Host))
	switch {
	case err == nil:
		metrics.AliasLookups.WithLabelValues("found").Inc()
		return alias
	case errors.Is(err, store.ErrNotFound):
		metrics.AliasLookups.WithLabelValues("not_found").Inc()
		log.Info("alias not found")
		return nil
	default:
		metrics.AliasLookups.WithLabelValues("error").Inc()
		metrics.StoreErrors.WithLabelValues("find_alias").Inc()
		log.Error("alias lookup failed, treating as not found", "error", err)
		return nil
	}
}

// FilterSender returns dest without any entry equal to sender, keeping
// order. Every occurrence is removed.
func FilterSender(dest []string, sender string) []string {
	out := make([]string, 0, len(dest))
	for _, d := range dest {
		if !sameAddress(d, sender) {
			out = append(out, d)
		}
	}
	return out
}

// sameAddress compares two user@host addresses, ignoring surrounding space
// and case.
func sameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
