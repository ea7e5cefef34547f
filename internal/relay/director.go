package relay

import (
	"context"
	"errors"

	"github.com/shineum/smtp-mask-relay/internal/metrics"
	"github.com/shineum/smtp-mask-relay/internal/store"
)

// State is the reply director's classification of a message.
type State int

const (
	// StateNotTracked: the message takes no part in reply tracking.
	StateNotTracked State = iota
	// StateNewThread: first message of a thread; a thread record was created.
	StateNewThread
	// StateKnownForward: thread known, the original sender is writing again.
	StateKnownForward
	// StateKnownReverse: thread known, the counterpart is replying to the origin.
	StateKnownReverse
)

func (s State) String() string {
	switch s {
	case StateNotTracked:
		return "not_tracked"
	case StateNewThread:
		return "new_thread"
	case StateKnownForward:
		return "known_forward"
	case StateKnownReverse:
		return "known_reverse"
	}
	return "unknown"
}

// Director routes two-way relay messages between the two parties of a
// thread without revealing either party's address to the other.
type Director struct {
	threads store.ThreadStore
	opts    options
}

// NewDirector returns a Director backed by threads.
func NewDirector(threads store.ThreadStore, opts ...Option) *Director {
	return &Director{threads: threads, opts: buildOptions(opts)}
}

// Direct classifies tx and applies the matching forward-set and header
// rewrites. tx.Message must be set. Store failures and unusable thread
// identifiers leave the transaction untouched and return StateNotTracked.
func (d *Director) Direct(ctx context.Context, tx *Transaction) State {
	state := d.direct(ctx, tx)
	metrics.ThreadDirections.WithLabelValues(state.String()).Inc()
	return state
}

func (d *Director) direct(ctx context.Context, tx *Transaction) State {
	notes := &tx.Notes
	if !notes.TwoWayRelay || tx.Message == nil {
		return StateNotTracked
	}

	log := d.opts.logger.With("txn", tx.ID)
	h := &tx.Message.Header

	id, ok := ThreadID(h)
	if !ok {
		log.Warn("no usable thread identifier in References or Message-ID")
		return StateNotTracked
	}
	log = log.With("thread_id", id)

	thread, err := d.find(ctx, id)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("find_thread").Inc()
		log.Error("thread lookup failed", "error", err)
		return StateNotTracked
	}

	name := DisplayName(h.Get("From"))

	if thread == nil {
		if len(notes.MailTo) == 0 {
			log.Info("thread not found and nothing to forward to; sender appears to be replying to themselves")
			return StateNotTracked
		}

		candidate := store.Thread{
			ID:     id,
			Origin: notes.MailFrom,
			Dest:   notes.MailTo[0],
			Alias:  notes.AliasFull,
		}
		stored, created, err := d.create(ctx, candidate)
		switch {
		case err != nil:
			metrics.StoreErrors.WithLabelValues("create_thread").Inc()
			log.Error("failed to record thread", "error", err)
		case !created:
			// Another message created the thread first; route against it.
			log.Info("thread created concurrently, using stored record")
			thread = stored
		}

		if thread == nil {
			log.Info("new thread", "alias", notes.AliasFull)
			h.Set("Reply-To", formatMailbox(name, replyAddress(notes)))
			return StateNewThread
		}
	}

	if sameAddress(thread.Origin, notes.MailFrom) {
		log.Info("known thread, forwarding to counterpart")
		notes.Addresses = Found([]string{thread.Dest})
		h.Set("Reply-To", formatMailbox(name, replyAddress(notes)))
		return StateKnownForward
	}

	log.Info("known thread, replying to origin through alias", "alias", thread.Alias)
	notes.Addresses = Found([]string{thread.Origin})
	h.Del("From")
	h.Del("To")
	h.Add("From", formatMailbox(name, thread.Alias))
	h.Add("To", thread.Origin)
	h.Set("Reply-To", formatMailbox(name, thread.Alias))
	return StateKnownReverse
}

func (d *Director) find(ctx context.Context, id string) (*store.Thread, error) {
	ctx, cancel := d.opts.queryContext(ctx)
	defer cancel()

	t, err := d.threads.FindThread(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return t, err
}

func (d *Director) create(ctx context.Context, t store.Thread) (*store.Thread, bool, error) {
	ctx, cancel := d.opts.queryContext(ctx)
	defer cancel()
	return d.threads.CreateThread(ctx, t)
}

// replyAddress is the reply sub-address of the alias: user@reply.host.
func replyAddress(n *Notes) string {
	return n.RcptUser + "@reply." + n.RcptHost
}
