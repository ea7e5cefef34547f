package relay

import (
	"slices"

	"github.com/shineum/smtp-mask-relay/internal/email"
)

// ForwardSet is the outcome of resolving a recipient: either the alias was
// not found at all, or it was found with a (possibly empty) set of real
// destinations. The zero value is NotFound.
type ForwardSet struct {
	found bool
	addrs []string
}

// NotFound returns the ForwardSet for an unknown alias.
func NotFound() ForwardSet {
	return ForwardSet{}
}

// Found returns the ForwardSet for a known alias forwarding to addrs.
func Found(addrs []string) ForwardSet {
	if addrs == nil {
		addrs = []string{}
	}
	return ForwardSet{found: true, addrs: addrs}
}

// IsFound reports whether the alias was found.
func (f ForwardSet) IsFound() bool {
	return f.found
}

// Addresses returns a copy of the destinations. It is nil for NotFound.
func (f ForwardSet) Addresses() []string {
	if !f.found {
		return nil
	}
	return slices.Clone(f.addrs)
}

// Notes is the typed context the resolver hands to the dispatcher for one
// message. It is never persisted.
type Notes struct {
	// Forward marks the transaction as handled by the alias relay.
	Forward bool

	// Addresses is the current forward set. The reply director may narrow
	// it to a single thread participant.
	Addresses ForwardSet

	// TwoWayRelay enables reply-thread tracking for this message.
	TwoWayRelay bool

	// MailFrom is the declared sender as user@host.
	MailFrom string
	// MailTo is the forward set as resolved from the alias, after removing
	// the sender. Nil when the alias was not found.
	MailTo []string

	// AliasFull is the alias address the message was sent to.
	AliasFull string
	RcptHost  string
	RcptUser  string
}

// Transaction is one in-flight message as seen by the relay. The host owns
// it; the relay annotates it at RCPT time and rewrites its envelope and
// header after DATA.
type Transaction struct {
	// ID correlates log lines for this message.
	ID string

	MailFrom email.Address
	RcptTo   []email.Address

	// Message is nil until the content phase.
	Message *email.Message

	Notes Notes

	// Relaying is set once a recipient resolved through the relay.
	Relaying bool
}

// NewTransaction starts a transaction for the given reverse-path.
func NewTransaction(id string, from email.Address) *Transaction {
	return &Transaction{ID: id, MailFrom: from}
}

// Recipients returns the envelope recipients as plain addresses.
func (tx *Transaction) Recipients() []string {
	out := make([]string, 0, len(tx.RcptTo))
	for _, r := range tx.RcptTo {
		out = append(out, r.String())
	}
	return out
}
