// Package email defines the message and envelope data model shared by the
// SMTP session, the relay engine and the delivery providers.
package email

import (
	"github.com/emersion/go-message/textproto"
)

// Message is an inbound RFC 5322 message split into its header and body.
// The header is mutable so the relay can rewrite From, To and Reply-To in place.
type Message struct {
	Header textproto.Header
	Body   []byte
}

// Email is an outbound message ready for a delivery provider: the rewritten
// envelope plus the serialized message data.
type Email struct {
	MailFrom  string
	RcptTo    []string
	MessageID string
	Subject   string
	Data      []byte
}
