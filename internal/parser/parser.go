// Package parser converts raw RFC 5322 message data to and from the
// header/body form the relay rewrites.
package parser

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/shineum/smtp-mask-relay/internal/email"
)

// Parse splits a raw message into its header fields and body. Header field
// order and case are preserved so an unmodified message serializes back to
// the same header block.
func Parse(raw []byte) (*email.Message, error) {
	if !hasHeaderTerminator(raw) {
		// Header-only message: terminate the header block so the reader sees
		// an empty body instead of an unexpected EOF.
		if len(raw) > 0 && raw[len(raw)-1] != '\n' {
			raw = append(raw, '\r', '\n')
		}
		raw = append(raw, '\r', '\n')
	}

	br := bufio.NewReader(bytes.NewReader(raw))
	header, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message header: %w", err)
	}

	body, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}

	return &email.Message{Header: header, Body: body}, nil
}

// Bytes serializes a message back to wire form.
func Bytes(msg *email.Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, msg.Header); err != nil {
		return nil, fmt.Errorf("failed to write message header: %w", err)
	}
	buf.Write(msg.Body)
	return buf.Bytes(), nil
}

// Compose builds the outbound payload for a delivery provider from the
// rewritten envelope and message.
func Compose(mailFrom string, rcptTo []string, msg *email.Message) (*email.Email, error) {
	data, err := Bytes(msg)
	if err != nil {
		return nil, err
	}

	h := mail.Header{Header: message.Header{Header: msg.Header}}
	subject, err := h.Subject()
	if err != nil {
		slog.Debug("failed to decode subject, using raw value", "error", err)
		subject = h.Get("Subject")
	}
	messageID, err := h.MessageID()
	if err != nil {
		messageID = ""
	}

	return &email.Email{
		MailFrom:  mailFrom,
		RcptTo:    rcptTo,
		MessageID: messageID,
		Subject:   subject,
		Data:      data,
	}, nil
}

func hasHeaderTerminator(raw []byte) bool {
	if bytes.HasPrefix(raw, []byte("\r\n")) || bytes.HasPrefix(raw, []byte("\n")) {
		return true
	}
	return bytes.Contains(raw, []byte("\r\n\r\n")) || bytes.Contains(raw, []byte("\n\n"))
}
