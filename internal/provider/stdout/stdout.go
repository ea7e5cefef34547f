// Package stdout implements a Provider that prints outbound envelopes to
// standard output instead of delivering them.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shineum/smtp-mask-relay/internal/email"
)

// Provider prints email messages to stdout in a human-readable format.
type Provider struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
	// showData also prints the full message data.
	showData bool
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
// When showData is set the full rewritten message follows the summary.
func NewWithWriter(w io.Writer, showData bool) *Provider {
	return &Provider{writer: w, showData: showData}
}

// Send prints the outbound envelope and a summary of the message.
// It always returns nil (success).
func (p *Provider) Send(_ context.Context, msg *email.Email) error {
	var b strings.Builder

	mailFrom := msg.MailFrom
	if mailFrom == "" {
		mailFrom = "<>"
	}

	b.WriteString("========================================\n")
	b.WriteString(fmt.Sprintf("Mail-From: %s\n", mailFrom))
	b.WriteString(fmt.Sprintf("Rcpt-To: %s\n", strings.Join(msg.RcptTo, ", ")))
	if msg.MessageID != "" {
		b.WriteString(fmt.Sprintf("Message-ID: %s\n", msg.MessageID))
	}
	b.WriteString(fmt.Sprintf("Subject: %s\n", msg.Subject))
	b.WriteString(fmt.Sprintf("Size: %s\n", formatSize(len(msg.Data))))

	if p.showData {
		b.WriteString("Data:\n")
		b.Write(msg.Data)
		if len(msg.Data) > 0 && msg.Data[len(msg.Data)-1] != '\n' {
			b.WriteString("\n")
		}
	}

	b.WriteString("========================================\n")

	_, err := fmt.Fprint(p.writer, b.String())
	if err != nil {
		// The stdout provider never fails delivery.
		return nil
	}

	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
