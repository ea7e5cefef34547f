// Package smtprelay implements a Provider that hands messages to an
// upstream SMTP server (a smarthost) with the rewritten envelope.
package smtprelay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/shineum/smtp-mask-relay/internal/email"
)

// RelayError wraps a delivery error with whether it is permanent (5xx) or
// temporary (4xx, network).
type RelayError struct {
	Err       error
	Permanent bool
}

func (e *RelayError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// IsPermanentError reports whether err is a permanent SMTP failure.
// Network and connection errors are temporary.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Permanent
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}

	return false
}

// Default per-command and DATA timeouts for the upstream conversation.
const (
	defaultCommandTimeout    = time.Minute
	defaultSubmissionTimeout = 5 * time.Minute
)

// Config holds the upstream connection settings.
type Config struct {
	// Host is the upstream address as host:port.
	Host string
	// Hostname is announced in EHLO. Empty leaves the client default.
	// It is not used with STARTTLS, where the client greets before the
	// upgrade.
	Hostname string
	// UseTLS enables TLS, either implicit or via STARTTLS.
	UseTLS bool
	// UseStartTLS upgrades a plain connection instead of dialing TLS.
	UseStartTLS bool
	// TLSVerify verifies the upstream certificate.
	TLSVerify bool
	// CommandTimeout bounds each SMTP command. Zero uses one minute.
	CommandTimeout time.Duration
	// SubmissionTimeout bounds the end of DATA. Zero uses five minutes.
	SubmissionTimeout time.Duration
}

// Provider delivers through an upstream SMTP server, one connection per message.
type Provider struct {
	cfg Config
}

// New returns a Provider for cfg.
func New(cfg Config) (*Provider, error) {
	if cfg.Host == "" {
		return nil, errors.New("SMTP relay host not configured")
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.SubmissionTimeout <= 0 {
		cfg.SubmissionTimeout = defaultSubmissionTimeout
	}
	return &Provider{cfg: cfg}, nil
}

// Send relays msg using its envelope sender and recipients. Cancelling ctx
// closes the upstream connection and aborts the conversation.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	if err := ctx.Err(); err != nil {
		return &RelayError{Err: err}
	}

	c, stop, err := p.dial(ctx)
	if err != nil {
		return p.fail(ctx, err, false)
	}
	defer stop()
	defer c.Close()

	if p.cfg.Hostname != "" && !(p.cfg.UseTLS && p.cfg.UseStartTLS) {
		if err := c.Hello(p.cfg.Hostname); err != nil {
			return p.fail(ctx, fmt.Errorf("failed to greet SMTP relay: %w", err), IsPermanentError(err))
		}
	}

	if err := c.Mail(msg.MailFrom, nil); err != nil {
		return p.fail(ctx, fmt.Errorf("failed to set sender: %w", err), IsPermanentError(err))
	}
	for _, to := range msg.RcptTo {
		if err := c.Rcpt(to, nil); err != nil {
			return p.fail(ctx, fmt.Errorf("failed to set recipient %s: %w", to, err), IsPermanentError(err))
		}
	}

	wc, err := c.Data()
	if err != nil {
		return p.fail(ctx, fmt.Errorf("failed to start data: %w", err), IsPermanentError(err))
	}
	if _, err := wc.Write(msg.Data); err != nil {
		_ = wc.Close()
		return p.fail(ctx, fmt.Errorf("failed to write message: %w", err), false)
	}
	if err := wc.Close(); err != nil {
		return p.fail(ctx, fmt.Errorf("failed to close data writer: %w", err), IsPermanentError(err))
	}

	// The message is accepted at this point.
	if err := c.Quit(); err != nil {
		slog.Warn("SMTP relay: failed to send QUIT", "error", err)
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "smtp"
}

// fail reports err, or the context error when ctx ended the conversation.
func (p *Provider) fail(ctx context.Context, err error, permanent bool) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &RelayError{Err: fmt.Errorf("%w: %v", ctxErr, err)}
	}
	return &RelayError{Err: err, Permanent: permanent}
}

func (p *Provider) dial(ctx context.Context) (*smtp.Client, func() bool, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !p.cfg.TLSVerify,
	}
	if host, _, err := net.SplitHostPort(p.cfg.Host); err == nil {
		tlsConfig.ServerName = host
	}

	var (
		conn net.Conn
		err  error
	)
	if p.cfg.UseTLS && !p.cfg.UseStartTLS {
		d := &tls.Dialer{Config: tlsConfig}
		conn, err = d.DialContext(ctx, "tcp", p.cfg.Host)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", p.cfg.Host)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to SMTP relay: %w", err)
	}

	// Closing the connection unblocks any pending read or write.
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	var c *smtp.Client
	if p.cfg.UseTLS && p.cfg.UseStartTLS {
		c, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			stop()
			return nil, nil, fmt.Errorf("failed to start TLS with SMTP relay: %w", err)
		}
	} else {
		c = smtp.NewClient(conn)
	}
	c.CommandTimeout = p.cfg.CommandTimeout
	c.SubmissionTimeout = p.cfg.SubmissionTimeout

	return c, stop, nil
}
