package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/smtp-mask-relay/internal/email"
	"github.com/shineum/smtp-mask-relay/internal/metrics"
	"github.com/shineum/smtp-mask-relay/internal/parser"
	"github.com/shineum/smtp-mask-relay/internal/provider"
	"github.com/shineum/smtp-mask-relay/internal/relay"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// defaultMaxMessageSize is used when no limit is configured (10 MB).
const defaultMaxMessageSize = 10 * 1024 * 1024

// Relay is the engine consulted during a mail transaction: once per
// accepted recipient and once after the message content is read.
type Relay interface {
	Recipient(ctx context.Context, tx *relay.Transaction, rcpt email.Address) error
	Data(ctx context.Context, tx *relay.Transaction) error
}

// Session represents a single SMTP client connection and manages the
// SMTP protocol state machine.
type Session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	state    int
	relay    Relay
	provider provider.Provider
	hostname string
	maxSize  int64
	log      *slog.Logger

	// TLS support
	tlsConfig *tls.Config
	tlsActive bool

	// Current transaction
	tx *relay.Transaction
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, engine Relay, prov provider.Provider, hostname string, tlsConfig *tls.Config) *Session {
	return &Session{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		state:     stateConnected,
		relay:     engine,
		provider:  prov,
		hostname:  hostname,
		maxSize:   defaultMaxMessageSize,
		log:       slog.Default().With("remote", conn.RemoteAddr().String()),
		tlsConfig: tlsConfig,
	}
}

// Handle runs the SMTP session, processing commands until the client
// disconnects or an error occurs.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP mask-relay", s.hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			s.log.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				s.log.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		done := s.handleCommand(ctx, cmd, arg)
		if done {
			return
		}
	}
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(ctx, arg)
	case "DATA":
		s.handleDATA(ctx)
	case "RSET":
		s.handleRSET()
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

// handleEHLO processes EHLO/HELO commands.
func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.resetTransaction()
	s.state = stateGreeted

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.hostname, arg)
		return
	}

	// EHLO response with capabilities
	s.writeLine("250-%s Hello %s", s.hostname, arg)
	if s.tlsConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	s.writeLine("250-8BITMIME")
	s.writeLine("250-SIZE %d", s.maxSize)
	s.writeLine("250 OK")
}

// handleSTARTTLS upgrades the connection to TLS.
func (s *Session) handleSTARTTLS() {
	if s.tlsConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.log.Error("TLS handshake failed", "error", err)
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.resetTransaction()
	s.state = stateConnected
}

// handleMAIL processes the MAIL FROM command. The null reverse-path is
// accepted so bounces can be relayed.
func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.state >= stateMailFrom {
		s.writeLine("503 Nested MAIL command")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	path, params := splitPath(arg[5:])
	from, err := email.ParseAddress(path)
	if err != nil {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	if v, ok := params["SIZE"]; ok {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeLine("501 Invalid SIZE parameter")
			return
		}
		if size > s.maxSize {
			s.writeLine("552 Message size exceeds fixed maximum message size")
			return
		}
	}

	s.tx = relay.NewTransaction(uuid.NewString(), from)
	s.state = stateMailFrom
	s.log.Debug("mail transaction started", "txn", s.tx.ID, "mail_from", from.String())
	s.writeLine("250 OK")
}

// handleRCPT processes the RCPT TO command and runs recipient resolution.
func (s *Session) handleRCPT(ctx context.Context, arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	path, _ := splitPath(arg[3:])
	rcpt, err := email.ParseAddress(path)
	if err != nil || rcpt.IsNull() {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	if err := s.relay.Recipient(ctx, s.tx, rcpt); err != nil {
		s.writeError(err)
		return
	}

	s.tx.RcptTo = append(s.tx.RcptTo, rcpt)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA reads the message, hands it to the relay and delivers the
// rewritten envelope through the provider.
// @MX:WARN: [AUTO] DATA handler reads until dot-stuffed terminator; input beyond maxSize is discarded
// @MX:REASON: Unbounded read from network until \r\n.\r\n terminator
func (s *Session) handleDATA(ctx context.Context) {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	raw, tooLarge, err := s.readData()
	if err != nil {
		s.log.Error("error reading DATA", "txn", s.tx.ID, "error", err)
		return
	}
	defer s.resetTransaction()

	if tooLarge {
		s.writeLine("552 Message size exceeds fixed maximum message size")
		return
	}

	msg, err := parser.Parse(raw)
	if err != nil {
		s.log.Error("failed to parse message", "txn", s.tx.ID, "error", err)
		s.writeLine("550 Failed to process message")
		return
	}

	tx := s.tx
	tx.Message = msg
	if err := s.relay.Data(ctx, tx); err != nil {
		s.writeError(err)
		return
	}

	if len(tx.RcptTo) == 0 {
		s.log.Info("message accepted with no recipients to deliver", "txn", tx.ID)
		s.writeLine("250 OK message accepted")
		return
	}

	out, err := parser.Compose(tx.MailFrom.String(), tx.Recipients(), msg)
	if err != nil {
		s.log.Error("failed to compose outbound message", "txn", tx.ID, "error", err)
		s.writeLine("451 Temporary failure, please try again later")
		return
	}

	if err := s.provider.Send(ctx, out); err != nil {
		metrics.Deliveries.WithLabelValues(s.provider.Name(), "failed").Inc()
		s.log.Error("provider send failed",
			"txn", tx.ID,
			"provider", s.provider.Name(),
			"error", err,
		)
		s.writeLine("451 Temporary failure, please try again later")
		return
	}

	metrics.Deliveries.WithLabelValues(s.provider.Name(), "sent").Inc()
	s.log.Info("message delivered",
		"txn", tx.ID,
		"provider", s.provider.Name(),
		"message_id", out.MessageID,
		"rcpt_count", len(out.RcptTo),
	)
	s.writeLine("250 OK message queued")
}

// readData reads dot-stuffed message content up to the terminating ".".
// Content past maxSize is read and discarded so the session stays in sync.
func (s *Session) readData() ([]byte, bool, error) {
	var data []byte
	tooLarge := false

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return nil, false, err
		}

		// Check for end of data marker
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}

		// Dot-stuffing: lines starting with ".." have the leading dot removed
		if strings.HasPrefix(trimmed, "..") {
			line = line[1:]
		}

		if tooLarge {
			continue
		}
		if int64(len(data)+len(line)) > s.maxSize {
			tooLarge = true
			data = nil
			continue
		}
		data = append(data, line...)
	}

	return data, tooLarge, nil
}

// handleRSET resets the current transaction state.
func (s *Session) handleRSET() {
	s.resetTransaction()
	s.writeLine("250 OK")
}

// resetTransaction clears the current mail transaction state without
// affecting the greeting.
func (s *Session) resetTransaction() {
	s.tx = nil
	if s.state >= stateGreeted {
		s.state = stateGreeted
	}
}

// writeError reports a relay error to the client. Rejections carry their
// own reply code; anything else is a temporary failure.
func (s *Session) writeError(err error) {
	var rej *relay.Rejection
	if errors.As(err, &rej) {
		s.writeLine("%d %s %s", rej.Code, rej.EnhancedCode, rej.Message)
		return
	}
	s.log.Error("relay error", "error", err)
	s.writeLine("451 4.3.0 Temporary failure, please try again later")
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	_, err := s.writer.WriteString(line + "\r\n")
	if err != nil {
		s.log.Error("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.log.Error("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// splitPath separates the path of a MAIL or RCPT argument from its ESMTP
// parameters, e.g. "<a@b.com> SIZE=100" yields "<a@b.com>" and {SIZE: 100}.
// Parameter keywords are upper-cased.
func splitPath(s string) (string, map[string]string) {
	s = strings.TrimSpace(s)

	var path, rest string
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return s, nil
		}
		path, rest = s[:end+1], s[end+1:]
	} else {
		fields := strings.SplitN(s, " ", 2)
		path = fields[0]
		if len(fields) > 1 {
			rest = fields[1]
		}
	}

	params := make(map[string]string)
	for _, p := range strings.Fields(rest) {
		key, value, _ := strings.Cut(p, "=")
		params[strings.ToUpper(key)] = value
	}
	return path, params
}
