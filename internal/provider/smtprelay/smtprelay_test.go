package smtprelay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/smtp-mask-relay/internal/email"
)

type received struct {
	From string
	To   []string
	Data []byte
}

// testBackend records delivered messages and rejects recipients in reject.
type testBackend struct {
	mu       sync.Mutex
	messages []received
	reject   map[string]*smtp.SMTPError
}

func (b *testBackend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &testSession{backend: b}, nil
}

func (b *testBackend) all() []received {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]received(nil), b.messages...)
}

type testSession struct {
	backend *testBackend
	from    string
	to      []string
}

func (s *testSession) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *testSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	if err, ok := s.backend.reject[to]; ok {
		return err
	}
	s.to = append(s.to, to)
	return nil
}

func (s *testSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, received{From: s.from, To: s.to, Data: data})
	s.backend.mu.Unlock()
	return nil
}

func (s *testSession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *testSession) Logout() error {
	return nil
}

func startServer(t *testing.T, be *testBackend) string {
	t.Helper()

	server := smtp.NewServer(be)
	server.Domain = "upstream.test"
	server.AllowInsecureAuth = true

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() { _ = server.Serve(ln) }()
	t.Cleanup(func() { server.Close() })

	return ln.Addr().String()
}

func TestNew_RequiresHost(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestSend_Plain(t *testing.T) {
	be := &testBackend{}
	addr := startServer(t, be)

	p, err := New(Config{Host: addr, Hostname: "relay.domain.me"})
	require.NoError(t, err)
	assert.Equal(t, "smtp", p.Name())

	msg := &email.Email{
		MailFrom: "SRS0=abcd=XY=test.com=joe@domain.me",
		RcptTo:   []string{"real@dest.com", "other@dest.com"},
		Data:     []byte("Subject: Test\r\n\r\nhello\r\n"),
	}
	require.NoError(t, p.Send(context.Background(), msg))

	got := be.all()
	require.Len(t, got, 1)
	assert.Equal(t, msg.MailFrom, got[0].From)
	assert.Equal(t, msg.RcptTo, got[0].To)
	assert.Contains(t, string(got[0].Data), "hello")
}

func TestSend_NullSender(t *testing.T) {
	be := &testBackend{}
	addr := startServer(t, be)

	p, err := New(Config{Host: addr})
	require.NoError(t, err)

	require.NoError(t, p.Send(context.Background(), &email.Email{
		RcptTo: []string{"real@dest.com"},
		Data:   []byte("Subject: bounce\r\n\r\nx\r\n"),
	}))

	got := be.all()
	require.Len(t, got, 1)
	assert.Equal(t, "", got[0].From)
}

func TestSend_RecipientRejected(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		permanent bool
	}{
		{"permanent", 550, true},
		{"temporary", 451, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			be := &testBackend{reject: map[string]*smtp.SMTPError{
				"gone@dest.com": {Code: tt.code, Message: "rejected"},
			}}
			addr := startServer(t, be)

			p, err := New(Config{Host: addr})
			require.NoError(t, err)

			err = p.Send(context.Background(), &email.Email{
				MailFrom: "a@domain.me",
				RcptTo:   []string{"gone@dest.com"},
				Data:     []byte("Subject: x\r\n\r\nx\r\n"),
			})
			require.Error(t, err)

			var relayErr *RelayError
			require.True(t, errors.As(err, &relayErr))
			assert.Equal(t, tt.permanent, relayErr.Permanent)
			assert.Equal(t, tt.permanent, IsPermanentError(err))
			assert.Empty(t, be.all())
		})
	}
}

func TestSend_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	p, err := New(Config{Host: addr})
	require.NoError(t, err)

	err = p.Send(context.Background(), &email.Email{MailFrom: "a@b.com", RcptTo: []string{"c@d.com"}})
	require.Error(t, err)
	assert.False(t, IsPermanentError(err))
}

func TestSend_CancelledContext(t *testing.T) {
	p, err := New(Config{Host: "127.0.0.1:1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = p.Send(ctx, &email.Email{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestSend_StalledUpstreamHonoursContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	// Accept and never send a greeting.
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	t.Cleanup(func() {
		select {
		case conn := <-accepted:
			conn.Close()
		default:
		}
	})

	p, err := New(Config{Host: ln.Addr().String(), Hostname: "relay.domain.me"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = p.Send(ctx, &email.Email{MailFrom: "a@domain.me", RcptTo: []string{"c@d.com"}, Data: []byte("x\r\n")})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsPermanentError(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNew_DefaultTimeouts(t *testing.T) {
	p, err := New(Config{Host: "127.0.0.1:25"})
	require.NoError(t, err)
	assert.Equal(t, defaultCommandTimeout, p.cfg.CommandTimeout)
	assert.Equal(t, defaultSubmissionTimeout, p.cfg.SubmissionTimeout)
}

func TestIsPermanentError(t *testing.T) {
	assert.False(t, IsPermanentError(nil))
	assert.False(t, IsPermanentError(errors.New("network")))
	assert.True(t, IsPermanentError(&smtp.SMTPError{Code: 554}))
	assert.False(t, IsPermanentError(&smtp.SMTPError{Code: 421}))
	assert.True(t, IsPermanentError(fmt.Errorf("wrapped: %w", &RelayError{Err: errors.New("x"), Permanent: true})))
}
