package parser

import (
	"strings"
	"testing"
)

func TestParse_HeaderAndBody(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: John Doe <john@example.com>",
		"To: alias@domain.me",
		"Subject: Test Subject",
		"Message-Id: <test123@example.com>",
		"References: <a@b.com> <c@d.com>",
		"",
		"Hello, this is a plain text email.",
		"",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := msg.Header.Get("From"); got != "John Doe <john@example.com>" {
		t.Errorf("From: got %q, want %q", got, "John Doe <john@example.com>")
	}
	if got := msg.Header.Get("message-id"); got != "<test123@example.com>" {
		t.Errorf("Message-Id: got %q, want %q", got, "<test123@example.com>")
	}
	if got := msg.Header.Get("References"); got != "<a@b.com> <c@d.com>" {
		t.Errorf("References: got %q, want %q", got, "<a@b.com> <c@d.com>")
	}
	if got := string(msg.Body); got != "Hello, this is a plain text email.\r\n" {
		t.Errorf("Body: got %q", got)
	}
}

func TestParse_HeaderOnly(t *testing.T) {
	t.Parallel()

	msg, err := Parse([]byte("Subject: no body"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := msg.Header.Get("Subject"); got != "no body" {
		t.Errorf("Subject: got %q, want %q", got, "no body")
	}
	if len(msg.Body) != 0 {
		t.Errorf("Body: got %q, want empty", msg.Body)
	}
}

func TestParse_Malformed(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("this is not a header line\r\n\r\nbody"))
	if err == nil {
		t.Fatal("expected error for malformed header")
	}
}

func TestBytes_RoundTripUnmodified(t *testing.T) {
	t.Parallel()

	raw := strings.Join([]string{
		"From: sender@example.com",
		"To: recipient@example.com",
		"Subject: Round trip",
		"",
		"Body line 1",
		"Body line 2",
		"",
	}, "\r\n")

	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, err := Bytes(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != raw {
		t.Errorf("round trip mismatch:\ngot:\n%q\nwant:\n%q", out, raw)
	}
}

func TestBytes_RewrittenHeaders(t *testing.T) {
	t.Parallel()

	msg, err := Parse([]byte("From: a@example.com\r\nTo: b@example.com\r\n\r\nhi\r\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg.Header.Del("From")
	msg.Header.Add("From", "Alias <alias@domain.me>")

	out, err := Bytes(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := string(out)
	if strings.Contains(s, "a@example.com") {
		t.Errorf("removed From still present:\n%s", s)
	}
	if !strings.Contains(s, "From: Alias <alias@domain.me>\r\n") {
		t.Errorf("rewritten From missing:\n%s", s)
	}
	if !strings.HasSuffix(s, "\r\n\r\nhi\r\n") {
		t.Errorf("body not preserved:\n%s", s)
	}
}

func TestCompose(t *testing.T) {
	t.Parallel()

	msg, err := Parse([]byte("Subject: =?UTF-8?Q?Caf=C3=A9?=\r\nMessage-Id: <x1@example.com>\r\n\r\nbody\r\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, err := Compose("SRS0=abcd=AB=test.com=joe@domain.me", []string{"real@dest.com"}, msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out.MailFrom != "SRS0=abcd=AB=test.com=joe@domain.me" {
		t.Errorf("MailFrom: got %q", out.MailFrom)
	}
	if len(out.RcptTo) != 1 || out.RcptTo[0] != "real@dest.com" {
		t.Errorf("RcptTo: got %v", out.RcptTo)
	}
	if out.Subject != "Café" {
		t.Errorf("Subject: got %q, want %q", out.Subject, "Café")
	}
	if out.MessageID != "x1@example.com" {
		t.Errorf("MessageID: got %q, want %q", out.MessageID, "x1@example.com")
	}
	if !strings.HasSuffix(string(out.Data), "\r\n\r\nbody\r\n") {
		t.Errorf("Data: got %q", out.Data)
	}
}

func TestCompose_UndecodableSubjectAndNoMessageID(t *testing.T) {
	t.Parallel()

	msg, err := Parse([]byte("Subject: =?x-unknown?Q?abc?=\r\n\r\nbody\r\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg.Header.Set("Reply-To", "Joe <alias@reply.domain.me>")

	out, err := Compose("", []string{"real@dest.com"}, msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out.Subject == "" {
		t.Error("Subject: got empty, want the raw header value")
	}
	if out.MessageID != "" {
		t.Errorf("MessageID: got %q, want empty", out.MessageID)
	}
	if !strings.Contains(string(out.Data), "Reply-To: Joe <alias@reply.domain.me>\r\n") {
		t.Errorf("Data does not carry the rewritten Reply-To: %q", out.Data)
	}
}
