package stdout

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/shineum/smtp-mask-relay/internal/email"
)

func TestSend_Envelope(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf, false)

	msg := &email.Email{
		MailFrom:  "SRS0=abcd=XY=test.com=joe@domain.me",
		RcptTo:    []string{"alice@example.com", "bob@example.com"},
		MessageID: "m1@test.com",
		Subject:   "Monthly Report",
		Data:      []byte("Subject: Monthly Report\r\n\r\nPlease find the report attached.\r\n"),
	}

	err := p.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()

	if !strings.Contains(output, "Mail-From: SRS0=abcd=XY=test.com=joe@domain.me") {
		t.Error("output missing envelope sender")
	}
	if !strings.Contains(output, "Rcpt-To: alice@example.com, bob@example.com") {
		t.Error("output missing envelope recipients")
	}
	if !strings.Contains(output, "Subject: Monthly Report") {
		t.Error("output missing Subject")
	}
	if !strings.Contains(output, "Message-ID: m1@test.com") {
		t.Error("output missing Message-ID")
	}
	if strings.Contains(output, "Please find the report attached.") {
		t.Error("output should not contain message data unless requested")
	}
	if !strings.HasPrefix(output, "========================================\n") {
		t.Error("output should start with separator line")
	}
	if !strings.HasSuffix(output, "========================================\n") {
		t.Error("output should end with separator line")
	}
}

func TestSend_ShowData(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf, true)

	msg := &email.Email{
		MailFrom: "a@domain.me",
		RcptTo:   []string{"recipient@example.com"},
		Data:     []byte("Subject: x\r\n\r\nhello there"),
	}

	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "hello there\n====") {
		t.Errorf("output should contain the data followed by the separator, got %q", output)
	}
}

func TestSend_NullSender(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf, false)

	if err := p.Send(context.Background(), &email.Email{RcptTo: []string{"r@example.com"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "Mail-From: <>") {
		t.Error("output should show the null reverse-path")
	}
}

func TestName(t *testing.T) {
	t.Parallel()

	p := New()
	if p.Name() != "stdout" {
		t.Errorf("Name: got %q, want %q", p.Name(), "stdout")
	}
}

func TestFormatSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		bytes int
		want  string
	}{
		{name: "zero bytes", bytes: 0, want: "0 B"},
		{name: "small bytes", bytes: 512, want: "512 B"},
		{name: "kilobytes", bytes: 46080, want: "45.0 KB"},
		{name: "megabytes", bytes: 1258291, want: "1.2 MB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := formatSize(tt.bytes)
			if got != tt.want {
				t.Errorf("formatSize(%d): got %q, want %q", tt.bytes, got, tt.want)
			}
		})
	}
}
