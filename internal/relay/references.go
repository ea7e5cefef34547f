package relay

import (
	"regexp"
	"strings"

	"github.com/emersion/go-message/textproto"
)

var (
	referenceRe = regexp.MustCompile(`<(.*?)>`)
	addrSegRe   = regexp.MustCompile(`<.*>`)
)

// FetchReferences returns every identifier enclosed in angle brackets in a
// References, In-Reply-To or Message-ID value, in order.
func FetchReferences(value string) []string {
	matches := referenceRe.FindAllStringSubmatch(strings.TrimSpace(value), -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// ThreadID returns the identifier a message is tracked under: the first
// References entry for replies, otherwise the message's own Message-ID.
// ok is false when the chosen header holds no usable identifier.
func ThreadID(h *textproto.Header) (id string, ok bool) {
	value := h.Get("References")
	if value == "" {
		value = h.Get("Message-Id")
	}

	refs := FetchReferences(value)
	if len(refs) == 0 {
		return "", false
	}
	id = strings.TrimSpace(refs[0])
	return id, id != ""
}

// DisplayName returns a From header value with its <address> segment
// removed, e.g. "John Doe <john@example.com>" becomes "John Doe".
func DisplayName(from string) string {
	return strings.TrimSpace(addrSegRe.ReplaceAllString(from, ""))
}

// formatMailbox renders name <addr>, or <addr> without a display name.
func formatMailbox(name, addr string) string {
	if name == "" {
		return "<" + addr + ">"
	}
	return name + " <" + addr + ">"
}
