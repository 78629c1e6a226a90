package adapter

import (
	"errors"
	"strings"
	"testing"
	"time"

	kit "castbot/internal/transport"
)

func TestSplitTextShortPassthrough(t *testing.T) {
	got := splitText("hello", 10, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("unexpected chunks: %q", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitText(s, 10, "")
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("unexpected chunks: %q", got)
	}
}

func TestSplitTextAvoidsCuttingHTMLTags(t *testing.T) {
	s := "abcdef<b>bold</b>"
	got := splitText(s, 8, "HTML")
	if got[0] != "abcdef" {
		t.Fatalf("first chunk %q cut inside a tag", got[0])
	}
	if strings.Join(got, "") != s {
		t.Fatalf("chunks lost content: %q", got)
	}
}

func TestAPIErrMapsFloodWait(t *testing.T) {
	err := apiErr(errors.New("telegram: retry after 17 (429)"))
	d, ok := kit.RetryAfter(err)
	if !ok || d != 17*time.Second {
		t.Fatalf("retry after = %v, %v", d, ok)
	}
	if _, ok := kit.RetryAfter(apiErr(errors.New("telegram: chat not found (400)"))); ok {
		t.Fatal("plain error mapped to flood wait")
	}
	if apiErr(nil) != nil {
		t.Fatal("nil error mapped")
	}
}

func TestNotModified(t *testing.T) {
	if !notModified(errors.New("telegram: Bad Request: message is not modified: specified new message content and reply markup are exactly the same (400)")) {
		t.Fatal("not matched")
	}
}
