package tgui

import (
	"errors"
	"strings"
	"testing"
)

func TestDataRoundTripKeepsColonsInPayload(t *testing.T) {
	d := Data("bc", "start", "42:x")
	scope, action, payload, ok := ParseData(d)
	if !ok || scope != "bc" || action != "start" || payload != "42:x" {
		t.Fatalf("ParseData(%q) = %q %q %q %v", d, scope, action, payload, ok)
	}
	if _, _, _, ok := ParseData("nocolon"); ok {
		t.Fatalf("ParseData accepted data without action")
	}
}

func TestCheckedDataLimit(t *testing.T) {
	if _, err := CheckedData("bc", "start", strings.Repeat("9", 70)); !errors.Is(err, ErrCallbackDataTooLong) {
		t.Fatalf("err = %v", err)
	}
	if d, err := CheckedData("bc", "stop", "7"); err != nil || d != "bc:stop:7" {
		t.Fatalf("CheckedData = %q, %v", d, err)
	}
}

func TestBuilderEscapes(t *testing.T) {
	m := New().Title("📣", "a<b").KV("text", "x & y").Bullets("", "@chat").Build()
	want := "📣 <b>a&lt;b</b>\n• <b>text</b>: x &amp; y\n• @chat"
	if m.Text != want {
		t.Fatalf("text = %q, want %q", m.Text, want)
	}
	if m.Opt.ParseMode != "HTML" || !m.Opt.DisablePreview || m.Opt.ReplyMarkupAdapter != nil {
		t.Fatalf("opts = %+v", m.Opt)
	}
	kb := NewInline().Row(Btn("Start", "bc:start:1"))
	if m := New().Line("x").Inline(kb).Build(); m.Opt.ReplyMarkupAdapter == nil {
		t.Fatalf("keyboard not attached")
	}
}

func TestTruncRunes(t *testing.T) {
	if got := TruncRunes("привет мир", 4); got != "при…" {
		t.Fatalf("TruncRunes = %q", got)
	}
	if got := TruncRunes("short", 10); got != "short" {
		t.Fatalf("TruncRunes = %q", got)
	}
}
