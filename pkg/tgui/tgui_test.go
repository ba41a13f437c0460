package tgui

import (
	"errors"
	"strings"
	"testing"
)

func TestDataRoundTrip(t *testing.T) {
	d, err := Data("menu", "change_time", "")
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if d != "menu:change_time" {
		t.Fatalf("data = %q", d)
	}
	ns, action, payload, ok := ParseData("menu:status:a:b")
	if !ok || ns != "menu" || action != "status" || payload != "a:b" {
		t.Fatalf("parse = %q %q %q %v", ns, action, payload, ok)
	}
	if _, _, _, ok := ParseData("menu"); ok {
		t.Fatal("data without action should not parse")
	}
}

func TestDataTooLong(t *testing.T) {
	_, err := Data("ns", "act", strings.Repeat("x", MaxCallbackDataLen))
	if !errors.Is(err, ErrCallbackDataTooLong) {
		t.Fatalf("err = %v", err)
	}
}

func TestInlineSkipsEmptyRows(t *testing.T) {
	kb := NewInline()
	if kb.Markup() != nil {
		t.Fatal("empty keyboard should have nil markup")
	}
	kb.Row().Row(Btn("Help", "menu:help"))
	if kb.Len() != 1 {
		t.Fatalf("rows = %d", kb.Len())
	}
	if kb.Markup() == nil || len(kb.Markup().InlineKeyboard) != 1 {
		t.Fatal("expected one inline row")
	}
}

func TestHTMLHelpers(t *testing.T) {
	if got := B("a<b"); got != "<b>a&lt;b</b>" {
		t.Fatalf("B = %q", got)
	}
	if got := Line(Esc("x"), "", Code("y")); got != "x <code>y</code>" {
		t.Fatalf("Line = %q", got)
	}
	if got := JoinLines("a", "", "b"); got != "a\n\nb" {
		t.Fatalf("JoinLines = %q", got)
	}
}

func TestTruncRunes(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "he…"},
		{"привет", 4, "при…"},
		{"abc", 1, "…"},
		{"abc", 0, ""},
	}
	for _, tc := range cases {
		if got := TruncRunes(tc.in, tc.n); got != tc.want {
			t.Errorf("TruncRunes(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}
