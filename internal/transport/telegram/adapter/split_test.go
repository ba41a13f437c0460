package adapter

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	kit "crowdbot/internal/transport"

	tele "gopkg.in/telebot.v4"
)

func TestSplitTelegramTextShort(t *testing.T) {
	t.Parallel()
	got := splitTelegramText("hello", 10, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("unexpected chunks %q", got)
	}
}

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	line := strings.Repeat("a", 30)
	text := strings.Join([]string{line, line, line, line}, "\n")
	got := splitTelegramText(text, 70, "")
	if len(got) != 2 {
		t.Fatalf("chunks = %d, want 2: %q", len(got), got)
	}
	for _, c := range got {
		if utf8.RuneCountInString(c) > 70 {
			t.Fatalf("chunk too long: %d", utf8.RuneCountInString(c))
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk has stray newline: %q", c)
		}
	}
	if strings.Join(got, "\n") != text {
		t.Fatal("chunks do not reassemble the input")
	}
}

func TestSplitTelegramTextAvoidsOpenTag(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("x", 18) + "<b>bold</b>"
	got := splitTelegramText(text, 20, "HTML")
	if !strings.HasPrefix(got[1], "<b>") {
		t.Fatalf("tag was split: %q", got)
	}
}

func TestSplitTelegramTextRunes(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("привет", 10)
	got := splitTelegramText(text, 7, "")
	for _, c := range got {
		if !utf8.ValidString(c) {
			t.Fatalf("invalid utf8 chunk %q", c)
		}
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want error
	}{
		{tele.ErrBlockedByUser, kit.ErrRecipientUnreachable},
		{fmt.Errorf("send: %w", tele.ErrChatNotFound), kit.ErrRecipientUnreachable},
		{errors.New("telegram: Forbidden: user is deactivated (403)"), kit.ErrRecipientUnreachable},
		{errors.New("telegram: retry after 5 (429)"), kit.ErrTransientSend},
		{errors.New("telegram: message is too long (400)"), nil},
	}
	for _, tc := range cases {
		got := classify(tc.err)
		if tc.want == nil {
			if errors.Is(got, kit.ErrRecipientUnreachable) || errors.Is(got, kit.ErrTransientSend) {
				t.Fatalf("classify(%v) = %v, want unclassified", tc.err, got)
			}
			continue
		}
		if !errors.Is(got, tc.want) || !errors.Is(got, tc.err) {
			t.Fatalf("classify(%v) = %v, want %v wrapping original", tc.err, got, tc.want)
		}
	}
	if classify(nil) != nil {
		t.Fatal("classify(nil) should be nil")
	}
}
