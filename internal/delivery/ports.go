package delivery

import (
	"context"
	"io"
	"time"

	kit "crowdbot/internal/transport"
)

// Post is one feed entry. It is read-only once fetched.
type Post struct {
	ID        PostID
	Title     string
	Body      string
	CreatedAt time.Time
	Images    []string
	Videos    []string
}

// Text is the message body sent for a post.
func (p Post) Text() string { return p.Title + "\n\n" + p.Body }

// Recipient is a subscriber as returned by the registry.
type Recipient struct {
	ID          int64
	DisplayName string
	Active      bool
	WindowStart string
	WindowEnd   string
	UTCOffset   string
}

// ContentSource lists the current feed. Implementations should return an
// empty list rather than partial garbage; an error is treated as zero posts.
type ContentSource interface {
	ListPosts(ctx context.Context) ([]Post, error)
}

// RecipientDirectory is the subscriber registry.
type RecipientDirectory interface {
	ListRecipients(ctx context.Context) ([]Recipient, error)
	SetActive(ctx context.Context, recipientID int64, active bool) error
}

// MessageTransport delivers to a recipient. Errors wrapping
// ErrRecipientUnreachable deactivate the recipient; everything else is
// logged and left for the next cycle.
type MessageTransport interface {
	SendText(ctx context.Context, to int64, text string) error
	SendImage(ctx context.Context, to int64, a *Artifact) error
	SendVideo(ctx context.Context, to int64, a *Artifact) error
}

// Fetcher downloads url into w and returns the reported content type.
type Fetcher interface {
	Fetch(ctx context.Context, url string, w io.Writer) (contentType string, err error)
}

var (
	ErrRecipientUnreachable = kit.ErrRecipientUnreachable
	ErrTransientSend        = kit.ErrTransientSend
	ErrPartialSend          = kit.ErrPartialSend
)
