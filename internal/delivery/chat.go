package delivery

import (
	"context"
	"errors"

	kit "crowdbot/internal/transport"
)

// ChatTransport delivers through a chat adapter. An artifact uploaded once is
// re-sent by its platform file id for the rest of the cycle.
type ChatTransport struct {
	adapter kit.Adapter
}

func NewChatTransport(a kit.Adapter) *ChatTransport { return &ChatTransport{adapter: a} }

func (c *ChatTransport) SendText(ctx context.Context, to int64, text string) error {
	_, err := c.adapter.SendText(ctx, kit.ChatTarget{ChatID: to}, text, &kit.SendOptions{DisablePreview: true})
	return err
}

func (c *ChatTransport) SendImage(ctx context.Context, to int64, a *Artifact) error {
	return c.sendMedia(ctx, to, a, KindImage, c.adapter.SendPhoto)
}

func (c *ChatTransport) SendVideo(ctx context.Context, to int64, a *Artifact) error {
	return c.sendMedia(ctx, to, a, KindVideo, c.adapter.SendVideo)
}

type mediaSender func(ctx context.Context, to kit.ChatTarget, m kit.Media) (string, error)

func (c *ChatTransport) sendMedia(ctx context.Context, to int64, a *Artifact, kind MediaKind, send mediaSender) error {
	target := kit.ChatTarget{ChatID: to}
	if id := a.RemoteID(kind); id != "" {
		_, err := send(ctx, target, kit.Media{RemoteID: id, MIME: a.ContentType})
		if err == nil || errors.Is(err, kit.ErrRecipientUnreachable) || ctx.Err() != nil {
			return err
		}
		// The cached id was rejected; upload the file again.
	}
	id, err := send(ctx, target, kit.Media{Path: a.Path, MIME: a.ContentType})
	if err != nil {
		return err
	}
	a.SetRemoteID(kind, id)
	return nil
}
