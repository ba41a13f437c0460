package delivery

import (
	"context"
	"errors"
	"testing"

	kit "crowdbot/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAdapter struct {
	kit.Adapter // unused methods panic

	texts  []string
	photos []kit.Media
	videos []kit.Media
	// rejectRemote makes sends by file id fail.
	rejectRemote bool
	photoErr     error
}

func (r *recordingAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	r.texts = append(r.texts, text)
	return kit.MessageRef{}, nil
}

func (r *recordingAdapter) SendPhoto(_ context.Context, _ kit.ChatTarget, m kit.Media) (string, error) {
	r.photos = append(r.photos, m)
	if r.photoErr != nil {
		return "", r.photoErr
	}
	if m.RemoteID != "" && r.rejectRemote {
		return "", errors.New("wrong file identifier")
	}
	return "photo-id", nil
}

func (r *recordingAdapter) SendVideo(_ context.Context, _ kit.ChatTarget, m kit.Media) (string, error) {
	r.videos = append(r.videos, m)
	return "video-id", nil
}

func TestChatTransportReusesRemoteID(t *testing.T) {
	t.Parallel()
	ad := &recordingAdapter{}
	tr := NewChatTransport(ad)
	a := &Artifact{URL: "u", Path: "/tmp/1.jpg"}

	require.NoError(t, tr.SendImage(context.Background(), 1, a))
	require.NoError(t, tr.SendImage(context.Background(), 2, a))
	require.Len(t, ad.photos, 2)
	assert.Equal(t, "/tmp/1.jpg", ad.photos[0].Path)
	assert.Equal(t, "photo-id", ad.photos[1].RemoteID)

	// The photo id is not reused for a video upload.
	require.NoError(t, tr.SendVideo(context.Background(), 1, a))
	assert.Empty(t, ad.videos[0].RemoteID)
	assert.Equal(t, "video-id", a.RemoteID(KindVideo))
}

func TestChatTransportFallsBackToUpload(t *testing.T) {
	t.Parallel()
	ad := &recordingAdapter{rejectRemote: true}
	tr := NewChatTransport(ad)
	a := &Artifact{URL: "u", Path: "/tmp/1.jpg"}
	a.SetRemoteID(KindImage, "stale")

	require.NoError(t, tr.SendImage(context.Background(), 1, a))
	require.Len(t, ad.photos, 2)
	assert.Equal(t, "/tmp/1.jpg", ad.photos[1].Path)
}

func TestChatTransportUnreachableNoFallback(t *testing.T) {
	t.Parallel()
	ad := &recordingAdapter{photoErr: kit.ErrRecipientUnreachable}
	tr := NewChatTransport(ad)
	a := &Artifact{URL: "u", Path: "/tmp/1.jpg"}
	a.SetRemoteID(KindImage, "cached")

	err := tr.SendImage(context.Background(), 1, a)
	assert.ErrorIs(t, err, ErrRecipientUnreachable)
	assert.Len(t, ad.photos, 1)
}

func TestChatTransportText(t *testing.T) {
	t.Parallel()
	ad := &recordingAdapter{}
	require.NoError(t, NewChatTransport(ad).SendText(context.Background(), 1, "hi"))
	assert.Equal(t, []string{"hi"}, ad.texts)
}
