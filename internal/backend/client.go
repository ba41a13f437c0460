package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crowdbot/internal/delivery"
	logx "crowdbot/pkg/logx"

	json "github.com/goccy/go-json"
)

const (
	DefaultTimeout = 15 * time.Second
	maxBodyBytes   = 8 << 20
)

type Config struct {
	PostsURL string
	UsersURL string
	APIKey   string
	Timeout  time.Duration
}

// Client is the posts and users API client. It implements
// delivery.ContentSource and delivery.RecipientDirectory.
type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

var (
	_ delivery.ContentSource      = (*Client)(nil)
	_ delivery.RecipientDirectory = (*Client)(nil)
)

func New(cfg Config, log logx.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.PostsURL = strings.TrimRight(cfg.PostsURL, "/")
	cfg.UsersURL = strings.TrimRight(cfg.UsersURL, "/")
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.With(logx.String("comp", "backend")),
	}
}

// ListPosts returns every well-formed post. Malformed entries are skipped.
func (c *Client) ListPosts(ctx context.Context) ([]delivery.Post, error) {
	raw, err := c.list(ctx, c.cfg.PostsURL)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	out := make([]delivery.Post, 0, len(raw))
	for _, r := range raw {
		var wp wirePost
		if err := json.Unmarshal(r, &wp); err != nil || wp.ID <= 0 {
			c.log.Debug("malformed post skipped", logx.Err(err))
			continue
		}
		created, err := parsePostTime(wp.DateCreate)
		// An empty title is fine; a missing one is not.
		if err != nil || wp.Title == nil {
			c.log.Debug("post without title or creation time skipped", logx.Int64("post", int64(wp.ID)))
			continue
		}
		out = append(out, delivery.Post{
			ID:        delivery.PostID(wp.ID),
			Title:     *wp.Title,
			Body:      wp.Text,
			CreatedAt: created,
			Images:    nonEmpty(wp.Image),
			Videos:    nonEmpty(wp.Video),
		})
	}
	c.log.Debug("posts fetched", logx.Int("count", len(out)), logx.Int("raw", len(raw)))
	return out, nil
}

// ListRecipients returns every well-formed subscriber.
func (c *Client) ListRecipients(ctx context.Context) ([]delivery.Recipient, error) {
	raw, err := c.list(ctx, c.cfg.UsersURL)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	out := make([]delivery.Recipient, 0, len(raw))
	for _, r := range raw {
		var u User
		if err := json.Unmarshal(r, &u); err != nil || u.ID == 0 {
			c.log.Debug("malformed user skipped", logx.Err(err))
			continue
		}
		out = append(out, recipientOf(u))
	}
	c.log.Debug("users fetched", logx.Int("count", len(out)))
	return out, nil
}

func (c *Client) SetActive(ctx context.Context, id int64, active bool) error {
	_, err := c.UpdateUser(ctx, id, UserPatch{Active: &active})
	return err
}

// GetUser returns ErrNotFound when the user does not exist.
func (c *Client) GetUser(ctx context.Context, id int64) (User, error) {
	var u User
	err := c.do(ctx, http.MethodGet, c.userURL(id), nil, &u)
	return u, err
}

func (c *Client) CreateUser(ctx context.Context, id int64, name string) (User, error) {
	var u User
	err := c.do(ctx, http.MethodPost, c.cfg.UsersURL, newUser{ID: id, Name: name}, &u)
	if err == nil {
		c.log.Info("user created", logx.Int64("user", id))
	}
	return u, err
}

func (c *Client) UpdateUser(ctx context.Context, id int64, patch UserPatch) (User, error) {
	var u User
	err := c.do(ctx, http.MethodPatch, c.userURL(id), patch, &u)
	return u, err
}

func (c *Client) userURL(id int64) string {
	return c.cfg.UsersURL + "/" + strconv.FormatInt(id, 10)
}

func (c *Client) list(ctx context.Context, url string) ([]json.RawMessage, error) {
	var env listEnvelope
	if err := c.do(ctx, http.MethodGet, url, nil, &env); err != nil {
		return nil, err
	}
	return env.Results, nil
}

func (c *Client) do(ctx context.Context, method, url string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	c.log.Trace("backend request",
		logx.String("method", method),
		logx.String("url", url),
		logx.Int("status", resp.StatusCode),
		logx.Duration("dur", time.Since(start)),
	)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%w: %s %s: %d %s", ErrStatus, method, url, resp.StatusCode, snippet(b))
	}
	if out == nil || len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

func recipientOf(u User) delivery.Recipient {
	return delivery.Recipient{
		ID:          int64(u.ID),
		DisplayName: u.Name,
		Active:      u.Active,
		WindowStart: u.StartTime,
		WindowEnd:   u.EndTime,
		UTCOffset:   u.TimeZone,
	}
}

func nonEmpty(in []string) []string {
	out := in[:0:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func snippet(b []byte) string {
	const n = 200
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
