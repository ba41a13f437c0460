package backend

import (
	"bytes"
	"errors"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
)

var (
	ErrNotFound = errors.New("backend: not found")
	ErrStatus   = errors.New("backend: unexpected status")
)

// postTimeLayout is the creation-time format used by the posts table.
const postTimeLayout = "2006-01-02T15:04:05.000Z"

type listEnvelope struct {
	Results []json.RawMessage `json:"results"`
}

type wirePost struct {
	ID         flexInt64 `json:"id"`
	Title      *string   `json:"title"`
	Text       string    `json:"text"`
	DateCreate string    `json:"date_create"`
	Image      []string  `json:"image"`
	Video      []string  `json:"video"`
}

// User is a subscriber record. StartTime and EndTime are "HH:MM" or
// "HH:MM:SS"; TimeZone is "+HH:MM".
type User struct {
	ID        flexInt64 `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	StartTime string    `json:"start_time"`
	EndTime   string    `json:"end_time"`
	TimeZone  string    `json:"time_zone"`
}

func (u User) ChatID() int64 { return int64(u.ID) }

// UserPatch is a partial update. Nil fields are left untouched.
type UserPatch struct {
	Active    *bool   `json:"active,omitempty"`
	StartTime *string `json:"start_time,omitempty"`
	EndTime   *string `json:"end_time,omitempty"`
	TimeZone  *string `json:"time_zone,omitempty"`
}

type newUser struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// flexInt64 accepts both 42 and "42".
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		return errors.New("empty id")
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt64(v)
	return nil
}

func (f flexInt64) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(f), 10)), nil
}

func parsePostTime(s string) (time.Time, error) {
	if t, err := time.Parse(postTimeLayout, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
