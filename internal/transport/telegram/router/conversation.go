package router

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// step is what a chat is expected to send next.
type step int

const (
	stepNone step = iota
	stepWindow
	stepOffset
)

func (s step) String() string {
	switch s {
	case stepWindow:
		return "window"
	case stepOffset:
		return "offset"
	default:
		return "none"
	}
}

const (
	defaultConversationTTL  = 15 * time.Minute
	defaultConversationSize = 10_000
)

// conversations tracks pending input per chat. Entries expire so an
// abandoned prompt does not swallow a later message.
type conversations struct {
	lru *expirable.LRU[int64, step]
}

func newConversations(size int, ttl time.Duration) *conversations {
	if size <= 0 {
		size = defaultConversationSize
	}
	if ttl <= 0 {
		ttl = defaultConversationTTL
	}
	return &conversations{lru: expirable.NewLRU[int64, step](size, nil, ttl)}
}

func (c *conversations) expect(chatID int64, s step) {
	if s == stepNone {
		c.lru.Remove(chatID)
		return
	}
	c.lru.Add(chatID, s)
}

func (c *conversations) pending(chatID int64) step {
	s, ok := c.lru.Get(chatID)
	if !ok {
		return stepNone
	}
	return s
}

func (c *conversations) end(chatID int64) { c.lru.Remove(chatID) }
