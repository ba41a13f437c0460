package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type DeliveryStatus string

const (
	StatusDelivered   DeliveryStatus = "delivered"
	StatusFailed      DeliveryStatus = "failed"
	StatusUnreachable DeliveryStatus = "unreachable"
)

// DeliveryRecord is one post outcome for one recipient.
// Keep it compact and schema-stable.
type DeliveryRecord struct {
	At          time.Time      `json:"at"`
	CycleID     string         `json:"cycle_id"`
	RecipientID int64          `json:"recipient_id"`
	PostID      int64          `json:"post_id"`
	Status      DeliveryStatus `json:"status"`
	Media       int            `json:"media"`
	MediaFailed int            `json:"media_failed,omitempty"`
	Error       string         `json:"error,omitempty"`
	TookMS      int64          `json:"took_ms"`
}
