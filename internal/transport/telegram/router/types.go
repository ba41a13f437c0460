package router

import (
	"context"
	"time"

	"crowdbot/internal/backend"
	"crowdbot/internal/delivery"
	"crowdbot/internal/storage"
	"crowdbot/internal/task/engine"
	"crowdbot/internal/task/scheduler"
	kit "crowdbot/internal/transport"
	logx "crowdbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

// CallbackRoute handles inline-button data of the form "ns:action[:payload]".
type CallbackRoute struct {
	Namespace string
	Action    string
	Access    Access
	Timeout   time.Duration
	Handle    CallbackHandlerFunc
}

// TextHandlerFunc handles plain (non-command) text. handled=false falls
// through to the greeting.
type TextHandlerFunc func(ctx context.Context, req *Request) (handled bool, err error)

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	From    string // username, or display name when there is none
	Command string // route name or "cb:ns:action"
	Args    []string
	Text    string // raw message text
	Payload string // callback payload
	ReqID   string

	Adapter kit.Adapter
	Logger  logx.Logger
	IsOwner bool
}

// UserStore is the subscriber side of the backend.
type UserStore interface {
	GetUser(ctx context.Context, id int64) (backend.User, error)
	CreateUser(ctx context.Context, id int64, name string) (backend.User, error)
	UpdateUser(ctx context.Context, id int64, patch backend.UserPatch) (backend.User, error)
}

// DispatchStatus exposes the dispatcher to operator commands.
type DispatchStatus interface {
	State() delivery.State
	LastReport() (delivery.Report, bool)
}

type SchedulerPort interface {
	RunNow(name string) error
	Snapshot() scheduler.Snapshot
}

type EnginePort interface {
	Snapshot() engine.Snapshot
}

type DeliveryLog interface {
	RecentDeliveries(ctx context.Context, recipientID int64, limit int) ([]storage.DeliveryRecord, error)
}

// Services are the collaborators handlers reach. Any of them may be nil in
// minimal setups; handlers degrade to a short notice.
type Services struct {
	Users      UserStore
	Ledger     *delivery.Ledger
	Dispatch   DispatchStatus
	Scheduler  SchedulerPort
	Engine     EnginePort
	Deliveries DeliveryLog
	// DispatchJob is the scheduler entry /dispatch_now triggers.
	DispatchJob string

	RuntimeSupervisors *SupervisorRegistry
}
