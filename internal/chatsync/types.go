// Package chatsync keeps a two-party conversation view consistent while
// the realtime channel comes and goes. A per-conversation Controller
// prefers push delivery through a Notifier, falls back to polling the
// MessageStore when the channel fails, and merges both paths into one
// deduplicated, ordered view.
package chatsync

import (
	"context"
	"time"

	"github.com/alexjbarnes/chatsync/internal/models"
)

//go:generate mockgen -destination=mock_store_test.go -package=chatsync . MessageStore

// MessageStore is the persisted, ordered message store shared by the send
// path and the sync path. Every error it returns is treated as transient.
type MessageStore interface {
	Insert(ctx context.Context, conversationID, senderID, body string) (models.Message, error)
	FetchOrdered(ctx context.Context, conversationID string) ([]models.Message, error)
	MarkRead(ctx context.Context, ids []string) error
}

// Callbacks receive everything a subscription produces. Both may be
// invoked from notifier goroutines.
type Callbacks struct {
	OnChange func(models.ChangeEvent)
	OnStatus func(status ChannelStatus, err error)
}

// Subscription is a live push subscription for one conversation.
type Subscription interface {
	Unsubscribe() error
}

// Notifier opens push subscriptions. Subscribe may block while the
// underlying transport connects; confirmation arrives later through
// Callbacks.OnStatus with ChannelSubscribed.
type Notifier interface {
	Subscribe(ctx context.Context, conversationID string, cb Callbacks) (Subscription, error)
}

// ChannelStatus is the lifecycle of a single channel session.
type ChannelStatus int

const (
	ChannelConnecting ChannelStatus = iota
	ChannelSubscribed
	ChannelError
	ChannelClosed
)

func (s ChannelStatus) String() string {
	switch s {
	case ChannelConnecting:
		return "connecting"
	case ChannelSubscribed:
		return "subscribed"
	case ChannelError:
		return "error"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// State is the failover controller state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateLive
	StateDegraded
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connectivity is what a chat screen shows next to the conversation.
type Connectivity string

const (
	ConnectivityLive    Connectivity = "live"
	ConnectivitySyncing Connectivity = "syncing"
	ConnectivityClosed  Connectivity = "closed"
)

// Connectivity maps a controller state to the user-facing indicator.
func (s State) Connectivity() Connectivity {
	switch s {
	case StateLive:
		return ConnectivityLive
	case StateClosed:
		return ConnectivityClosed
	default:
		return ConnectivitySyncing
	}
}

const (
	defaultSubscribeTimeout     = 10 * time.Second
	defaultPollInterval         = 3 * time.Second
	defaultBackoffBase          = 1 * time.Second
	defaultBackoffFactor        = 2
	defaultBackoffMax           = 10 * time.Second
	defaultMaxReconnectAttempts = 3

	// storeCallTimeout bounds a single fetch or mark-read issued by the
	// controller so a hung request cannot stall the next poll forever.
	storeCallTimeout = 30 * time.Second

	// inboxSize is the buffer of the per-conversation event queue.
	inboxSize = 64
)

// Timing holds the failover timing knobs. Zero fields fall back to the
// defaults.
type Timing struct {
	SubscribeTimeout     time.Duration
	PollInterval         time.Duration
	BackoffBase          time.Duration
	BackoffFactor        int
	BackoffMax           time.Duration
	MaxReconnectAttempts int
}

// DefaultTiming returns 10s subscribe timeout, 3s polling and a 1s/2x/10s
// backoff with three reconnect attempts.
func DefaultTiming() Timing {
	return Timing{
		SubscribeTimeout:     defaultSubscribeTimeout,
		PollInterval:         defaultPollInterval,
		BackoffBase:          defaultBackoffBase,
		BackoffFactor:        defaultBackoffFactor,
		BackoffMax:           defaultBackoffMax,
		MaxReconnectAttempts: defaultMaxReconnectAttempts,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.SubscribeTimeout <= 0 {
		t.SubscribeTimeout = d.SubscribeTimeout
	}

	if t.PollInterval <= 0 {
		t.PollInterval = d.PollInterval
	}

	if t.BackoffBase <= 0 {
		t.BackoffBase = d.BackoffBase
	}

	if t.BackoffFactor <= 0 {
		t.BackoffFactor = d.BackoffFactor
	}

	if t.BackoffMax <= 0 {
		t.BackoffMax = d.BackoffMax
	}

	if t.MaxReconnectAttempts <= 0 {
		t.MaxReconnectAttempts = d.MaxReconnectAttempts
	}

	return t
}

// Backoff returns the delay before reconnect attempt n (1-based):
// base * factor^(n-1), capped at BackoffMax.
func (t Timing) Backoff(attempt int) time.Duration {
	delay := t.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= time.Duration(t.BackoffFactor)
		if delay >= t.BackoffMax {
			return t.BackoffMax
		}
	}

	return min(delay, t.BackoffMax)
}
