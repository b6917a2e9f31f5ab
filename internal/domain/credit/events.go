package credit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// EventType names a ledger event.
type EventType string

const (
	EventCreditAdded         EventType = "credit_added"
	EventCreditConsumed      EventType = "credit_consumed"
	EventCreditStatusUpdated EventType = "credit_status_updated"
	EventBalanceUpdated      EventType = "user_balance_updated"
	EventCreditExpired       EventType = "credit_expired"
	EventCreditsTransferred  EventType = "credits_transferred"
	EventTypeRegistered      EventType = "credit_type_registered"
	EventTypeUnregistered    EventType = "credit_type_unregistered"
)

// Event is published after the ledger change it describes has committed.
// Fields not relevant to the event type are left zero.
type Event struct {
	Type       EventType       `json:"type"`
	UserID     int64           `json:"user_id"`
	GrantID    int64           `json:"grant_id,omitempty"`
	CreditType TypeID          `json:"credit_type,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	OldStatus  Status          `json:"old_status,omitempty"`
	NewStatus  Status          `json:"new_status,omitempty"`
	Balance    decimal.Decimal `json:"balance"`
	ToUserID   int64           `json:"to_user_id,omitempty"`
	TransferID string          `json:"transfer_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// EventHandler receives published events. Handlers run synchronously on the
// publishing goroutine and must not call back into the bus.
type EventHandler func(ctx context.Context, e Event)

// EventBus is a synchronous typed publish/subscribe hub.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]EventHandler
	all      []EventHandler
}

func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[EventType][]EventHandler)}
}

// Subscribe registers h for events of type t.
func (b *EventBus) Subscribe(t EventType, h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers h for every event type.
func (b *EventBus) SubscribeAll(h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers e to its subscribers. A panicking handler is logged and
// does not stop delivery to the rest.
func (b *EventBus) Publish(ctx context.Context, e Event) {
	if b == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers[e.Type])+len(b.all))
	handlers = append(handlers, b.handlers[e.Type]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(ctx, h, e)
	}
}

func (b *EventBus) dispatch(ctx context.Context, h EventHandler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("event", string(e.Type)).
				Msg("Credit event handler panicked")
		}
	}()
	h(ctx, e)
}

// AuditLogger writes every ledger event to the global logger.
func AuditLogger(ctx context.Context, e Event) {
	ev := log.Info().
		Str("event", string(e.Type)).
		Int64("user_id", e.UserID)

	if e.GrantID != 0 {
		ev = ev.Int64("grant_id", e.GrantID)
	}
	if e.CreditType != "" {
		ev = ev.Str("credit_type", string(e.CreditType))
	}
	if !e.Amount.IsZero() {
		ev = ev.Str("amount", e.Amount.String())
	}
	if e.NewStatus != "" {
		ev = ev.Str("old_status", string(e.OldStatus)).Str("new_status", string(e.NewStatus))
	}
	if e.Type == EventBalanceUpdated {
		ev = ev.Str("balance", e.Balance.String())
	}
	if e.TransferID != "" {
		ev = ev.Str("transfer_id", e.TransferID).Int64("to_user_id", e.ToUserID)
	}
	ev.Msg("Credit ledger event")
}
