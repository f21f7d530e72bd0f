package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-escrow/internal/types"
)

type Type string

const (
	TradeCreated     Type = "TRADE_CREATED"
	PaymentDeposited Type = "PAYMENT_DEPOSITED"
	AssetDeposited   Type = "ASSET_DEPOSITED"
	TradeReady       Type = "TRADE_READY"
	TradeBlocked     Type = "TRADE_BLOCKED"
	TradeExecuted    Type = "TRADE_EXECUTED"
	TradeCancelled   Type = "TRADE_CANCELLED"
	DisputeRaised    Type = "DISPUTE_RAISED"
	DisputeResolved  Type = "DISPUTE_RESOLVED"
	TradeExpired     Type = "TRADE_EXPIRED"
	SettingsChanged  Type = "SETTINGS_CHANGED"
	EnginePaused     Type = "ENGINE_PAUSED"
	EngineUnpaused   Type = "ENGINE_UNPAUSED"
)

// Event is a committed state change of the escrow engine
type Event struct {
	ID         string                 `json:"id"`
	Type       Type                   `json:"type"`
	TradeID    uint64                 `json:"trade_id,omitempty"`
	Actor      types.Address          `json:"actor"`
	Status     string                 `json:"status,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

func New(typ Type, tradeID uint64, actor types.Address, status string, data map[string]interface{}, at time.Time) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       typ,
		TradeID:    tradeID,
		Actor:      actor,
		Status:     status,
		Data:       data,
		OccurredAt: at.UTC(),
	}
}

// Publisher delivers events to observers. Publish is called after the change
// it describes has been committed.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// LogPublisher writes every event to the global logger
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, event Event) error {
	log.Info().
		Str("component", "events").
		Str("event_id", event.ID).
		Str("type", string(event.Type)).
		Uint64("trade_id", event.TradeID).
		Str("actor", event.Actor.Hex()).
		Str("status", event.Status).
		Interface("data", event.Data).
		Msg("trade event")
	return nil
}

// Fanout publishes to every publisher and joins their errors
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
