package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/greenledger/internal/domain"
)

// Settlement events are published on this channel and appended to
// SettlementStream for replay.
const (
	SettlementChannel = "settlements"
	SettlementStream  = "stream:settlements"
)

// SettlementEvent is the payload published for every settlement state change.
type SettlementEvent struct {
	Event        string    `json:"event"`
	Type         string    `json:"type"`
	Wallet       string    `json:"wallet"`
	Region       string    `json:"region,omitempty"`
	Credits      int64     `json:"credits,omitempty"`
	TokenID      string    `json:"tokenId,omitempty"`
	TxHash       string    `json:"txHash,omitempty"`
	SettlementID string    `json:"settlementId,omitempty"`
	Status       string    `json:"status,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// eventPublisher fans events out to the signal bus and the event log. Both
// are optional, and failures are logged rather than returned.
type eventPublisher struct {
	bus    domain.SignalBus
	log    domain.EventLog
	logger *slog.Logger
}

func (p eventPublisher) publish(ctx context.Context, evt SettlementEvent) {
	if p.bus == nil && p.log == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		p.logger.WarnContext(ctx, "marshal settlement event", slog.String("error", err.Error()))
		return
	}
	if p.bus != nil {
		if err := p.bus.Publish(ctx, SettlementChannel, payload); err != nil {
			p.logger.WarnContext(ctx, "failed to publish settlement event",
				slog.String("event", evt.Event),
				slog.String("error", err.Error()),
			)
		}
	}
	if p.log != nil {
		if err := p.log.StreamAppend(ctx, SettlementStream, payload); err != nil {
			p.logger.WarnContext(ctx, "failed to append settlement event",
				slog.String("event", evt.Event),
				slog.String("error", err.Error()),
			)
		}
	}
}
