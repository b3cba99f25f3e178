package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"IrmaLedger/internal/core"
	"IrmaLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const subjectOutput = "irma.out"

// streamPublisher is the part of jetstream.JetStream the publisher uses
type streamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes decided events for downstream consumers on
// irma.out.<EventType>, or irma.out.rejected.<EventType> for rejections.
type OutboundPublisher struct {
	js        streamPublisher
	inputChan <-chan PublishableEvent
	metrics   *observability.Metrics
	log       zerolog.Logger
}

// PublishableEvent is a decided event in its outbound wire form.
type PublishableEvent struct {
	Sequence       int64              `json:"sequence"`
	EventType      string             `json:"event_type"`
	IdempotencyKey string             `json:"idempotency_key"`
	Partition      string             `json:"partition"`
	Rejection      string             `json:"rejection,omitempty"`
	RejectReason   string             `json:"reject_reason,omitempty"`
	Mint           *MintSummary       `json:"mint,omitempty"`
	Redemption     *RedemptionSummary `json:"redemption,omitempty"`
	Payload        json.RawMessage    `json:"payload"`
	StateHash      string             `json:"state_hash"`
	Timestamp      time.Time          `json:"timestamp"`
}

type MintSummary struct {
	Asset     string `json:"asset"`
	Price     string `json:"price"`
	ReserveIn uint64 `json:"reserve_in"`
	SupplyOut uint64 `json:"supply_out"`
}

type RedemptionSummary struct {
	Quote       string        `json:"quote"`
	Amount      uint64        `json:"amount"`
	Regime      string        `json:"regime"`
	Path        string        `json:"path"`
	FirstTarget string        `json:"first_target"`
	ReserveOut  uint64        `json:"reserve_out"`
	Burns       []BurnSummary `json:"burns"`
}

type BurnSummary struct {
	Asset  string `json:"asset"`
	Amount uint64 `json:"amount"`
}

// NewPublishableEvent converts a core output into its outbound form.
func NewPublishableEvent(out core.CoreOutput) (PublishableEvent, error) {
	payload, err := EncodeEvent(out.Event)
	if err != nil {
		return PublishableEvent{}, err
	}
	pe := PublishableEvent{
		Sequence:       out.Envelope.Sequence,
		EventType:      out.Envelope.EventType.String(),
		IdempotencyKey: out.Envelope.IdempotencyKey,
		Partition:      out.Envelope.Partition,
		Rejection:      out.Rejection,
		RejectReason:   out.RejectReason,
		Payload:        payload,
		StateHash:      hex.EncodeToString(out.Envelope.StateHash[:]),
		Timestamp:      out.Envelope.Timestamp,
	}
	if m := out.Mint; m != nil {
		pe.Mint = &MintSummary{
			Asset:     m.Asset.String(),
			Price:     m.Price.String(),
			ReserveIn: m.ReserveIn,
			SupplyOut: m.SupplyOut,
		}
	}
	if r := out.Redemption; r != nil {
		rs := &RedemptionSummary{
			Quote:       r.Quote.String(),
			Amount:      r.Amount,
			Regime:      r.Regime.String(),
			Path:        r.Path.String(),
			FirstTarget: r.FirstTarget.String(),
			ReserveOut:  r.ReserveOut,
			Burns:       make([]BurnSummary, 0, len(r.Burns)),
		}
		for _, b := range r.Burns {
			rs.Burns = append(rs.Burns, BurnSummary{Asset: b.Asset.String(), Amount: b.Amount})
		}
		pe.Redemption = rs
	}
	return pe, nil
}

// Subject returns the outbound subject of the event.
func (pe PublishableEvent) Subject() string {
	if pe.Rejection != "" {
		return fmt.Sprintf("%s.rejected.%s", subjectOutput, pe.EventType)
	}
	return fmt.Sprintf("%s.%s", subjectOutput, pe.EventType)
}

func NewOutboundPublisher(js streamPublisher, inputChan <-chan PublishableEvent, metrics *observability.Metrics, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log,
	}
}

// Run publishes until ctx is done or the input channel is closed.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// downstream consumers can fall back to the event log
				op.log.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// the global sequence doubles as the JetStream dedup id
	_, err = op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(fmt.Sprintf("irma-%d", evt.Sequence)))
	return err
}
