package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	obsmetrics "github.com/voyagecrm/affiliate/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Event types emitted after financially meaningful commits. Consumers (SMS,
// email) are external collaborators behind the Notifier interface; their
// failures never roll back the state change that produced the event.
const (
	EventSaleApproved       = "sale.approved"
	EventContractTerminated = "contract.terminated"
	EventContractRecovered  = "contract.recovered"
	EventSettlementApproved = "settlement.approved"
)

const (
	statusPending   = "pending"
	statusDelivered = "delivered"
)

type Event struct {
	Type      string
	Payload   map[string]any
	DedupeKey string
}

// OutboxEvent is the persisted form: written in the same transaction as the
// state change, delivered later by the scheduler sweep.
type OutboxEvent struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Type        string            `gorm:"type:text;not null;index"`
	Payload     datatypes.JSONMap `gorm:"type:jsonb"`
	DedupeKey   string            `gorm:"type:text;not null;uniqueIndex"`
	Status      string            `gorm:"type:text;not null;index"`
	Attempts    int               `gorm:"not null;default:0"`
	LastError   *string           `gorm:"type:text"`
	CreatedAt   time.Time         `gorm:"not null"`
	DeliveredAt *time.Time
}

// TableName sets the database table name.
func (OutboxEvent) TableName() string { return "outbox_events" }

// Notifier is the post-commit delivery boundary (SMS/email collaborators).
type Notifier interface {
	Notify(ctx context.Context, eventType string, payload map[string]any) error
}

type Outbox struct {
	db         *gorm.DB
	log        *zap.Logger
	obsMetrics *obsmetrics.EngineMetrics
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	ObsMetrics *obsmetrics.EngineMetrics `optional:"true"`
}

func NewOutbox(p Params) *Outbox {
	return &Outbox{
		db:         p.DB,
		log:        p.Log.Named("events.outbox"),
		obsMetrics: p.ObsMetrics,
	}
}

// PublishTx records the event inside the caller's transaction. A duplicate
// dedupe key is a no-op so replayed requests do not fan out twice.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, event Event) error {
	row := OutboxEvent{
		ID:        uuid.New(),
		Type:      event.Type,
		Payload:   datatypes.JSONMap(event.Payload),
		DedupeKey: event.DedupeKey,
		Status:    statusPending,
		CreatedAt: time.Now().UTC(),
	}
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO outbox_events (id, type, payload, dedupe_key, status, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		row.ID,
		row.Type,
		row.Payload,
		row.DedupeKey,
		row.Status,
		row.CreatedAt,
	)
	return result.Error
}

// DispatchPending delivers up to limit pending events. Each delivery happens
// outside any transaction; a failed delivery stays pending with the error
// recorded and is retried on the next sweep.
func (o *Outbox) DispatchPending(ctx context.Context, notifier Notifier, limit int) (int, error) {
	if notifier == nil {
		return 0, nil
	}
	if limit <= 0 {
		limit = 50
	}

	var pending []OutboxEvent
	err := o.db.WithContext(ctx).
		Where("status = ?", statusPending).
		Order("created_at asc").
		Limit(limit).
		Find(&pending).Error
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, event := range pending {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}

		deliverErr := notifier.Notify(ctx, event.Type, event.Payload)
		now := time.Now().UTC()
		if deliverErr != nil {
			msg := deliverErr.Error()
			o.log.Warn("outbox delivery failed",
				zap.String("event_id", event.ID.String()),
				zap.String("type", event.Type),
				zap.Error(deliverErr),
			)
			if o.obsMetrics != nil {
				o.obsMetrics.RecordOutboxDelivery("failed")
			}
			if err := o.db.WithContext(ctx).Model(&OutboxEvent{}).
				Where("id = ?", event.ID).
				Updates(map[string]any{
					"attempts":   gorm.Expr("attempts + 1"),
					"last_error": msg,
				}).Error; err != nil {
				return delivered, err
			}
			continue
		}

		if err := o.db.WithContext(ctx).Model(&OutboxEvent{}).
			Where("id = ?", event.ID).
			Updates(map[string]any{
				"status":       statusDelivered,
				"attempts":     gorm.Expr("attempts + 1"),
				"delivered_at": now,
			}).Error; err != nil {
			return delivered, err
		}
		if o.obsMetrics != nil {
			o.obsMetrics.RecordOutboxDelivery("delivered")
		}
		delivered++
	}
	return delivered, nil
}

var Module = fx.Module("events.outbox",
	fx.Provide(NewOutbox),
	fx.Provide(NewLogNotifier),
)
