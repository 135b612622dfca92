package port

import (
	"context"

	"github.com/rl1809/rigstock/internal/core/domain"
)

type CacheRepository interface {
	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ReleaseIdempotency drops a key whose request was rejected so it may be resubmitted
	ReleaseIdempotency(ctx context.Context, key string) error

	// PublishStock pushes committed quantities to read-side subscribers. An
	// entry older than the version already published for its record is ignored.
	PublishStock(ctx context.Context, companyID string, stock domain.StockCounts) error
}

// DraftRepository keeps in-progress build selections between requests.
type DraftRepository interface {
	SaveDraft(ctx context.Context, draft domain.Draft) error

	// GetDraft returns nil when the draft does not exist or has expired
	GetDraft(ctx context.Context, id string) (*domain.Draft, error)

	DeleteDraft(ctx context.Context, id string) error
}

// EventPublisher forwards committed order changes to reporting consumers.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, event domain.OrderEvent) error
}

// StockFeed is the read-only view of published stock snapshots that live
// previews subscribe to.
type StockFeed interface {
	Snapshot(ctx context.Context, companyID string) (map[string]int, error)

	// SubscribeStock delivers quantities as they are published. The channel
	// closes when ctx is done.
	SubscribeStock(ctx context.Context, companyID string) (<-chan map[string]int, error)
}
