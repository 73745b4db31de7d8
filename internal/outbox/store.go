package outbox

import "context"

// Store is the durable, ordered queue of pending records. ReplaceAll is the
// only way to remove records; there is no positional delete.
type Store interface {
	Enqueue(ctx context.Context, record Record) error
	ReadAll(ctx context.Context) ([]Record, error)
	ReplaceAll(ctx context.Context, records []Record) error
	Close() error
}
