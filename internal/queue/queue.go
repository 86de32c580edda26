// Package queue decouples webhook intake from scan execution. Jobs are
// delivered at least once; a worker acknowledges, reschedules or fails each
// delivery when its handler returns.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CosmoTheDev/covscan/internal/config"
	"github.com/CosmoTheDev/covscan/internal/database"
	"github.com/CosmoTheDev/covscan/models"
)

var (
	// ErrClosed is returned by Dequeue after Close.
	ErrClosed = errors.New("queue closed")
	// ErrLeaseLost means the delivery was reclaimed (lease expired) before
	// the worker settled it.
	ErrLeaseLost = errors.New("queue lease lost")
)

// Delivery is one leased job. receipt is backend-specific.
type Delivery struct {
	ID      string
	Job     models.ScanJob
	receipt any
}

// Queue is the async execution layer contract.
type Queue interface {
	// Enqueue makes job available no earlier than availableAt.
	Enqueue(ctx context.Context, job models.ScanJob, availableAt time.Time) error
	// Dequeue blocks until a job is available or ctx is done.
	Dequeue(ctx context.Context) (Delivery, error)
	// Ack removes a finished delivery.
	Ack(ctx context.Context, d Delivery) error
	// Retry reschedules the delivery's job with its attempt incremented.
	Retry(ctx context.Context, d Delivery, availableAt time.Time) error
	// Fail removes the delivery permanently, keeping it for inspection where
	// the backend supports it.
	Fail(ctx context.Context, d Delivery, reason string) error
	Close() error
}

// Stats is a point-in-time view of queue depth.
type Stats struct {
	Ready  int `json:"ready"`
	Leased int `json:"leased"`
	Dead   int `json:"dead"`
}

// Inspector is implemented by backends that can report depth.
type Inspector interface {
	Stats(ctx context.Context) (Stats, error)
}

// Extender is implemented by backends whose deliveries expire. A worker
// calls Extend every HeartbeatInterval while the handler runs; ErrLeaseLost
// means the delivery already went back to the queue.
type Extender interface {
	Extend(ctx context.Context, d Delivery) error
	HeartbeatInterval() time.Duration
}

// New builds the backend named by cfg.Backend. db is required for the "db"
// backend and ignored otherwise.
func New(cfg config.QueueConfig, db database.DB) (Queue, error) {
	switch cfg.Backend {
	case "", "db", "database":
		if db == nil {
			return nil, fmt.Errorf("queue backend db needs a database")
		}
		return NewDBQueue(db, DBOptions{
			Lease:        time.Duration(cfg.LeaseSeconds) * time.Second,
			PollInterval: time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		}), nil
	case "memory":
		return NewMemory(), nil
	case "kafka":
		return NewKafka(cfg.Kafka)
	default:
		return nil, fmt.Errorf("unsupported queue backend %q (supported: db, memory, kafka)", cfg.Backend)
	}
}
