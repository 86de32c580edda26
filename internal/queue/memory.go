package queue

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/CosmoTheDev/covscan/models"
)

type memItem struct {
	id          int64
	job         models.ScanJob
	availableAt time.Time
}

// Memory is an in-process queue. Nothing survives a restart.
type Memory struct {
	mu       sync.Mutex
	seq      int64
	ready    []memItem
	inflight map[string]memItem
	dead     []models.ScanJob
	closed   bool
	wake     chan struct{}
	done     chan struct{}
	now      func() time.Time
}

// NewMemory creates an empty in-process queue.
func NewMemory() *Memory {
	return &Memory{
		inflight: map[string]memItem{},
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

func (m *Memory) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Memory) push(job models.ScanJob, at time.Time) {
	m.seq++
	m.ready = append(m.ready, memItem{id: m.seq, job: job, availableAt: at})
	sort.SliceStable(m.ready, func(i, j int) bool {
		return m.ready[i].availableAt.Before(m.ready[j].availableAt)
	})
}

func (m *Memory) Enqueue(ctx context.Context, job models.ScanJob, availableAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.push(job, availableAt)
	m.signal()
	return nil
}

func (m *Memory) Dequeue(ctx context.Context) (Delivery, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return Delivery{}, ErrClosed
		}
		wait := time.Second
		if len(m.ready) > 0 {
			head := m.ready[0]
			if d := head.availableAt.Sub(m.now()); d > 0 {
				wait = min(d, wait)
			} else {
				m.ready = m.ready[1:]
				id := strconv.FormatInt(head.id, 10)
				m.inflight[id] = head
				m.mu.Unlock()
				return Delivery{ID: id, Job: head.job}, nil
			}
		}
		m.mu.Unlock()

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return Delivery{}, ctx.Err()
		case <-m.done:
			t.Stop()
		case <-m.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

func (m *Memory) take(d Delivery) (memItem, error) {
	it, ok := m.inflight[d.ID]
	if !ok {
		return memItem{}, ErrLeaseLost
	}
	delete(m.inflight, d.ID)
	return it, nil
}

func (m *Memory) Ack(ctx context.Context, d Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.take(d)
	return err
}

func (m *Memory) Retry(ctx context.Context, d Delivery, availableAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.take(d)
	if err != nil {
		return err
	}
	m.push(it.job.NextAttempt(), availableAt)
	m.signal()
	return nil
}

func (m *Memory) Fail(ctx context.Context, d Delivery, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, err := m.take(d)
	if err != nil {
		return err
	}
	m.dead = append(m.dead, it.job)
	return nil
}

func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Ready: len(m.ready), Leased: len(m.inflight), Dead: len(m.dead)}, nil
}

// Dead returns the jobs that were failed permanently.
func (m *Memory) Dead() []models.ScanJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ScanJob(nil), m.dead...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}
