// Package lane serializes work per conversation.
//
// Every key (one chat, optionally one thread) gets a lane with its own worker
// goroutine: tasks submitted to the same key run one at a time in submission
// order, while different keys proceed in parallel. Idle lanes exit on their own.
package lane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultIdleTimeout = 5 * time.Minute
	DefaultQueueSize   = 100
)

var (
	ErrStopped  = errors.New("lane manager stopped")
	ErrLaneFull = errors.New("lane queue full")
)

// Task is one unit of work for a lane.
type Task func()

type lane struct {
	key   string
	queue chan Task
}

// Config configures a Manager.
type Config struct {
	IdleTimeout time.Duration
	QueueSize   int
}

// Manager owns all lanes.
type Manager struct {
	mu          sync.Mutex
	lanes       map[string]*lane
	idleTimeout time.Duration
	queueSize   int
	closed      bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
	logger      *slog.Logger
}

// NewManager creates a lane manager.
func NewManager(log *slog.Logger, cfg Config) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Manager{
		lanes:       make(map[string]*lane),
		idleTimeout: cfg.IdleTimeout,
		queueSize:   cfg.QueueSize,
		stopCh:      make(chan struct{}),
		logger:      log.With(slog.String("component", "lane")),
	}
}

// Submit queues task on the lane for key without waiting for it to run.
func (m *Manager) Submit(key string, task Task) error {
	if task == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStopped
	}
	l, ok := m.lanes[key]
	if !ok {
		l = &lane{key: key, queue: make(chan Task, m.queueSize)}
		m.lanes[key] = l
		m.wg.Add(1)
		go m.runWorker(l)
	}
	select {
	case l.queue <- task:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrLaneFull, key)
	}
}

// Do runs task on the lane for key and waits for it to finish.
func (m *Manager) Do(ctx context.Context, key string, task Task) error {
	done := make(chan struct{})
	if err := m.Submit(key, func() {
		defer close(done)
		task()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) runWorker(l *lane) {
	defer m.wg.Done()
	timer := time.NewTimer(m.idleTimeout)
	defer timer.Stop()
	for {
		select {
		case task := <-l.queue:
			m.run(l, task)
			timer.Reset(m.idleTimeout)
		case <-timer.C:
			m.mu.Lock()
			// Submit enqueues under m.mu, so an empty queue here stays empty.
			if len(l.queue) == 0 {
				delete(m.lanes, l.key)
				m.mu.Unlock()
				return
			}
			m.mu.Unlock()
			timer.Reset(m.idleTimeout)
		case <-m.stopCh:
			for {
				select {
				case task := <-l.queue:
					m.run(l, task)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) run(l *lane, task Task) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("lane task panicked", slog.String("lane", l.key), slog.Any("panic", r))
		}
	}()
	task()
}

// Stop refuses new work, lets queued tasks finish and waits for workers,
// bounded by ctx.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stopCh)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of live lanes.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lanes)
}
