package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// WriteOp is a single row insert to be batched.
type WriteOp struct {
	Table   string
	Columns []string
	Values  []any
}

// SinkConfig configures the write sink.
type SinkConfig struct {
	DB            *DB
	BatchSize     int           // Flush after N ops (default: 100)
	FlushInterval time.Duration // Or after duration (default: 2s)
	QueueSize     int           // Buffer size (default: 1000)
	Logger        *slog.Logger
}

// Sink batches inserts so hot paths never wait on the database.
// Each flush writes one transaction per table.
type Sink struct {
	db     *DB
	logger *slog.Logger

	batchSize     int
	flushInterval time.Duration

	queue   chan WriteOp
	batch   []WriteOp
	flushCh chan chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
}

// NewSink creates a new write sink. Call Start before sending.
func NewSink(cfg SinkConfig) *Sink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sink{
		db:            cfg.DB,
		logger:        cfg.Logger,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		queue:         make(chan WriteOp, cfg.QueueSize),
		batch:         make([]WriteOp, 0, cfg.BatchSize),
		flushCh:       make(chan chan struct{}),
	}
}

// Start begins processing write operations.
func (s *Sink) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.wg.Add(1)
	go s.runBatcher()
}

// Stop flushes everything queued and shuts the sink down.
func (s *Sink) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()

		s.wg.Wait()
		s.cancel()
		s.logger.Debug("sink stopped")
	})
}

// Send queues an insert (fire-and-forget). Ops sent after Stop are dropped.
func (s *Sink) Send(op WriteOp) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.logger.Warn("sink closed, dropping write", "table", op.Table)
		return
	}
	s.queue <- op
}

// Flush writes the current batch and waits for it to finish.
func (s *Sink) Flush(ctx context.Context) error {
	done := make(chan struct{})
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil
	}
	select {
	case s.flushCh <- done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sink) runBatcher() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case op, ok := <-s.queue:
			if !ok {
				s.flushBatch()
				return
			}
			s.batch = append(s.batch, op)
			if len(s.batch) >= s.batchSize {
				s.flushBatch()
			}
		case <-ticker.C:
			s.flushBatch()
		case done := <-s.flushCh:
			// drain what is already queued so Flush covers prior Sends
			for drained := false; !drained; {
				select {
				case op, ok := <-s.queue:
					if !ok {
						drained = true
						break
					}
					s.batch = append(s.batch, op)
				default:
					drained = true
				}
			}
			s.flushBatch()
			close(done)
		}
	}
}

func (s *Sink) flushBatch() {
	if len(s.batch) == 0 {
		return
	}
	ops := s.batch
	s.batch = make([]WriteOp, 0, s.batchSize)

	s.logger.Debug("flushing batch", "count", len(ops))

	grouped := make(map[string][]WriteOp)
	var order []string
	for _, op := range ops {
		if _, ok := grouped[op.Table]; !ok {
			order = append(order, op.Table)
		}
		grouped[op.Table] = append(grouped[op.Table], op)
	}
	for _, table := range order {
		s.processInserts(table, grouped[table])
	}
}

// processInserts writes a group of same-table inserts in one transaction.
func (s *Sink) processInserts(table string, ops []WriteOp) {
	err := s.db.WithTx(s.ctx, func(tx *Tx) error {
		for _, op := range ops {
			if _, err := tx.ExecContext(s.ctx, InsertSQL(op.Table, op.Columns), op.Values...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("batch insert failed", "table", table, "count", len(ops), "error", err)
	}
}

// InsertSQL builds a `?`-placeholder INSERT statement.
func InsertSQL(table string, columns []string) string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), marks)
}
