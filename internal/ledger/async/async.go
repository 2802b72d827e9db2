package async

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/tokligence/chatrelay/internal/ledger"
)

// Store wraps a ledger.Store with asynchronous batch writes so that recording
// an exchange never delays the end of a stream.
// Entries may be lost if the process crashes before flushing.
type Store struct {
	underlying    ledger.Store
	entryChan     chan ledger.Entry
	batchSize     int
	flushInterval time.Duration
	wg            sync.WaitGroup
	mu            sync.RWMutex
	closed        bool
	closeOnce     sync.Once
	logger        *log.Logger
}

// Config configures the async ledger behavior.
type Config struct {
	BatchSize     int           // Maximum entries per batch (default: 100)
	FlushInterval time.Duration // Maximum time between flushes (default: 1s)
	ChannelBuffer int           // Channel buffer size (default: 10000)
	NumWorkers    int           // Number of parallel batch writers (default: 1)
	Logger        *log.Logger   // Optional logger for diagnostics
}

// New wraps an existing ledger store with async batch writing.
func New(underlying ledger.Store, cfg Config) *Store {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 1 * time.Second
	}
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = 10000
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}

	s := &Store{
		underlying:    underlying,
		entryChan:     make(chan ledger.Entry, cfg.ChannelBuffer),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		logger:        cfg.Logger,
	}

	for i := 0; i < cfg.NumWorkers; i++ {
		s.wg.Add(1)
		go s.batchWriter(i)
	}

	if s.logger != nil {
		s.logger.Printf("[async-ledger] started %d worker(s), batch_size=%d, flush_interval=%v, buffer=%d",
			cfg.NumWorkers, cfg.BatchSize, cfg.FlushInterval, cfg.ChannelBuffer)
	}

	return s
}

// batchWriter batches entries and writes them periodically until the entry
// channel is closed and drained.
func (s *Store) batchWriter(workerID int) {
	defer s.wg.Done()

	batch := make([]ledger.Entry, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}

		start := time.Now()
		ctx := context.Background()
		successCount := 0
		for _, entry := range batch {
			if err := s.underlying.Record(ctx, entry); err != nil {
				if s.logger != nil {
					s.logger.Printf("[async-ledger] worker-%d ERROR writing entry: %v", workerID, err)
				}
				continue
			}
			successCount++
		}

		if s.logger != nil {
			s.logger.Printf("[async-ledger] worker-%d flushed %d/%d entries in %v",
				workerID, successCount, len(batch), time.Since(start))
		}

		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-s.entryChan:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= s.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

// Record queues an entry for asynchronous writing (non-blocking). Entries are
// dropped when the buffer is full or the store is closed.
func (s *Store) Record(ctx context.Context, entry ledger.Entry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	select {
	case s.entryChan <- entry:
	default:
		if s.logger != nil {
			s.logger.Printf("[async-ledger] WARNING: channel full, dropping entry")
		}
	}
	return nil
}

// Summary delegates to the underlying store (blocking operation).
func (s *Store) Summary(ctx context.Context, subject string) (ledger.Summary, error) {
	return s.underlying.Summary(ctx, subject)
}

// ListRecent delegates to the underlying store (blocking operation).
func (s *Store) ListRecent(ctx context.Context, subject string, limit int) ([]ledger.Entry, error) {
	return s.underlying.ListRecent(ctx, subject, limit)
}

// Ping reports the underlying store's reachability; stores without a
// Ping method are assumed reachable.
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.underlying.(ledger.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close flushes remaining entries and closes the underlying store.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.entryChan)
		s.mu.Unlock()

		s.wg.Wait()
		err = s.underlying.Close()
	})
	return err
}
