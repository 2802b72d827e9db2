package async

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/tokligence/chatrelay/internal/ledger"
)

type memoryStore struct {
	mu      sync.Mutex
	entries []ledger.Entry
	closed  bool
}

func (m *memoryStore) Record(_ context.Context, e ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memoryStore) Summary(_ context.Context, subject string) (ledger.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s ledger.Summary
	for _, e := range m.entries {
		if e.Subject == subject {
			s.Exchanges++
			s.TotalTokens += e.PromptTokens + e.CompletionTokens
		}
	}
	return s, nil
}

func (m *memoryStore) ListRecent(context.Context, string, int) ([]ledger.Entry, error) {
	return nil, nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memoryStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func TestCloseFlushesAllWorkers(t *testing.T) {
	under := &memoryStore{}
	store := New(under, Config{BatchSize: 10, FlushInterval: time.Hour, NumWorkers: 4, Logger: log.New(io.Discard, "", 0)})

	for i := 0; i < 25; i++ {
		if err := store.Record(context.Background(), ledger.Entry{Subject: "u", PromptTokens: 1}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := under.count(); got != 25 {
		t.Fatalf("flushed %d entries, want 25", got)
	}
	if !under.closed {
		t.Fatal("underlying store not closed")
	}

	// Recording and closing again after close are no-ops.
	if err := store.Record(context.Background(), ledger.Entry{Subject: "u"}); err != nil {
		t.Fatalf("Record after close: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestFlushInterval(t *testing.T) {
	under := &memoryStore{}
	store := New(under, Config{BatchSize: 100, FlushInterval: 20 * time.Millisecond})
	defer store.Close()

	_ = store.Record(context.Background(), ledger.Entry{Subject: "u", PromptTokens: 2, CompletionTokens: 3})

	deadline := time.Now().Add(2 * time.Second)
	for under.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	summary, err := store.Summary(context.Background(), "u")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.Exchanges != 1 || summary.TotalTokens != 5 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestRecordDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	under := &blockingStore{memoryStore: &memoryStore{}, block: block}
	store := New(under, Config{BatchSize: 1, ChannelBuffer: 1, FlushInterval: time.Hour})

	for i := 0; i < 10; i++ {
		if err := store.Record(context.Background(), ledger.Entry{Subject: "u"}); err != nil {
			t.Fatalf("Record should never fail, got %v", err)
		}
	}
	close(block)
	_ = store.Close()
	if got := under.count(); got >= 10 {
		t.Fatalf("expected some entries to be dropped, recorded %d", got)
	}
}

type blockingStore struct {
	*memoryStore
	block chan struct{}
}

func (b *blockingStore) Record(ctx context.Context, e ledger.Entry) error {
	<-b.block
	return b.memoryStore.Record(ctx, e)
}
