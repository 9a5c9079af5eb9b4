package factory

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/framegate/internal/history"
)

func TestNewSinkFromDSN_SQLite(t *testing.T) {
	cases := []string{
		"sqlite://" + filepath.Join(t.TempDir(), "a.db"),
		filepath.Join(t.TempDir(), "b.db"),
		":memory:",
	}
	for _, dsn := range cases {
		sink, err := NewSinkFromDSN(dsn)
		if err != nil {
			t.Fatalf("dsn %q: %v", dsn, err)
		}
		if err := sink.Send(context.Background(), history.Event{
			Type: history.EventWorkerStart, OccurredAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("send via %q: %v", dsn, err)
		}
		if c, ok := sink.(history.Closer); ok {
			_ = c.Close()
		}
	}
}

func TestNewSinkFromDSN_OpenSearch(t *testing.T) {
	sink, err := NewSinkFromDSN("opensearch://localhost:9200?index=gallery_history")
	if err != nil {
		t.Fatalf("opensearch dsn: %v", err)
	}
	if sink == nil {
		t.Fatalf("nil sink")
	}
}

func TestNewSinkFromDSN_Invalid(t *testing.T) {
	if _, err := NewSinkFromDSN(""); err == nil {
		t.Fatalf("empty DSN must fail")
	}
	_, err := NewSinkFromDSN("redis://localhost:6379")
	if err == nil || !strings.Contains(err.Error(), "unsupported DSN") {
		t.Fatalf("unsupported scheme: %v", err)
	}
}
