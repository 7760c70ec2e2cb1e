package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type recordingWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublishMatchesKeysByMatchedItem(t *testing.T) {
	w := &recordingWriter{}
	p := &Producer{writer: w, logger: zap.NewNop()}

	ev := NewMatchFound("item-found", "user-2", "item-lost", "user-1", 91.5)
	if err := p.PublishMatches(context.Background(), []MatchFound{ev}); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "item-lost" {
		t.Fatalf("unexpected key: %s", msg.Key)
	}

	var decoded MatchFound
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if decoded.Type != MatchFoundType || decoded.SimilarityScore != 91.5 || decoded.EventID == "" {
		t.Fatalf("unexpected payload: %+v", decoded)
	}
}

func TestPublishMatchesSkipsEmptyBatch(t *testing.T) {
	w := &recordingWriter{}
	p := &Producer{writer: w, logger: zap.NewNop()}

	if err := p.PublishMatches(context.Background(), nil); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(w.msgs) != 0 {
		t.Fatalf("expected no messages, got %d", len(w.msgs))
	}
	if err := p.Close(); err != nil || !w.closed {
		t.Fatalf("expected writer to be closed, err=%v", err)
	}
}

func TestNewProducerDoesNotBlockCallers(t *testing.T) {
	p := NewProducer([]string{"localhost:9092"}, "lostfound.matches", zap.NewNop())
	t.Cleanup(func() { _ = p.Close() })

	w, ok := p.writer.(*kafka.Writer)
	if !ok {
		t.Fatalf("expected *kafka.Writer, got %T", p.writer)
	}
	if !w.Async {
		t.Fatal("expected asynchronous writes so registration never waits on a batch")
	}
	if w.Completion == nil {
		t.Fatal("expected a completion callback to report delivery failures")
	}
	if _, ok := w.Balancer.(*kafka.Hash); !ok {
		t.Fatalf("expected hash balancer, got %T", w.Balancer)
	}
}
