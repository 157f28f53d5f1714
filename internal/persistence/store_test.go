package persistence

import (
	"context"
	"testing"
)

func TestEncodeDecodeEmbeddingRoundTrips(t *testing.T) {
	in := []float32{0, 1.5, -3.25, 1e10, -1e-10}
	out := decodeEmbedding(encodeEmbedding(in))
	if len(out) != len(in) {
		t.Fatalf("expected %d floats, got %d", len(in), len(out))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("index %d: expected %v, got %v", i, in[i], out[i])
		}
	}
}

func TestDecodeEmbeddingRejectsMisalignedBlob(t *testing.T) {
	if out := decodeEmbedding([]byte{1, 2, 3}); out != nil {
		t.Errorf("expected nil for misaligned blob, got %v", out)
	}
	if out := decodeEmbedding(nil); out != nil {
		t.Errorf("expected nil for empty blob, got %v", out)
	}
}

func TestEnsureSessionIsIdempotent(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.EnsureSession(ctx, "sess-1", "/work"); err != nil {
		t.Fatalf("first EnsureSession: %v", err)
	}
	if err := s.EnsureSession(ctx, "sess-1", "/work"); err != nil {
		t.Fatalf("second EnsureSession should be a no-op, got: %v", err)
	}
}

func TestInsertMessageRequiresSession(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.EnsureSession(ctx, "sess-1", ""); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if err := s.InsertMessage(ctx, ChatMessageRow{ID: "m1", SessionID: "sess-1", Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	rows, err := s.GetHistory(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(rows) != 1 || rows[0].Content != "hi" {
		t.Fatalf("unexpected history: %+v", rows)
	}
}

func TestGetHistoryRespectsLimitAndOrder(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.EnsureSession(ctx, "sess-1", ""); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	for i, content := range []string{"a", "b", "c"} {
		row := ChatMessageRow{ID: string(rune('0' + i)), SessionID: "sess-1", Role: "user", Content: content}
		if err := s.InsertMessage(ctx, row); err != nil {
			t.Fatalf("InsertMessage %d: %v", i, err)
		}
	}

	rows, err := s.GetHistory(ctx, "sess-1", 2)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Content != "b" || rows[1].Content != "c" {
		t.Fatalf("expected last 2 in chronological order, got %+v", rows)
	}
}

func TestUpsertTodosOverwritesPreviousValue(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.UpsertTodos(ctx, "sess-1", `[{"text":"a"}]`); err != nil {
		t.Fatalf("first UpsertTodos: %v", err)
	}
	if err := s.UpsertTodos(ctx, "sess-1", `[{"text":"b"}]`); err != nil {
		t.Fatalf("second UpsertTodos: %v", err)
	}
}
