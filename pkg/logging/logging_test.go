package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestOperationIDFromCtx(t *testing.T) {
	ctx := context.Background()
	if got := OperationIDFromCtx(ctx); got != "" {
		t.Errorf("OperationIDFromCtx(empty) = %q, want empty", got)
	}

	ctx = WithOperationID(ctx, "op-123")
	if got := OperationIDFromCtx(ctx); got != "op-123" {
		t.Errorf("OperationIDFromCtx() = %q, want %q", got, "op-123")
	}
}

func TestStart(t *testing.T) {
	ctx, id := Start(context.Background())
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("Start() id = %q is not a UUID: %v", id, err)
	}

	again, sameID := Start(ctx)
	if sameID != id {
		t.Errorf("Start() on annotated ctx = %q, want existing %q", sameID, id)
	}
	if again != ctx {
		t.Error("Start() on annotated ctx should return it unchanged")
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := WithOperationID(context.Background(), "op-abc")
	FromContext(ctx, base).Info("sweep complete", "evicted", 3)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry[OperationIDAttr] != "op-abc" {
		t.Errorf("%s = %v, want op-abc", OperationIDAttr, entry[OperationIDAttr])
	}
	if entry["evicted"] != float64(3) {
		t.Errorf("evicted = %v, want 3", entry["evicted"])
	}

	// A nil base logger must not panic.
	FromContext(ctx, nil).Info("dropped")
}

func TestSampler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	s := NewSampler(time.Hour, 2)

	written := 0
	for i := 0; i < 10; i++ {
		if s.Log(context.Background(), logger, slog.LevelWarn, "spill skipped") {
			written++
		}
	}

	if written != 2 {
		t.Errorf("written = %d, want 2", written)
	}
	if s.Suppressed() != 8 {
		t.Errorf("Suppressed() = %d, want 8", s.Suppressed())
	}
	if got := strings.Count(buf.String(), "spill skipped"); got != 2 {
		t.Errorf("log lines = %d, want 2", got)
	}
}
