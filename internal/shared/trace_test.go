package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultAndRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected \"-\", got %q", got)
	}

	ctx = WithTraceID(ctx, "trace-123")
	if got := TraceID(ctx); got != "trace-123" {
		t.Fatalf("expected trace-123, got %q", got)
	}
}

func TestRunID_DefaultAndRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := RunID(ctx); got != "-" {
		t.Fatalf("expected \"-\", got %q", got)
	}

	ctx = WithRunID(ctx, "run-456")
	if got := RunID(ctx); got != "run-456" {
		t.Fatalf("expected run-456, got %q", got)
	}
}

func TestNewTraceID_NewRunID_Unique(t *testing.T) {
	if NewTraceID() == NewTraceID() {
		t.Fatal("expected distinct trace IDs")
	}
	if NewRunID() == NewRunID() {
		t.Fatal("expected distinct run IDs")
	}
}
