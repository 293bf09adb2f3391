package sentinel

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"
)

func TestParseLSNOrZero(t *testing.T) {
	lsn, err := parseLSNOrZero("")
	if err != nil || lsn != 0 {
		t.Fatalf("empty string should parse to zero LSN, got %v/%v", lsn, err)
	}

	lsn, err = parseLSNOrZero("0/16B3748")
	if err != nil {
		t.Fatalf("parseLSNOrZero: %v", err)
	}
	if lsn.String() != "0/16B3748" {
		t.Errorf("round-trip mismatch: %s", lsn.String())
	}

	if _, err := parseLSNOrZero("not-an-lsn"); err == nil {
		t.Error("expected an error for malformed LSN")
	}
}

func TestCoordinator_FetchSyncSentinel_NoSendIsImmediatelyDone(t *testing.T) {
	c := NewCoordinator(nil, "pgmover.sentinel", zerolog.Nop())
	done, row, err := c.FetchSyncSentinel()
	if !done {
		t.Fatal("with nothing in flight, FetchSyncSentinel should report done=true")
	}
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row != (Row{}) {
		t.Errorf("expected zero-value Row, got %+v", row)
	}
}

func TestCoordinator_SendSyncSentinel_RejectsConcurrentSend(t *testing.T) {
	c := &Coordinator{table: "pgmover.sentinel", logger: zerolog.Nop(), inFlight: true}
	err := c.SendSyncSentinel(context.Background(), 0, 0)
	if err != ErrAlreadyInFlight {
		t.Fatalf("expected ErrAlreadyInFlight, got %v", err)
	}
}

func TestCoordinator_InFlightReflectsState(t *testing.T) {
	c := &Coordinator{table: "pgmover.sentinel", logger: zerolog.Nop()}
	if c.InFlight() {
		t.Fatal("fresh coordinator should not report in-flight")
	}

	c.mu.Lock()
	c.inFlight = true
	c.mu.Unlock()

	if !c.InFlight() {
		t.Error("should report in-flight after being set")
	}
}

func TestRow_ZeroValueHasApplyDisabled(t *testing.T) {
	var r Row
	if r.ApplyEnabled {
		t.Error("zero-value Row should have apply disabled")
	}
	if r.Endpos != pglogrepl.LSN(0) {
		t.Error("zero-value Row should have a zero endpos")
	}
}

func TestDrainSyncSentinel_ContextCancelled(t *testing.T) {
	c := &Coordinator{table: "pgmover.sentinel", logger: zerolog.Nop()}
	c.mu.Lock()
	c.inFlight = true
	c.resultCh = make(chan fetchResult)
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.DrainSyncSentinel(ctx, time.Millisecond)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
