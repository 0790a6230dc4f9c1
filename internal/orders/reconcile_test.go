package orders

import (
	"context"
	"testing"
	"time"

	"alertbridge/internal/broker"
	"alertbridge/internal/model"
)

// submitOpen places one order through the coordinator and returns it.
func submitOpen(t *testing.T, f *fixture) *model.OrderRecord {
	t.Helper()
	rec, err := f.coord.Submit(context.Background(), f.connID, marketBuyIntent())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return rec
}

func TestReconcileCompleteTransitionFiresOnce(t *testing.T) {
	f := newFixture(t, model.KindZerodha)
	rec := submitOpen(t, f)
	submissionEvents := f.orderEventCount()

	f.adapter.statusFn = func(ref string) (broker.OrderState, error) {
		return broker.OrderState{
			Status:    model.StatusComplete,
			FilledQty: rec.Qty,
			AvgPrice:  250125,
		}, nil
	}

	f.reconciler.reconcileConnection(context.Background(), f.connID)

	stored, _ := f.orders.GetOrder(rec.ID)
	if stored.Status != model.StatusComplete {
		t.Fatalf("status = %s, want COMPLETE", stored.Status)
	}
	if stored.FilledQty != rec.Qty || stored.AvgPrice != 250125 {
		t.Errorf("fills not recorded: %+v", stored)
	}
	if n := f.orderEventCount(); n != submissionEvents+1 {
		t.Fatalf("events after transition = %d, want %d", n, submissionEvents+1)
	}

	// A second poll is a no-op: same status, no event, and the connection
	// leaves the schedule because nothing non-terminal remains.
	f.reconciler.reconcileConnection(context.Background(), f.connID)
	if n := f.orderEventCount(); n != submissionEvents+1 {
		t.Errorf("no-op poll fired an event: %d", n)
	}
	if f.reconciler.Watched(f.connID) {
		t.Error("connection with zero open orders still scheduled")
	}
}

func TestReconcilePartialFillKeepsOrderOpen(t *testing.T) {
	f := newFixture(t, model.KindZerodha)
	rec := submitOpen(t, f)

	f.adapter.statusFn = func(ref string) (broker.OrderState, error) {
		return broker.OrderState{
			Status:    model.StatusPartiallyFilled,
			FilledQty: 4,
			AvgPrice:  250100,
		}, nil
	}
	f.reconciler.reconcileConnection(context.Background(), f.connID)

	stored, _ := f.orders.GetOrder(rec.ID)
	if stored.Status != model.StatusPartiallyFilled || stored.FilledQty != 4 {
		t.Fatalf("partial fill: %+v", stored)
	}
	if !f.reconciler.Watched(f.connID) {
		t.Error("partially filled order left the schedule")
	}

	// Fill completes.
	f.adapter.statusFn = func(ref string) (broker.OrderState, error) {
		return broker.OrderState{Status: model.StatusComplete, FilledQty: rec.Qty, AvgPrice: 250110}, nil
	}
	f.reconciler.reconcileConnection(context.Background(), f.connID)
	stored, _ = f.orders.GetOrder(rec.ID)
	if stored.Status != model.StatusComplete {
		t.Errorf("status = %s, want COMPLETE", stored.Status)
	}
}

func TestReconcileIgnoresRegressiveStatus(t *testing.T) {
	f := newFixture(t, model.KindZerodha)
	rec := submitOpen(t, f)

	// Broker replays a stale SUBMITTED snapshot; stored OPEN must hold.
	f.adapter.statusFn = func(ref string) (broker.OrderState, error) {
		return broker.OrderState{Status: model.StatusSubmitted}, nil
	}
	events := f.orderEventCount()
	f.reconciler.reconcileConnection(context.Background(), f.connID)

	stored, _ := f.orders.GetOrder(rec.ID)
	if stored.Status != model.StatusOpen {
		t.Errorf("status regressed to %s", stored.Status)
	}
	if f.orderEventCount() != events {
		t.Error("regressive snapshot fired an event")
	}
}

func TestSingleBatchInFlightPerConnection(t *testing.T) {
	f := newFixture(t, model.KindZerodha)
	submitOpen(t, f)

	gate := make(chan struct{})
	f.adapter.mu.Lock()
	f.adapter.statusGate = gate
	f.adapter.mu.Unlock()

	f.reconciler.Tick(context.Background())
	// Give the first batch's goroutine time to enter the blocked call.
	deadline := time.After(2 * time.Second)
	for {
		if _, status := f.adapter.calls(); status == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first batch never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Ticks while the batch is stuck must not start a second one.
	f.reconciler.Tick(context.Background())
	f.reconciler.Tick(context.Background())
	if _, status := f.adapter.calls(); status != 1 {
		t.Fatalf("concurrent batches: %d status calls", status)
	}

	close(gate)
}

func TestDisconnectDiscardsInFlightResults(t *testing.T) {
	f := newFixture(t, model.KindZerodha)
	rec := submitOpen(t, f)
	submissionEvents := f.orderEventCount()

	gate := make(chan struct{})
	f.adapter.mu.Lock()
	f.adapter.statusGate = gate
	f.adapter.statusFn = func(ref string) (broker.OrderState, error) {
		return broker.OrderState{Status: model.StatusComplete, FilledQty: rec.Qty}, nil
	}
	f.adapter.mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.reconciler.reconcileConnection(context.Background(), f.connID)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		if _, status := f.adapter.calls(); status == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("batch never reached the broker call")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Disconnect lands while the poll is stuck at the broker.
	if err := f.tokens.Disconnect(context.Background(), f.connID); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	close(gate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("batch never finished")
	}

	stored, _ := f.orders.GetOrder(rec.ID)
	if stored.Status != model.StatusOpen {
		t.Fatalf("status = %s, want OPEN (snapshot discarded)", stored.Status)
	}
	if stored.FilledQty != 0 {
		t.Errorf("filled qty = %d, want 0", stored.FilledQty)
	}
	if got := f.orderEventCount(); got != submissionEvents {
		t.Errorf("order events = %d, want %d (none after disconnect)", got, submissionEvents)
	}
}

func TestReconcileTransientFailuresDegradeConnection(t *testing.T) {
	f := newFixture(t, model.KindZerodha)
	submitOpen(t, f)

	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	f.reconciler.SetNowFunc(func() time.Time { return now })

	f.adapter.statusFn = func(ref string) (broker.OrderState, error) {
		return broker.OrderState{}, &broker.TransientError{Cause: context.DeadlineExceeded}
	}

	for i := 0; i < 5; i++ {
		f.reconciler.reconcileConnection(context.Background(), f.connID)
		now = now.Add(15 * time.Minute) // clear the backoff window
	}

	conn, _ := f.conns.GetConnection(f.connID)
	if !conn.Degraded {
		t.Fatal("connection not degraded after exhausting the retry budget")
	}

	// A successful poll clears the flag.
	f.adapter.statusFn = func(ref string) (broker.OrderState, error) {
		return broker.OrderState{Status: model.StatusOpen}, nil
	}
	f.reconciler.reconcileConnection(context.Background(), f.connID)
	conn, _ = f.conns.GetConnection(f.connID)
	if conn.Degraded {
		t.Error("degraded flag not cleared after recovery")
	}
}

func TestReconcileTokenExpiryKeepsOrderState(t *testing.T) {
	f := newFixture(t, model.KindZerodha)
	rec := submitOpen(t, f)

	f.adapter.statusFn = func(ref string) (broker.OrderState, error) {
		return broker.OrderState{}, &broker.TokenExpiredError{Kind: model.KindZerodha, Reason: "TokenException"}
	}
	f.reconciler.reconcileConnection(context.Background(), f.connID)

	conn, _ := f.conns.GetConnection(f.connID)
	if conn.AuthStatus != model.AuthExpired {
		t.Errorf("auth status = %s, want EXPIRED", conn.AuthStatus)
	}
	stored, _ := f.orders.GetOrder(rec.ID)
	if stored.Status != model.StatusOpen {
		t.Errorf("known order state discarded: %s", stored.Status)
	}
	// Still scheduled: once reauthenticated, polling resumes.
	if !f.reconciler.Watched(f.connID) {
		t.Error("connection dropped from schedule on token expiry")
	}
}

func TestDisconnectCancelsSchedule(t *testing.T) {
	f := newFixture(t, model.KindZerodha)
	submitOpen(t, f)

	if !f.reconciler.Watched(f.connID) {
		t.Fatal("not scheduled after submit")
	}
	if err := f.tokens.Disconnect(context.Background(), f.connID); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if f.reconciler.Watched(f.connID) {
		t.Error("still scheduled after disconnect")
	}
}

func TestSeedRestoresScheduleFromStore(t *testing.T) {
	f := newFixture(t, model.KindZerodha)
	submitOpen(t, f)

	fresh := NewReconciler(f.orders, f.conns, broker.NewRegistry(), f.tokens, f.bus, time.Second)
	if err := fresh.Seed(); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if !fresh.Watched(f.connID) {
		t.Error("seed missed a connection with open orders")
	}
}

func TestGateSuppressesPolling(t *testing.T) {
	f := newFixture(t, model.KindZerodha)
	submitOpen(t, f)
	f.reconciler.SetGate(func(time.Time) bool { return false })

	f.reconciler.Tick(context.Background())
	time.Sleep(20 * time.Millisecond)
	if _, status := f.adapter.calls(); status != 0 {
		t.Errorf("polled while gated: %d calls", status)
	}
}
