package driver_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/exql/sqlpool/backend"
	"github.com/exql/sqlpool/driver"
	"github.com/exql/sqlpool/errs"
	"github.com/exql/sqlpool/internal/fakebackend"
)

type fakeConnector struct {
	factory *fakebackend.Factory
}

func (c fakeConnector) Dial(ctx context.Context) (backend.Conn, error) {
	return c.factory.Connect(ctx, "fake://")
}

func newDriver(t *testing.T, factory *fakebackend.Factory, opts ...driver.Option) *driver.Driver {
	t.Helper()
	d := driver.New(fakeConnector{factory: factory}, opts...)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	return d
}

func TestDriver_StartStop(t *testing.T) {
	factory := fakebackend.NewFactory()
	d := driver.New(fakeConnector{factory: factory})

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	status, err := d.Status(context.Background())
	requireNoError(t, err)
	assertEqual(t, driver.Running, status)

	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	status, err = d.Status(context.Background())
	requireNoError(t, err)
	assertEqual(t, driver.Stopped, status)
}

func TestDriver_QueryCreatesAndReusesClients(t *testing.T) {
	factory := fakebackend.NewFactory()
	d := newDriver(t, factory)

	ctx := context.Background()
	_, err := d.Query(ctx, "SELECT 1", nil)
	requireNoError(t, err)
	_, err = d.Query(ctx, "SELECT 2", nil)
	requireNoError(t, err)

	// Two sequential queries should reuse the single pooled client rather
	// than create a second one.
	assertEqual(t, 1, len(factory.Conns))
	assertEqual(t, 2, len(factory.Conns[0].Queries))
}

func TestDriver_QueryBeforeStartFails(t *testing.T) {
	factory := fakebackend.NewFactory()
	d := driver.New(fakeConnector{factory: factory})

	_, err := d.Query(context.Background(), "SELECT 1", nil)
	if err == nil {
		t.Fatal("expected an error querying a driver that hasn't started")
	}
}

func TestDriver_BeginQueryCommit(t *testing.T) {
	factory := fakebackend.NewFactory()
	d := newDriver(t, factory)
	ctx := context.Background()

	tx, err := d.Begin(ctx)
	requireNoError(t, err)

	_, err = d.Query(ctx, "INSERT INTO t VALUES (1)", tx)
	requireNoError(t, err)

	_, err = tx.Commit(ctx, identityCompiler{}, nil)
	requireNoError(t, err)

	stats, err := d.Stats(ctx)
	requireNoError(t, err)
	assertEqual(t, 0, stats.ClientsActive)
	assertEqual(t, 1, stats.ClientsIdle)
}

func TestDriver_ClientsMaximumQueuesWork(t *testing.T) {
	factory := fakebackend.NewFactory()
	factory.NewConn = func() *fakebackend.Conn {
		return &fakebackend.Conn{
			QueryFunc: func(ctx context.Context, sql string) (backend.Result, error) {
				time.Sleep(20 * time.Millisecond)
				return backend.Result{}, nil
			},
		}
	}
	d := newDriver(t, factory, driver.WithClientsMaximum(1))
	ctx := context.Background()

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := d.Query(ctx, "SELECT 1", nil)
			if err != nil {
				t.Errorf("query: %v", err)
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 2; i++ {
		<-done
	}

	assertEqual(t, 1, len(factory.Conns))
}

func TestDriver_FailureBudgetExhaustedFailsQueuedWork(t *testing.T) {
	factory := fakebackend.NewFactory()
	factory.AlwaysFail = true
	d := driver.New(fakeConnector{factory: factory}, driver.WithFailuresMaximum(1))

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err := d.Query(context.Background(), "SELECT 1", nil)
	if err == nil {
		t.Fatal("expected the query to fail once the connection failure budget is exhausted")
	}

	status, err := d.Status(context.Background())
	requireNoError(t, err)
	assertEqual(t, driver.Stopped, status)
}

// TestDriver_FiveConcurrentQueriesServedInFIFOOrder exercises spec scenario
// 1: with clientsMaximum=2 and five concurrent queries, the three that land
// on the queue are served in strict arrival order as connections free up.
func TestDriver_FiveConcurrentQueriesServedInFIFOOrder(t *testing.T) {
	factory := fakebackend.NewFactory()

	var mu sync.Mutex
	var order []string
	gates := map[string]chan struct{}{
		"Q1": make(chan struct{}),
		"Q2": make(chan struct{}),
		"Q3": make(chan struct{}),
		"Q4": make(chan struct{}),
		"Q5": make(chan struct{}),
	}
	factory.NewConn = func() *fakebackend.Conn {
		return &fakebackend.Conn{
			QueryFunc: func(ctx context.Context, sql string) (backend.Result, error) {
				mu.Lock()
				order = append(order, sql)
				mu.Unlock()
				<-gates[sql]
				return backend.Result{}, nil
			},
		}
	}

	d := newDriver(t, factory, driver.WithClientsMaximum(2))
	ctx := context.Background()

	done := make(chan struct{}, 5)
	launch := func(sql string) {
		go func() {
			if _, err := d.Query(ctx, sql, nil); err != nil {
				t.Errorf("query %s: %v", sql, err)
			}
			done <- struct{}{}
		}()
	}

	// Occupy both connections so the remaining three are forced onto the
	// queue.
	launch("Q1")
	launch("Q2")
	waitForStat(t, d, func(s driver.Stats) bool { return s.ClientsActive == 2 })

	// Enqueue the rest one at a time, confirming each has actually landed
	// on the queue before the next is launched, so their arrival order is
	// deterministic.
	launch("Q3")
	waitForStat(t, d, func(s driver.Stats) bool { return s.QueueLength == 1 })
	launch("Q4")
	waitForStat(t, d, func(s driver.Stats) bool { return s.QueueLength == 2 })
	launch("Q5")
	waitForStat(t, d, func(s driver.Stats) bool { return s.QueueLength == 3 })

	// Freeing one connection must serve the oldest queued request (Q3),
	// never Q4 or Q5.
	close(gates["Q1"])
	waitForOrderLen(t, &mu, &order, 3)
	assertEqual(t, "Q3", lastOf(&mu, &order))

	close(gates["Q3"])
	waitForOrderLen(t, &mu, &order, 4)
	assertEqual(t, "Q4", lastOf(&mu, &order))

	close(gates["Q4"])
	waitForOrderLen(t, &mu, &order, 5)
	assertEqual(t, "Q5", lastOf(&mu, &order))

	close(gates["Q2"])
	close(gates["Q5"])

	for i := 0; i < 5; i++ {
		<-done
	}

	stats, err := d.Stats(ctx)
	requireNoError(t, err)
	assertEqual(t, 2, stats.ClientsCount)
}

// TestDriver_PartialConnectFailuresThenSuccess exercises spec scenario 4:
// two failed connect attempts followed by a successful one must advance
// failuresCount to 2 before the queued request is served without error.
func TestDriver_PartialConnectFailuresThenSuccess(t *testing.T) {
	factory := fakebackend.NewFactory()
	factory.FailConnects = 2

	d := driver.New(fakeConnector{factory: factory}, driver.WithFailuresMaximum(5))
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})

	queryCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resultCh := make(chan error, 1)
	go func() {
		_, err := d.Query(queryCtx, "SELECT 1", nil)
		resultCh <- err
	}()

	sawTwoFailures := false
	deadline := time.Now().Add(3 * time.Second)
	for !sawTwoFailures && time.Now().Before(deadline) {
		stats, err := d.Stats(context.Background())
		if err == nil && stats.FailuresCount == 2 {
			sawTwoFailures = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !sawTwoFailures {
		t.Fatal("expected failuresCount to reach 2 after the first two connect attempts failed")
	}

	select {
	case err := <-resultCh:
		requireNoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("query never completed after the third connect attempt")
	}

	if len(factory.URLs) != 3 {
		t.Fatalf("expected exactly 3 connect attempts (2 failures + 1 success), got %d", len(factory.URLs))
	}

	stats, err := d.Stats(context.Background())
	requireNoError(t, err)
	assertEqual(t, 0, stats.FailuresCount)
	assertEqual(t, 1, stats.ClientsCount)
}

// TestDriver_StopDuringTransactionDrainsThenCompletes exercises spec
// scenario 5: stop() called mid-transaction moves status to Stopping
// immediately, rejects new queries with a DriverState error, lets the
// in-flight transaction finish normally, and only then completes the stop.
func TestDriver_StopDuringTransactionDrainsThenCompletes(t *testing.T) {
	factory := fakebackend.NewFactory()
	d := driver.New(fakeConnector{factory: factory})
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx := context.Background()
	tx, err := d.Begin(ctx)
	requireNoError(t, err)

	stopDone := make(chan error, 1)
	go func() {
		stopDone <- d.Stop(context.Background())
	}()

	waitForStat(t, d, func(s driver.Stats) bool { return s.Status == driver.Stopping })

	_, err = d.Query(ctx, "SELECT 1", nil)
	if !errs.Is(err, errs.DriverState) {
		t.Fatalf("expected a DriverState error for a fresh query while stopping, got %v", err)
	}

	_, err = d.Query(ctx, "UPDATE t SET x = 1", tx)
	requireNoError(t, err)
	_, err = tx.Commit(ctx, identityCompiler{}, nil)
	requireNoError(t, err)

	select {
	case err := <-stopDone:
		requireNoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stop never completed after the in-flight transaction finished")
	}

	status, err := d.Status(context.Background())
	requireNoError(t, err)
	assertEqual(t, driver.Stopped, status)
}

// waitForStat polls the Driver's stats until pred is satisfied or it gives
// up after two seconds.
func waitForStat(t *testing.T, d *driver.Driver, pred func(driver.Stats) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stats, err := d.Stats(context.Background())
		if err == nil && pred(stats) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timed out waiting for driver stats condition")
}

// waitForOrderLen polls order (guarded by mu) until it has at least n
// elements or it gives up after two seconds.
func waitForOrderLen(t *testing.T, mu *sync.Mutex, order *[]string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		l := len(*order)
		mu.Unlock()
		if l >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timed out waiting for order length")
}

func lastOf(mu *sync.Mutex, order *[]string) string {
	mu.Lock()
	defer mu.Unlock()
	return (*order)[len(*order)-1]
}

type identityCompiler struct{}

func (identityCompiler) Compile(q any) (string, error) {
	if s, ok := q.(string); ok {
		return s, nil
	}
	return "", nil
}

func assertEqual(t *testing.T, expected, actual any) {
	t.Helper()
	if expected != actual {
		t.Fatalf("expected %v, got %v", expected, actual)
	}
}

func requireNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
