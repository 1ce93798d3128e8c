// Copyright 2017 Canonical Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package driver implements the connection pool and query dispatcher: a
// single actor goroutine owns the pool's status, its idle Clients, its
// work queue, and its failure budget, and serializes every state
// transition through a command mailbox. No field of Driver is ever
// touched from two goroutines at once; callers interact with it purely
// through Start, Stop, Begin, and Query.
package driver

import (
	"context"
	"time"

	"github.com/Rican7/retry/backoff"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/exql/sqlpool/backend"
	"github.com/exql/sqlpool/client"
	"github.com/exql/sqlpool/compiler"
	"github.com/exql/sqlpool/errs"
	"github.com/exql/sqlpool/logging"
)

// Status is the Driver's lifecycle state.
type Status int

// Lifecycle states, in the order a Driver moves through them. A Driver
// never goes backwards; Stopped is terminal.
const (
	Pending Status = iota
	Starting
	Running
	Stopping
	Stopped
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Connector builds a new backend connection. The Driver calls Dial once
// per Client it creates; the dialect adapter that constructs a Connector
// is responsible for turning connection parameters into whatever the
// underlying backend.Factory needs.
type Connector interface {
	Dial(ctx context.Context) (backend.Conn, error)
}

// Stats is a point-in-time snapshot of the pool's accounting, exposed
// through Driver.Stats for diagnostics and monitoring.
type Stats struct {
	Status        Status
	ClientsCount  int
	ClientsActive int
	ClientsIdle   int
	QueueLength   int
	FailuresCount int
}

type queueItemKind int

const (
	itemQuery queueItemKind = iota
	itemBegin
)

type queryOutcome struct {
	result backend.Result
	err    error
}

type beginOutcome struct {
	cl  *client.Client
	err error
}

type queueItem struct {
	kind    queueItemKind
	ctx     context.Context
	sql     string
	queryCh chan queryOutcome
	beginCh chan beginOutcome
}

// Driver is a connection pool and query dispatcher for one backend
// target. Every public method is safe to call from any number of
// goroutines concurrently; internally, all bookkeeping is serialized
// through a single owner goroutine.
type Driver struct {
	connector Connector
	compiler  compiler.Compiler
	log       logging.Logger

	clientsMinimum    int
	clientsMaximum    int
	failuresMaximum   int
	createConcurrency int64
	debugQueries      bool
	debugResults      bool

	sem  *semaphore.Weighted
	cmds chan func()

	// Everything below is touched only from the actor goroutine running
	// run().
	status        Status
	clientsCount  int
	clientsActive int
	failuresCount int
	idle          []*client.Client
	queue         []queueItem
	txCounter     uint64
	delayedStop   chan error
}

// Option tweaks Driver construction.
type Option func(*options)

type options struct {
	Logger            logging.Logger
	Compiler          compiler.Compiler
	ClientsMinimum    int
	ClientsMaximum    int
	FailuresMaximum   int
	CreateConcurrency int64
	DebugQueries      bool
	DebugResults      bool
}

func defaultOptions() *options {
	return &options{
		Logger:            logging.Discard,
		Compiler:          compiler.Identity{},
		ClientsMinimum:    0,
		ClientsMaximum:    20,
		FailuresMaximum:   20,
		CreateConcurrency: 4,
	}
}

// WithLogger sets the Logger the Driver and the Clients it creates report
// errors and trace output through. Defaults to logging.Discard.
func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.Logger = l }
}

// WithCompiler sets the query Compiler. Defaults to compiler.Identity{}.
func WithCompiler(c compiler.Compiler) Option {
	return func(o *options) { o.Compiler = c }
}

// WithClientsMinimum records a reserved floor on the pool size. It is
// stored on the Driver only: Start creates no Clients up front, and the
// pool is never topped up to this floor.
func WithClientsMinimum(n int) Option {
	return func(o *options) { o.ClientsMinimum = n }
}

// WithClientsMaximum caps how many Clients the pool will ever hold at
// once, idle or active. Defaults to 20.
func WithClientsMaximum(n int) Option {
	return func(o *options) { o.ClientsMaximum = n }
}

// WithFailuresMaximum sets how many consecutive connection-establishment
// failures the pool tolerates while it holds no Client before giving up
// entirely, failing every queued unit of work and transitioning straight
// to Stopped. A failure while other Clients exist never exhausts the
// budget. Defaults to 20.
func WithFailuresMaximum(n int) Option {
	return func(o *options) { o.FailuresMaximum = n }
}

// WithCreateConcurrency bounds how many connection-establishment attempts
// may be in flight at once. Defaults to 4.
func WithCreateConcurrency(n int64) Option {
	return func(o *options) { o.CreateConcurrency = n }
}

// WithDebugQueries enables Silly-level logging of every dispatched SQL
// statement.
func WithDebugQueries(enabled bool) Option {
	return func(o *options) { o.DebugQueries = enabled }
}

// WithDebugResults enables Silly-level logging of every query result.
func WithDebugResults(enabled bool) Option {
	return func(o *options) { o.DebugResults = enabled }
}

// New constructs a Driver in the Pending state. It does not create any
// connections until Start is called.
func New(connector Connector, opts ...Option) *Driver {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	d := &Driver{
		connector:         connector,
		compiler:          o.Compiler,
		log:               o.Logger,
		clientsMinimum:    o.ClientsMinimum,
		clientsMaximum:    o.ClientsMaximum,
		failuresMaximum:   o.FailuresMaximum,
		createConcurrency: o.CreateConcurrency,
		debugQueries:      o.DebugQueries,
		debugResults:      o.DebugResults,
		sem:               semaphore.NewWeighted(o.CreateConcurrency),
		cmds:              make(chan func(), 64),
		status:            Pending,
	}
	go d.run()
	return d
}

// Start transitions the Driver from Pending to Running. The actor
// goroutine is already running from New. clientsMinimum is a reserved
// floor recorded on the Driver but not enforced here: Clients are created
// on demand by schedule(), the same path used for every later request.
func (d *Driver) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	err := d.submit(ctx, func() {
		if d.status != Pending {
			errCh <- errs.New(errs.DriverState, "start: driver is %s, not pending", d.status)
			return
		}
		d.status = Starting
		d.status = Running
		errCh <- nil
	})
	if err != nil {
		return err
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop transitions the Driver to Stopping and waits for every active
// Client to finish its current unit of work, then destroys the idle
// pool and transitions to Stopped. No new work is admitted once Stopping
// begins.
func (d *Driver) Stop(ctx context.Context) error {
	errCh := make(chan error, 1)
	err := d.submit(ctx, func() {
		if d.status != Running {
			errCh <- errs.New(errs.DriverState, "stop: driver is %s, not running", d.status)
			return
		}
		d.status = Stopping
		if d.clientsActive == 0 {
			d.completeStop()
			errCh <- nil
			return
		}
		d.delayedStop = errCh
	})
	if err != nil {
		return err
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the Driver's current lifecycle state.
func (d *Driver) Status(ctx context.Context) (Status, error) {
	resultCh := make(chan Status, 1)
	err := d.submit(ctx, func() { resultCh <- d.status })
	if err != nil {
		return 0, err
	}
	select {
	case s := <-resultCh:
		return s, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Stats returns a snapshot of the pool's accounting.
func (d *Driver) Stats(ctx context.Context) (Stats, error) {
	resultCh := make(chan Stats, 1)
	err := d.submit(ctx, func() {
		resultCh <- Stats{
			Status:        d.status,
			ClientsCount:  d.clientsCount,
			ClientsActive: d.clientsActive,
			ClientsIdle:   len(d.idle),
			QueueLength:   len(d.queue),
			FailuresCount: d.failuresCount,
		}
	})
	if err != nil {
		return Stats{}, err
	}
	select {
	case s := <-resultCh:
		return s, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// Query compiles q and dispatches it. If tx is non-nil, the query runs
// against that already-checked-out Client, inside its open transaction.
// Otherwise a Client is acquired from the pool (idle, newly created, or
// queued for), and released back the moment the query completes.
func (d *Driver) Query(ctx context.Context, q any, tx *client.Client) (backend.Result, error) {
	if tx != nil {
		return tx.Query(ctx, d.compiler, q)
	}

	sql, err := d.compiler.Compile(q)
	if err != nil {
		return backend.Result{}, err
	}

	resultCh := make(chan queryOutcome, 1)
	err = d.submit(ctx, func() {
		if d.status != Running {
			resultCh <- queryOutcome{err: errs.New(errs.DriverState, "query: driver is %s, not running", d.status)}
			return
		}
		if cl, ok := d.popIdle(); ok {
			d.clientsActive++
			d.runDispatch(cl, ctx, sql, resultCh)
			return
		}
		d.queue = append(d.queue, queueItem{kind: itemQuery, ctx: ctx, sql: sql, queryCh: resultCh})
		d.schedule()
	})
	if err != nil {
		return backend.Result{}, err
	}

	select {
	case out := <-resultCh:
		return out.result, out.err
	case <-ctx.Done():
		return backend.Result{}, ctx.Err()
	}
}

// Begin acquires a Client and starts a transaction on it, returning the
// Client for the caller to drive directly via its Query/Commit/Rollback
// methods. The returned Client is not part of the idle pool until the
// transaction finalizes.
func (d *Driver) Begin(ctx context.Context) (*client.Client, error) {
	ch := make(chan beginOutcome, 1)
	err := d.submit(ctx, func() {
		if d.status != Running {
			ch <- beginOutcome{err: errs.New(errs.DriverState, "begin: driver is %s, not running", d.status)}
			return
		}
		if cl, ok := d.popIdle(); ok {
			d.clientsActive++
			d.runBegin(cl, ch)
			return
		}
		d.queue = append(d.queue, queueItem{kind: itemBegin, ctx: ctx, beginCh: ch})
		d.schedule()
	})
	if err != nil {
		return nil, err
	}

	select {
	case out := <-ch:
		return out.cl, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NextTxID implements client.Owner. Only ever called from the actor
// goroutine.
func (d *Driver) NextTxID() uint64 {
	d.txCounter++
	return d.txCounter
}

// Dispatch implements client.Owner: it runs sql against cl's connection
// (or, if sql is empty, skips straight to release/re-integration) and
// returns the result once known.
func (d *Driver) Dispatch(ctx context.Context, cl *client.Client, sql string) (backend.Result, error) {
	resultCh := make(chan queryOutcome, 1)
	err := d.submit(ctx, func() {
		d.runDispatch(cl, ctx, sql, resultCh)
	})
	if err != nil {
		return backend.Result{}, err
	}

	select {
	case out := <-resultCh:
		return out.result, out.err
	case <-ctx.Done():
		return backend.Result{}, ctx.Err()
	}
}

// run is the Driver's single owner goroutine. It executes every closure
// submitted through d.cmds, one at a time, forever; this is what
// guarantees no two goroutines ever touch the actor-only fields above at
// once.
func (d *Driver) run() {
	for cmd := range d.cmds {
		cmd()
	}
}

// submit hands fn to the actor goroutine, returning ctx.Err() if ctx is
// canceled before fn could be enqueued.
func (d *Driver) submit(ctx context.Context, fn func()) error {
	select {
	case d.cmds <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submitAsync hands fn to the actor goroutine from a completion callback
// running on some other goroutine (a query's I/O, a connection attempt);
// it always succeeds, since the actor never stops reading from d.cmds.
func (d *Driver) submitAsync(fn func()) {
	d.cmds <- fn
}

// popIdle pops the most recently released Client from the idle pool
// (LIFO), so a hot connection is reused before a cold one.
func (d *Driver) popIdle() (*client.Client, bool) {
	if len(d.idle) == 0 {
		return nil, false
	}
	last := len(d.idle) - 1
	cl := d.idle[last]
	d.idle = d.idle[:last]
	return cl, true
}

// popQueueFront pops the oldest queued request (FIFO).
func (d *Driver) popQueueFront() (queueItem, bool) {
	if len(d.queue) == 0 {
		return queueItem{}, false
	}
	item := d.queue[0]
	d.queue = d.queue[1:]
	return item, true
}

// schedule implements the pool's scheduling algorithm: serve the oldest
// queued request with an idle Client if one exists; otherwise grow the
// pool if there's room; otherwise do nothing and wait for a Client to
// free up or be created.
func (d *Driver) schedule() {
	if len(d.queue) == 0 {
		return
	}
	if cl, ok := d.popIdle(); ok {
		d.clientsActive++
		d.serveQueueItem(cl)
		return
	}
	if d.clientsCount < d.clientsMaximum {
		d.clientsCount++
		d.createClient()
	}
}

// serveQueueItem hands cl (already counted active) the oldest queued
// request. Called only when the queue is known non-empty by the caller's
// own prior check, except from onClientCreated, where the queue may have
// drained in the meantime — handled by falling back to the idle path.
func (d *Driver) serveQueueItem(cl *client.Client) {
	item, ok := d.popQueueFront()
	if !ok {
		d.clientsActive--
		cl.Reset()
		d.idle = append(d.idle, cl)
		return
	}
	switch item.kind {
	case itemQuery:
		d.runDispatch(cl, item.ctx, item.sql, item.queryCh)
	case itemBegin:
		d.runBegin(cl, item.beginCh)
	}
}

// runBegin starts a transaction on cl (already counted active) and
// delivers the outcome. A Begin can only fail if cl is already mid
// transaction, which never happens for a Client drawn from the idle pool
// or freshly created — but the check is kept here rather than assumed.
func (d *Driver) runBegin(cl *client.Client, ch chan beginOutcome) {
	if err := cl.Begin(); err != nil {
		ch <- beginOutcome{err: err}
		d.afterDispatch(cl, false)
		return
	}
	ch <- beginOutcome{cl: cl}
}

// runDispatch runs sql against cl's connection on a separate goroutine so
// the actor is never blocked on backend I/O, then posts the result back
// through the actor to update pool accounting and deliver it to the
// caller. An empty sql skips the round trip entirely (used for an
// otherwise-empty transaction's Commit/Rollback).
func (d *Driver) runDispatch(cl *client.Client, ctx context.Context, sql string, resultCh chan queryOutcome) {
	if sql == "" {
		d.afterDispatch(cl, false)
		resultCh <- queryOutcome{}
		return
	}

	id := uuid.New()
	go func() {
		res, err := cl.Conn().Query(context.WithoutCancel(ctx), sql)
		if err != nil {
			d.log.Error("query %s failed: %s: %v", id, sql, err)
		} else {
			if d.debugQueries {
				d.log.Silly("query %s: %s", id, sql)
			}
			if d.debugResults {
				d.log.Silly("query %s result: %d row(s): %v", id, res.Count, res.Rows)
			}
		}
		d.submitAsync(func() {
			d.afterDispatch(cl, err != nil)
			resultCh <- queryOutcome{result: res, err: err}
		})
	}()
}

// afterDispatch re-integrates cl into the pool once a unit of work
// completes, unless cl is still mid-transaction (ReturnToPool false), in
// which case the caller still holds it and pool accounting is untouched.
func (d *Driver) afterDispatch(cl *client.Client, failed bool) {
	if failed {
		cl.MarkFailed()
	}
	if !cl.ReturnToPool() {
		return
	}

	d.clientsActive--
	if cl.Failed() || d.status == Stopping || d.status == Stopped {
		d.clientsCount--
		go cl.Conn().Close(context.Background())
	} else {
		cl.Reset()
		d.idle = append(d.idle, cl)
	}
	d.onIdle()
}

// onIdle runs after a unit of work completes and its client is either
// returned to the pool or destroyed. It
// either completes a pending Stop or serves the next queued request.
func (d *Driver) onIdle() {
	if d.status == Stopping && d.clientsActive == 0 {
		d.completeStop()
		return
	}
	d.schedule()
}

// completeStop destroys every idle Client and transitions to Stopped,
// delivering the outcome to whichever Stop call is waiting, if any.
func (d *Driver) completeStop() {
	for _, cl := range d.idle {
		go cl.Conn().Close(context.Background())
	}
	d.idle = nil
	d.status = Stopped

	if d.delayedStop != nil {
		d.delayedStop <- nil
		d.delayedStop = nil
	}
}

// failAllQueued delivers err to every request still waiting in the
// queue and empties it. Used only when the connection failure budget is
// exhausted (see createClient/onClientCreated).
func (d *Driver) failAllQueued(err error) {
	for _, item := range d.queue {
		switch item.kind {
		case itemQuery:
			item.queryCh <- queryOutcome{err: err}
		case itemBegin:
			item.beginCh <- beginOutcome{err: err}
		}
	}
	d.queue = nil
}

// createClient dials a new backend connection on a separate goroutine,
// bounded by d.sem so at most createConcurrency dials are ever in flight
// at once. This is a single dial attempt; the failure budget and its
// retry-with-backoff behavior live in onClientCreated/schedule, spanning
// the sequence of attempts made across scheduling passes rather than
// inside any one call. d.clientsCount has already been incremented by the
// caller.
func (d *Driver) createClient() {
	go func() {
		ctx := context.Background()
		if err := d.sem.Acquire(ctx, 1); err != nil {
			d.submitAsync(func() { d.onClientCreated(nil, err) })
			return
		}
		defer d.sem.Release(1)

		conn, err := d.connector.Dial(ctx)
		d.submitAsync(func() { d.onClientCreated(conn, err) })
	}()
}

// onClientCreated integrates the outcome of a createClient attempt: on
// success, hands the new Client to the idle-or-serve path; on failure,
// increments the failure budget and, if no other Client exists, either
// retries after a backoff delay (if the budget allows) or, once exhausted,
// fails every queued request and forces the Driver straight to Stopped.
func (d *Driver) onClientCreated(conn backend.Conn, err error) {
	if err != nil {
		d.clientsCount--
		d.failuresCount++
		d.log.Error("create client: %v", err)

		if d.clientsCount > 0 {
			// Live or still-dialing Clients exist: stop retrying here;
			// they will serve the queue or a later schedule() will retry.
			return
		}
		if d.failuresCount < d.failuresMaximum {
			d.scheduleRetry(d.failuresCount)
			return
		}

		terminal := errs.Wrap(errs.Backend, err, "connection failure budget exhausted")
		d.failAllQueued(terminal)
		for _, cl := range d.idle {
			go cl.Conn().Close(context.Background())
		}
		d.idle = nil
		d.status = Stopped
		if d.delayedStop != nil {
			d.delayedStop <- nil
			d.delayedStop = nil
		}
		return
	}

	d.failuresCount = 0
	cl := client.New(conn, d)
	d.clientsActive++
	d.serveQueueItem(cl)
}

// scheduleRetry re-attempts scheduling after a binary exponential backoff
// keyed to failureCount, so a run of connect failures doesn't spin the
// actor in a tight retry loop. The attempt itself (and whether it
// succeeds or fails) is still a single createClient call; this only
// paces how soon schedule() is asked to try again.
func (d *Driver) scheduleRetry(failureCount int) {
	delay := backoffDelay(failureCount)
	go func() {
		time.Sleep(delay)
		d.submitAsync(func() { d.schedule() })
	}()
}

// backoffDelay computes the binary exponential backoff for the attempt
// numbered failureCount, capped at one second.
func backoffDelay(failureCount int) time.Duration {
	const (
		base = 50 * time.Millisecond
		cap  = time.Second
	)
	alg := backoff.BinaryExponential(base)
	d := alg(uint(failureCount))
	if d > cap || d <= 0 {
		d = cap
	}
	return d
}
