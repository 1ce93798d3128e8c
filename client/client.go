// Package client implements the per-connection transaction state machine:
// a Client wraps exactly one backend.Conn and tracks, across calls, whether
// it is idle, mid-transaction, or finalizing one. A Client is never shared
// between concurrent units of work. Begin runs on its owning Driver's
// single actor goroutine; Query, Commit and Rollback run on the goroutine
// of whoever holds the Client and hand the SQL to the Driver for dispatch.
package client

import (
	"context"

	"github.com/exql/sqlpool/backend"
	"github.com/exql/sqlpool/errs"
)

// Owner is the narrow slice of Driver a Client needs: a transaction id
// generator and a way to actually run SQL against the Client's connection.
// Defined here rather than imported from the driver package to avoid an
// import cycle (driver holds Clients; Clients must not hold a driver.Driver).
type Owner interface {
	// NextTxID returns a new, driver-scoped transaction id. Only ever
	// called from the actor goroutine.
	NextTxID() uint64

	// Dispatch runs sql (which may be empty, meaning "no statement to
	// send, just release the client") against cl's connection and, once
	// the result is known, returns it and re-integrates cl into the pool
	// unless cl is still mid-transaction.
	Dispatch(ctx context.Context, cl *Client, sql string) (backend.Result, error)
}

// Client wraps one backend connection and the transaction bookkeeping
// layered on top of it.
type Client struct {
	owner Owner
	conn  backend.Conn

	txID    int64
	txState TxState

	failed       bool
	returnToPool bool
	lastQuery    string
}

// New wraps conn as a freshly created, idle Client owned by owner.
func New(conn backend.Conn, owner Owner) *Client {
	c := &Client{owner: owner, conn: conn}
	c.Reset()
	return c
}

// Conn returns the backend connection this Client wraps.
func (c *Client) Conn() backend.Conn {
	return c.conn
}

// InTransaction reports whether Begin has been called without a matching
// Commit or Rollback yet.
func (c *Client) InTransaction() bool {
	return c.txID != -1
}

// TxID returns the current transaction id, or -1 outside of a transaction.
func (c *Client) TxID() int64 {
	return c.txID
}

// TxState returns the current transaction state.
func (c *Client) TxState() TxState {
	return c.txState
}

// Failed reports whether a prior unit of work on this Client errored,
// marking it for destruction rather than return to the idle pool.
func (c *Client) Failed() bool {
	return c.failed
}

// MarkFailed flags the Client as failed. Called by the Driver after a
// query or connection error.
func (c *Client) MarkFailed() {
	c.failed = true
}

// ReturnToPool reports whether the Driver should re-integrate this Client
// into its accounting (idle pool or destruction) once the in-flight unit
// of work completes. It is false for the whole span between a successful
// Begin and the matching Commit or Rollback: during that span the Client
// is held by whoever called Begin, not by the Driver's pool.
func (c *Client) ReturnToPool() bool {
	return c.returnToPool
}

// LastQuery returns the most recently dispatched SQL, for diagnostics.
func (c *Client) LastQuery() string {
	return c.lastQuery
}

// Reset returns the Client to its pristine, idle, out-of-transaction state.
// Called by the Driver just before pushing a Client onto the idle pool.
func (c *Client) Reset() {
	c.txID = -1
	c.txState = TxNone
	c.failed = false
	c.returnToPool = true
	c.lastQuery = ""
}

// Begin starts a new transaction on this Client. It fails if one is
// already open; it never touches the connection itself, since the actual
// BEGIN statement is lazily prefixed onto the first query (or onto
// Commit's final statement for an otherwise-empty transaction).
func (c *Client) Begin() error {
	if c.InTransaction() {
		return errs.New(errs.TransactionState, "begin: client %d is already in a transaction", c.txID)
	}
	c.txID = int64(c.owner.NextTxID())
	c.txState = TxNone
	c.returnToPool = false
	return nil
}

// Query runs q (compiled through comp) against this Client. Outside of a
// transaction, the query is dispatched as-is and the Client is released
// back to the Driver's pool the moment it completes. Inside a
// transaction, a lazy BEGIN is prefixed onto the first query, and the
// Client stays checked out after the call returns.
func (c *Client) Query(ctx context.Context, comp Compiler, q any) (backend.Result, error) {
	sql, err := comp.Compile(q)
	if err != nil {
		return backend.Result{}, err
	}

	if c.InTransaction() && c.txState == TxNone {
		sql = sqlBegin + sql
		c.txState = TxPending
	}
	c.lastQuery = sql

	return c.owner.Dispatch(ctx, c, sql)
}

// Commit finalizes the current transaction. q, if non-nil, is one last
// statement compiled and appended before the COMMIT. Per the three
// assembly cases: an otherwise-empty transaction with no final query
// commits with no SQL sent at all; an otherwise-empty transaction with a
// final query sends "BEGIN;\n<q>\nCOMMIT;" in one round trip; a
// transaction that already sent at least one query sends "<q>\nCOMMIT;"
// (or just "COMMIT;" if q is nil).
func (c *Client) Commit(ctx context.Context, comp Compiler, q any) (backend.Result, error) {
	if !c.InTransaction() {
		return backend.Result{}, errs.New(errs.TransactionState, "commit: client is not in a transaction")
	}

	var qs string
	if q != nil {
		var err error
		qs, err = comp.Compile(q)
		if err != nil {
			return backend.Result{}, err
		}
	}

	sql := assembleFinalizer(c.txState, qs, sqlCommit)
	c.txState = TxCommit
	c.returnToPool = true
	c.lastQuery = sql

	return c.owner.Dispatch(ctx, c, sql)
}

// Rollback finalizes the current transaction by rolling it back. An
// otherwise-empty transaction (never queried) rolls back with no SQL sent
// at all, since the database never saw a BEGIN.
func (c *Client) Rollback(ctx context.Context) (backend.Result, error) {
	if !c.InTransaction() {
		return backend.Result{}, errs.New(errs.TransactionState, "rollback: client is not in a transaction")
	}

	sql := assembleFinalizer(c.txState, "", sqlRollback)
	c.txState = TxRollback
	c.returnToPool = true
	c.lastQuery = sql

	return c.owner.Dispatch(ctx, c, sql)
}

// Compiler is the narrow slice of compiler.Compiler the client package
// needs, declared locally to avoid importing the compiler package purely
// for a one-method interface.
type Compiler interface {
	Compile(q any) (string, error)
}

// assembleFinalizer builds the SQL sent for a Commit (per the three cases
// above) or a Rollback (qs empty). An otherwise-empty transaction
// (state == TxNone) with no final query yields "", which the Owner's
// Dispatch treats as "send nothing, just release the client".
func assembleFinalizer(state TxState, qs string, closing string) string {
	switch {
	case state == TxNone && qs == "":
		// Never queried, nothing to commit/rollback: the database never
		// saw a BEGIN, so there is nothing to send at all.
		return ""
	case state == TxNone && qs != "":
		return sqlBegin + qs + "\n" + closing
	case qs == "":
		return closing
	default:
		return qs + "\n" + closing
	}
}
