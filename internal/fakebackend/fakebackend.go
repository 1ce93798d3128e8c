// Package fakebackend is a scriptable in-memory backend.Factory/backend.Conn
// pair used to drive driver and client tests without a real PostgreSQL
// server, the way driver/integration_test.go exercised a real connection in
// this module's ancestor.
package fakebackend

import (
	"context"
	"errors"
	"sync"

	"github.com/exql/sqlpool/backend"
)

// ErrConnectFailed is the default error returned while a Factory is
// scripted to fail connection attempts.
var ErrConnectFailed = errors.New("fakebackend: connect failed")

// Factory is a backend.Factory that hands out *Conn values, optionally
// failing a scripted number of Connect calls first.
type Factory struct {
	mu sync.Mutex

	// FailConnects is decremented on every Connect call; while it is
	// greater than zero, Connect fails with ConnectErr instead of
	// succeeding. AlwaysFail overrides it to fail forever, for exercising
	// the terminal failure-budget path.
	FailConnects int
	AlwaysFail   bool
	ConnectErr   error

	// NewConn builds the Conn handed back by a successful Connect call.
	// Defaults to a fresh, unscripted *Conn.
	NewConn func() *Conn

	// Conns records every Conn this Factory has successfully created, in
	// creation order, for test assertions.
	Conns []*Conn

	// URLs records every URL passed to Connect, in call order.
	URLs []string
}

// NewFactory returns a Factory that always succeeds until scripted
// otherwise.
func NewFactory() *Factory {
	return &Factory{
		ConnectErr: ErrConnectFailed,
		NewConn:    func() *Conn { return &Conn{} },
	}
}

// Connect implements backend.Factory.
func (f *Factory) Connect(_ context.Context, url string) (backend.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.URLs = append(f.URLs, url)

	if f.AlwaysFail || f.FailConnects > 0 {
		if f.FailConnects > 0 {
			f.FailConnects--
		}
		return nil, f.ConnectErr
	}

	conn := f.NewConn()
	f.Conns = append(f.Conns, conn)
	return conn, nil
}

// Conn is a scriptable backend.Conn. By default Query records the SQL it
// was given and returns an empty, successful Result; set QueryFunc to
// override that behavior per test.
type Conn struct {
	mu sync.Mutex

	// QueryFunc, when set, is called instead of the default no-op
	// behavior for every Query call.
	QueryFunc func(ctx context.Context, sql string) (backend.Result, error)

	Queries     []string
	Closed      bool
	TypeParsers map[uint32]backend.Format
}

// Query implements backend.Conn.
func (c *Conn) Query(ctx context.Context, sql string) (backend.Result, error) {
	c.mu.Lock()
	c.Queries = append(c.Queries, sql)
	fn := c.QueryFunc
	c.mu.Unlock()

	if fn != nil {
		return fn(ctx, sql)
	}
	return backend.Result{}, nil
}

// Close implements backend.Conn.
func (c *Conn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
	return nil
}

// SetTypeParser implements backend.Conn.
func (c *Conn) SetTypeParser(oid uint32, format backend.Format, _ backend.TypeParser) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.TypeParsers == nil {
		c.TypeParsers = make(map[uint32]backend.Format)
	}
	c.TypeParsers[oid] = format
	return nil
}
