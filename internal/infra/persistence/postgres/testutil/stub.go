// Package testutil provides a database/sql driver that fakes the snapshot
// table so the postgres store can be tested without a server.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
)

var driverSeq atomic.Int64

var (
	createRe = regexp.MustCompile(`(?is)^\s*CREATE TABLE IF NOT EXISTS\s+(\w+)`)
	insertRe = regexp.MustCompile(`(?is)^\s*INSERT INTO\s+(\w+)`)
	selectRe = regexp.MustCompile(`(?is)^\s*SELECT\s+payload\s+FROM\s+(\w+)\s+WHERE\s+study_oid\s*=\s*\$1`)
	deleteRe = regexp.MustCompile(`(?is)^\s*DELETE FROM\s+(\w+)\s+WHERE\s+study_oid\s*=\s*\$1`)
)

// SnapshotConn keeps one payload per (table, study OID) and records every
// statement it executes. Set FailPing or FailExec to inject errors.
type SnapshotConn struct {
	mu       sync.Mutex
	Execs    []string
	FailPing bool
	FailExec bool
	tables   map[string]map[string][]byte
}

// NewStubDB registers a fresh driver and returns a sql.DB backed by it.
func NewStubDB() (*sql.DB, *SnapshotConn) {
	conn := &SnapshotConn{tables: make(map[string]map[string][]byte)}
	name := fmt.Sprintf("ravesim-pgstub-%d", driverSeq.Add(1))
	sql.Register(name, stubDriver{conn: conn})
	db, err := sql.Open(name, "")
	if err != nil {
		panic(err)
	}
	return db, conn
}

// Snapshots returns a copy of the payloads stored in table, keyed by study OID.
func (c *SnapshotConn) Snapshots(table string) map[string][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]byte, len(c.tables[table]))
	for k, v := range c.tables[table] {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

type stubDriver struct{ conn *SnapshotConn }

func (d stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

// Prepare implements driver.Conn. Every statement goes through the
// context-aware paths instead.
func (c *SnapshotConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("pgstub: prepared statements are not supported")
}

// Close implements driver.Conn.
func (c *SnapshotConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *SnapshotConn) Begin() (driver.Tx, error) { return nopTx{}, nil }

// Ping implements driver.Pinger.
func (c *SnapshotConn) Ping(context.Context) error {
	if c.FailPing {
		return errors.New("pgstub: ping refused")
	}
	return nil
}

// ExecContext implements driver.ExecerContext.
func (c *SnapshotConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Execs = append(c.Execs, query)
	if c.FailExec {
		return nil, errors.New("pgstub: exec refused")
	}
	if m := createRe.FindStringSubmatch(query); m != nil {
		c.table(m[1])
		return driver.RowsAffected(0), nil
	}
	if m := insertRe.FindStringSubmatch(query); m != nil {
		if len(args) < 2 {
			return nil, fmt.Errorf("pgstub: insert into %s needs study_oid and payload", m[1])
		}
		key, err := stringArg(args[0])
		if err != nil {
			return nil, err
		}
		payload, err := bytesArg(args[1])
		if err != nil {
			return nil, err
		}
		c.table(m[1])[key] = payload
		return driver.RowsAffected(1), nil
	}
	if m := deleteRe.FindStringSubmatch(query); m != nil {
		key, err := argKey(args)
		if err != nil {
			return nil, err
		}
		rows := c.table(m[1])
		if _, ok := rows[key]; !ok {
			return driver.RowsAffected(0), nil
		}
		delete(rows, key)
		return driver.RowsAffected(1), nil
	}
	return nil, fmt.Errorf("pgstub: unsupported statement %q", query)
}

// QueryContext implements driver.QueryerContext.
func (c *SnapshotConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := selectRe.FindStringSubmatch(query)
	if m == nil {
		return nil, fmt.Errorf("pgstub: unsupported query %q", query)
	}
	key, err := argKey(args)
	if err != nil {
		return nil, err
	}
	rows := &payloadRows{}
	if payload, ok := c.table(m[1])[key]; ok {
		rows.values = [][]byte{append([]byte(nil), payload...)}
	}
	return rows, nil
}

func (c *SnapshotConn) table(name string) map[string][]byte {
	name = strings.ToLower(name)
	t, ok := c.tables[name]
	if !ok {
		t = make(map[string][]byte)
		c.tables[name] = t
	}
	return t
}

func argKey(args []driver.NamedValue) (string, error) {
	if len(args) == 0 {
		return "", errors.New("pgstub: missing study_oid argument")
	}
	return stringArg(args[0])
}

func stringArg(arg driver.NamedValue) (string, error) {
	s, ok := arg.Value.(string)
	if !ok {
		return "", fmt.Errorf("pgstub: argument %d is %T, want string", arg.Ordinal, arg.Value)
	}
	return s, nil
}

func bytesArg(arg driver.NamedValue) ([]byte, error) {
	switch v := arg.Value.(type) {
	case []byte:
		return append([]byte(nil), v...), nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("pgstub: argument %d is %T, want bytes", arg.Ordinal, arg.Value)
	}
}

type nopTx struct{}

func (nopTx) Commit() error   { return nil }
func (nopTx) Rollback() error { return nil }

type payloadRows struct {
	values [][]byte
	next   int
}

func (r *payloadRows) Columns() []string { return []string{"payload"} }
func (r *payloadRows) Close() error      { return nil }

func (r *payloadRows) Next(dest []driver.Value) error {
	if r.next >= len(r.values) {
		return io.EOF
	}
	dest[0] = r.values[r.next]
	r.next++
	return nil
}
