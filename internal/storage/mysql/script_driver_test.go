package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// script 是一个按顺序校验调用的 database/sql 驱动，测试结束时要求所有步骤都被消费。
type script struct {
	mu    sync.Mutex
	steps []step
	pos   int
}

type stepKind string

const (
	kindExec     stepKind = "exec"
	kindQuery    stepKind = "query"
	kindBegin    stepKind = "begin"
	kindCommit   stepKind = "commit"
	kindRollback stepKind = "rollback"
)

type step struct {
	kind     stepKind
	sql      string
	affected int64
	columns  []string
	rows     [][]driver.Value
	err      error
}

func expectExec(query string, affected int64) step {
	return step{kind: kindExec, sql: query, affected: affected}
}

func expectQuery(query string, columns []string, rows ...[]driver.Value) step {
	return step{kind: kindQuery, sql: query, columns: columns, rows: rows}
}

func expectBegin() step    { return step{kind: kindBegin} }
func expectCommit() step   { return step{kind: kindCommit} }
func expectRollback() step { return step{kind: kindRollback} }

// fails 让该步骤在匹配后返回 err。
func (s step) fails(err error) step {
	s.err = err
	return s
}

var scriptSeq atomic.Int32

// openScript 注册一次性驱动并返回单连接的 *sql.DB。
func openScript(t *testing.T, steps ...step) *sql.DB {
	t.Helper()

	s := &script{steps: steps}
	name := fmt.Sprintf("script-mysql-%d", scriptSeq.Add(1))
	sql.Register(name, s)
	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open script db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = db.Close()
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.pos != len(s.steps) {
			t.Errorf("script stopped at step %d/%d", s.pos, len(s.steps))
		}
	})
	return db
}

func (s *script) advance(kind stepKind, query string) (step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.steps) {
		return step{}, fmt.Errorf("unexpected %s %q after script end", kind, squash(query))
	}
	next := s.steps[s.pos]
	if next.kind != kind {
		return step{}, fmt.Errorf("step %d: want %s, got %s %q", s.pos, next.kind, kind, squash(query))
	}
	if next.sql != "" && squash(next.sql) != squash(query) {
		return step{}, fmt.Errorf("step %d: want %q, got %q", s.pos, squash(next.sql), squash(query))
	}
	s.pos++
	return next, next.err
}

func squash(query string) string {
	return strings.Join(strings.Fields(query), " ")
}

func (s *script) Open(string) (driver.Conn, error) { return scriptConn{s}, nil }

type scriptConn struct{ s *script }

func (c scriptConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c scriptConn) Close() error { return nil }

func (c scriptConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c scriptConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if _, err := c.s.advance(kindBegin, ""); err != nil {
		return nil, err
	}
	return scriptTx(c), nil
}

func (c scriptConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	st, err := c.s.advance(kindExec, query)
	if err != nil {
		return nil, err
	}
	return driver.RowsAffected(st.affected), nil
}

func (c scriptConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	st, err := c.s.advance(kindQuery, query)
	if err != nil {
		return nil, err
	}
	return &scriptRows{columns: st.columns, rows: st.rows}, nil
}

type scriptTx scriptConn

func (tx scriptTx) Commit() error {
	_, err := tx.s.advance(kindCommit, "")
	return err
}

func (tx scriptTx) Rollback() error {
	_, err := tx.s.advance(kindRollback, "")
	return err
}

type scriptRows struct {
	columns []string
	rows    [][]driver.Value
}

func (r *scriptRows) Columns() []string { return r.columns }
func (r *scriptRows) Close() error      { return nil }

func (r *scriptRows) Next(dest []driver.Value) error {
	if len(r.rows) == 0 {
		return io.EOF
	}
	copy(dest, r.rows[0])
	r.rows = r.rows[1:]
	return nil
}
