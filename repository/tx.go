package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// TxStatus is the state of the ambient transaction.
type TxStatus int

const (
	TxNone TxStatus = iota
	TxActive
	TxMarkedRollback
)

func (s TxStatus) String() string {
	switch s {
	case TxNone:
		return "none"
	case TxActive:
		return "active"
	case TxMarkedRollback:
		return "marked-rollback"
	default:
		return fmt.Sprintf("TxStatus(%d)", int(s))
	}
}

// TxManager controls the ambient transaction.
type TxManager interface {
	Status(ctx context.Context) TxStatus
	// CommitOrRollback ends the ambient transaction.
	CommitOrRollback(ctx context.Context) error
	// Begin starts a new ambient transaction with the given timeout.
	Begin(ctx context.Context, timeout time.Duration) error
	// RunInTransaction runs fn in a new transaction bounded by timeout.
	// The transaction commits if fn succeeds and rolls back otherwise.
	RunInTransaction(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error
}

// DefaultTxTimeout is used by RunInTransaction when timeout is zero.
const DefaultTxTimeout = 5 * time.Minute

// ErrTxActive is returned by Begin while a transaction is active.
var ErrTxActive = errors.New("transaction already active")

// LocalTx is an in-process TxManager that bounds transactions with context
// deadlines. It tracks a single ambient transaction.
type LocalTx struct {
	mu     sync.Mutex
	status TxStatus

	begins  int
	commits int
	runs    int
}

var _ TxManager = (*LocalTx)(nil)

// NewLocalTx returns a manager without an ambient transaction.
func NewLocalTx() *LocalTx {
	return &LocalTx{}
}

// Status implements TxManager.
func (t *LocalTx) Status(_ context.Context) TxStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// CommitOrRollback implements TxManager.
func (t *LocalTx) CommitOrRollback(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != TxNone {
		t.commits++
	}
	t.status = TxNone
	return nil
}

// Begin implements TxManager.
func (t *LocalTx) Begin(_ context.Context, _ time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != TxNone {
		return ErrTxActive
	}
	t.status = TxActive
	t.begins++
	return nil
}

// MarkRollbackOnly marks the ambient transaction for rollback.
func (t *LocalTx) MarkRollbackOnly() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == TxActive {
		t.status = TxMarkedRollback
	}
}

// RunInTransaction implements TxManager.
func (t *LocalTx) RunInTransaction(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = DefaultTxTimeout
	}
	t.mu.Lock()
	t.runs++
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

// Counts returns how many transactions were begun, ended and run.
func (t *LocalTx) Counts() (begins, commits, runs int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.begins, t.commits, t.runs
}
