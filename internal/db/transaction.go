package db

import (
	"sync"
	"time"
)

// TxState is a Transaction's lifecycle.
type TxState int

const (
	TxInactive TxState = iota
	TxExecuting
	TxCompleted
	TxFailed
	TxRolledBack
)

// Transaction groups queries bounded by BEGIN/COMMIT/ROLLBACK on one
// Backend; for its lifetime it exclusively owns that Backend (spec.md
// §3 Transaction, §8 property 6).
type Transaction struct {
	mu      sync.Mutex
	state   TxState
	backend *Backend
	queries []*Query

	// idleHealthy/idleFailed are the grace periods (spec.md §4.4 Pool
	// management: "longer for healthy transactions, shorter for
	// transactions already marked failed") before a transaction with no
	// pending query is rolled back to free its backend.
	idleHealthy time.Duration
	idleFailed  time.Duration
}

// Begin submits BEGIN on b and returns a Transaction bound exclusively
// to it. idleHealthy and idleFailed are the grace periods the owning
// Pool waits before reclaiming a transaction that has gone quiet.
func Begin(b *Backend, idleHealthy, idleFailed time.Duration) *Transaction {
	t := &Transaction{state: TxExecuting, backend: b, idleHealthy: idleHealthy, idleFailed: idleFailed}
	b.bindTransaction(t)
	begin := NewQuery("BEGIN")
	t.Enqueue(begin)
	return t
}

// armIdleDeadline sets the backend's connection deadline to this
// transaction's current grace period, measured from now. Called from the
// completion callback of every query enqueued on the transaction; the
// next Enqueue clears the deadline again.
func (t *Transaction) armIdleDeadline() {
	t.mu.Lock()
	failed := t.state == TxFailed
	t.mu.Unlock()

	grace := t.idleHealthy
	if failed {
		grace = t.idleFailed
	}
	if grace <= 0 {
		return
	}
	t.backend.Conn().SetDeadline(time.Now().Add(grace))
}

// diagnoseAndRollback issues a diagnostic query against pg_locks and
// pg_stat_activity to identify what this transaction's backend is
// blocked on (spec.md §4.4: "the client issues a diagnostic query ...
// and logs it at significant level"), then rolls the transaction back
// so its backend can be reused.
func (t *Transaction) diagnoseAndRollback(log lockWaitLogger) {
	diag := NewQuery(lockDiagnosticSQL)
	diag.CanFail = true
	diag.OnCompletion(func(q *Query) {
		if q.State() == Completed {
			log.logLockWait(t.backend.PID(), q.Rows())
		}
		t.Rollback()
	})
	t.backend.submitTransactionQuery(t, diag)
}

// lockWaitLogger decouples diagnoseAndRollback from *logging.Logger's
// concrete signature so transaction.go doesn't need to import it.
type lockWaitLogger interface {
	logLockWait(pid int32, rows []Row)
}

const lockDiagnosticSQL = `
SELECT blocking.pid AS blocking_pid, blocking.query AS blocking_query
FROM pg_locks waiting
JOIN pg_stat_activity blocked ON blocked.pid = waiting.pid
JOIN pg_locks blocking_lock
  ON blocking_lock.locktype = waiting.locktype
 AND blocking_lock.database IS NOT DISTINCT FROM waiting.database
 AND blocking_lock.relation IS NOT DISTINCT FROM waiting.relation
 AND blocking_lock.pid != waiting.pid
 AND blocking_lock.granted
JOIN pg_stat_activity blocking ON blocking.pid = blocking_lock.pid
WHERE NOT waiting.granted`

// Backend returns the Backend this transaction exclusively owns.
func (t *Transaction) Backend() *Backend { return t.backend }

// State returns the transaction's current lifecycle state.
func (t *Transaction) State() TxState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Enqueue submits q on this transaction's backend, in submission order
// relative to every other query already enqueued on it.
func (t *Transaction) Enqueue(q *Query) {
	t.mu.Lock()
	t.queries = append(t.queries, q)
	t.mu.Unlock()

	t.backend.Conn().SetDeadline(time.Time{}) // work pending; idle-grace deadline no longer applies

	q.mu.Lock()
	prev := q.onDone
	q.mu.Unlock()
	q.OnCompletion(func(q *Query) {
		if q.State() == Failed {
			t.markFailed()
		}
		t.armIdleDeadline()
		if prev != nil {
			prev(q)
		}
	})
	t.backend.submitTransactionQuery(t, q)
}

func (t *Transaction) markFailed() {
	t.mu.Lock()
	if t.state == TxExecuting {
		t.state = TxFailed
	}
	t.mu.Unlock()
}

// Commit issues COMMIT, unless the transaction already failed, in which
// case it issues ROLLBACK instead (spec.md §3: "a subsequent commit
// becomes a rollback").
func (t *Transaction) Commit() *Query {
	t.mu.Lock()
	failed := t.state == TxFailed
	t.mu.Unlock()

	var q *Query
	if failed {
		q = NewQuery("ROLLBACK")
	} else {
		q = NewQuery("COMMIT")
	}
	q.OnCompletion(func(q *Query) {
		t.mu.Lock()
		if t.state == TxFailed || failed {
			t.state = TxRolledBack
		} else if q.State() == Failed {
			t.state = TxFailed
		} else {
			t.state = TxCompleted
		}
		t.mu.Unlock()
		t.backend.releaseTransaction(t)
	})
	t.Enqueue(q)
	return q
}

// Rollback issues ROLLBACK unconditionally, abandoning any in-flight
// query (it is allowed to fail naturally, per spec.md §5 Cancellation).
func (t *Transaction) Rollback() *Query {
	q := NewQuery("ROLLBACK")
	q.OnCompletion(func(*Query) {
		t.mu.Lock()
		t.state = TxRolledBack
		t.mu.Unlock()
		t.backend.releaseTransaction(t)
	})
	t.Enqueue(q)
	return q
}
