package db

import "sync"

// State is a Query's lifecycle, advancing monotonically: Submitted ->
// Executing -> (Completed|Failed). No transition is ever reversed
// (spec.md §8 property 4).
type State int

const (
	Submitted State = iota
	Executing
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Submitted:
		return "submitted"
	case Executing:
		return "executing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Row is one DataRow's worth of decoded columns, in RowDescription
// order.
type Row []Value

// Query is immutable SQL text plus an ordered parameter list, handed to
// the database layer by a caller and mutated only by the Backend that
// executes it (spec.md §3 Query).
type Query struct {
	mu sync.Mutex

	SQL    string
	Params []Value

	// Name, if non-empty, makes this a named prepared statement: the
	// owning Backend parses it once and caches it by name.
	Name string

	// CanFail suppresses error logging (but never suppresses the error
	// itself reaching the caller) for queries whose failure is an
	// expected, handled outcome.
	CanFail bool

	// InputLines, if set, is streamed as CopyData frames in response to
	// a CopyInResponse (COPY FROM STDIN, spec.md §4.3).
	InputLines []string

	rows         []Row
	columns      []ColumnDescription
	state        State
	err          string
	errCode      string
	rowsAffected int64

	onDone func(*Query)
}

// ColumnDescription is one column of a RowDescription.
type ColumnDescription struct {
	Name string
	OID  int32
}

// NewQuery builds a free (non-prepared) Query.
func NewQuery(sql string, params ...Value) *Query {
	return &Query{SQL: sql, Params: params}
}

// NewNamedQuery builds a Query that will be prepared once per Backend
// under name and reused thereafter.
func NewNamedQuery(name, sql string, params ...Value) *Query {
	return &Query{SQL: sql, Params: params, Name: name}
}

// OnCompletion registers fn to be called exactly once, when the Query
// reaches Completed or Failed.
func (q *Query) OnCompletion(fn func(*Query)) {
	q.mu.Lock()
	q.onDone = fn
	q.mu.Unlock()
}

// State returns the Query's current lifecycle state.
func (q *Query) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Rows returns the rows received so far. Safe to call while the query
// is still executing (e.g. from a streaming COPY consumer), but the
// slice is only complete once State() is Completed.
func (q *Query) Rows() []Row {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rows
}

// Columns returns the column layout from the query's RowDescription.
func (q *Query) Columns() []ColumnDescription {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.columns
}

// Error returns the decoded error message, if State() is Failed.
func (q *Query) Error() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// SQLSTATE returns the error code, if State() is Failed.
func (q *Query) SQLSTATE() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.errCode
}

// RowsAffected returns the row count parsed from CommandComplete's
// command tag.
func (q *Query) RowsAffected() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rowsAffected
}

func (q *Query) setState(s State) {
	q.mu.Lock()
	q.state = s
	q.mu.Unlock()
}

func (q *Query) setColumns(cols []ColumnDescription) {
	q.mu.Lock()
	q.columns = cols
	q.mu.Unlock()
}

func (q *Query) addRow(r Row) {
	q.mu.Lock()
	q.rows = append(q.rows, r)
	q.mu.Unlock()
}

// complete transitions the query to Completed and fires its callback at
// most once.
func (q *Query) complete(rowsAffected int64) {
	q.mu.Lock()
	if q.state == Completed || q.state == Failed {
		q.mu.Unlock()
		return
	}
	q.state = Completed
	q.rowsAffected = rowsAffected
	cb := q.onDone
	q.mu.Unlock()
	if cb != nil {
		cb(q)
	}
}

// fail transitions the query to Failed and fires its callback at most
// once.
func (q *Query) fail(code, message string) {
	q.mu.Lock()
	if q.state == Completed || q.state == Failed {
		q.mu.Unlock()
		return
	}
	q.state = Failed
	q.errCode = code
	q.err = message
	cb := q.onDone
	q.mu.Unlock()
	if cb != nil {
		cb(q)
	}
}
