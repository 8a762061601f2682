// Package db implements the PostgreSQL v3 frontend/backend wire
// protocol end to end (spec.md §4.3): a Backend is one dedicated TCP
// connection, authenticated as a configured user, that parses/binds/
// executes queries, participates in transactions, answers cancellation,
// and (for the one Backend designated the listener) relays NOTIFY
// traffic to a process-wide bus.
package db

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"github.com/arbora/mailstored/internal/logging"
	"github.com/arbora/mailstored/internal/metrics"
	"github.com/arbora/mailstored/internal/pgwire"
	"github.com/arbora/mailstored/internal/reactor"
)

// PasswordHasher produces the crypt(3)-style hash PostgreSQL's obsolete
// "Crypt" auth method expects. The hashing primitive itself is a
// Non-goal of this spec (consumed from an external provider); a nil
// Hasher simply fails the connection if the server ever actually asks
// for it, which real deployments should.
type PasswordHasher interface {
	CryptHash(password, salt string) string
}

// Credentials identify a Backend to the PostgreSQL server.
type Credentials struct {
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SearchPath string
}

// MinServerVersion is the numeric (major*10000+minor*100) floor this
// client enforces (spec.md §6: PostgreSQL >= 9.1).
const MinServerVersion = 90100

type backendPhase int

const (
	phaseConnecting backendPhase = iota
	phaseAuthenticating
	phaseStartup
	phaseReady
	phaseClosed
)

type inflight struct {
	query          *Query
	parseConfirmed bool
	startedAt      time.Time
}

func queryMetricKind(q *Query) string {
	if q.Name != "" {
		return q.Name
	}
	return "adhoc"
}

// Backend is one dedicated connection to PostgreSQL.
type Backend struct {
	log   *logging.Logger
	creds Credentials
	hash  PasswordHasher
	bus   *NotifyBus

	conn   *reactor.Connection
	reader *pgwire.Reader

	phase   backendPhase
	pid     int32
	secret  int32
	version int

	preparedNames map[string]bool
	pendingParse  map[string]bool

	sentQueue []inflight // in-flight, FIFO, one Sync per entry

	freeQueue []*Query
	txQueue   []*Query
	tx        *Transaction

	isListener       bool
	listenedChannels map[string]bool

	params map[string]string // latest ParameterStatus values

	onFatal    func(err error)                // connection-level fatal error
	onAction   func(a action, e *ServerError) // pool-visible side effects
	onIdle     func(b *Backend)               // fires once the backend has nothing left in flight
	onTimeout  func(b *Backend)               // fires on the connection's idle/lock-wait deadline

	lastErr string
}

// NewBackend builds a Backend for creds with no connection yet; Attach
// then registers an already-dialled net.Conn for it with a Reactor.
func NewBackend(creds Credentials, hash PasswordHasher, bus *NotifyBus, log *logging.Logger) *Backend {
	return &Backend{
		log:              log,
		creds:            creds,
		hash:             hash,
		bus:              bus,
		preparedNames:    make(map[string]bool),
		pendingParse:     make(map[string]bool),
		listenedChannels: make(map[string]bool),
		params:           make(map[string]string),
	}
}

// Attach registers conn with r under this Backend as its Handler. Call
// once, immediately after dialling. Register defers EventConnect until
// after this wiring so sendStartup has a non-nil b.conn to enqueue into.
func (b *Backend) Attach(r *reactor.Reactor, conn net.Conn) error {
	c, err := r.Register(conn, b)
	if err != nil {
		return err
	}
	b.conn = c
	b.reader = pgwire.NewReader(c.In)
	c.Connect()
	return nil
}

// OnFatal installs the callback invoked when the connection fails
// unrecoverably (protocol error, 08xxx, admin shutdown).
func (b *Backend) OnFatal(fn func(error)) { b.onFatal = fn }

// OnAction installs the callback invoked with the failure-matrix
// disposition (spec.md §4.3) whenever an ErrorResponse is classified.
func (b *Backend) OnAction(fn func(action, *ServerError)) { b.onAction = fn }

// OnIdle installs the callback invoked whenever the backend transitions
// to having no in-flight query, no queued work, and no bound
// transaction — the Pool uses this to arm the idle-retirement deadline
// (spec.md §4.4 Pool management).
func (b *Backend) OnIdle(fn func(*Backend)) { b.onIdle = fn }

// OnTimeout installs the callback invoked when the connection's
// deadline (set by the Pool via reactor.Connection.SetDeadline) fires.
// Distinct uses: idle-retirement for a free backend, lock-wait
// diagnostics for one parked inside a stalled transaction.
func (b *Backend) OnTimeout(fn func(*Backend)) { b.onTimeout = fn }

// Conn exposes the underlying reactor connection so the Pool can arm and
// clear idle/lock-wait deadlines.
func (b *Backend) Conn() *reactor.Connection { return b.conn }

// MarkListener designates this Backend as the process's single NOTIFY
// listener (spec.md Glossary). The listener is never rotated except on
// protocol failure (spec.md §9, Open Question resolved).
func (b *Backend) MarkListener() { b.isListener = true }

// IsListener reports whether this Backend is the designated listener.
func (b *Backend) IsListener() bool { return b.isListener }

// PID and SecretKey identify this backend for CancelRequest (spec.md
// §4.3 Cancellation).
func (b *Backend) PID() int32       { return b.pid }
func (b *Backend) SecretKey() int32 { return b.secret }

// Idle reports whether the backend has no in-flight query and no bound
// transaction — the condition under which a Pool may retire it.
func (b *Backend) Idle() bool {
	return b.phase == phaseReady && len(b.sentQueue) == 0 && len(b.freeQueue) == 0 && b.tx == nil
}

// React implements reactor.Handler.
func (b *Backend) React(ev reactor.Event) {
	switch ev {
	case reactor.EventConnect:
		b.sendStartup()
	case reactor.EventRead:
		b.drainFrames()
	case reactor.EventClose:
		b.phase = phaseClosed
		b.failAllInflight("connection closed")
		if b.onFatal != nil {
			b.onFatal(fmt.Errorf("db: connection closed"))
		}
	case reactor.EventTimeout:
		if b.onTimeout != nil {
			b.onTimeout(b)
		}
	case reactor.EventShutdown:
		if b.Idle() {
			b.Terminate()
		}
	}
}

func (b *Backend) sendStartup() {
	b.phase = phaseAuthenticating
	opts := map[string]string{
		"user":     b.creds.User,
		"database": b.creds.Database,
	}
	if b.creds.SearchPath != "" {
		opts["options"] = "-c search_path=" + b.creds.SearchPath
	}
	w := pgwire.NewWriter()
	w.Untagged(pgwire.StartupMessage(opts))
	b.conn.Enqueue(w.Bytes())
}

// SubmitFree enqueues a free (non-transaction-bound) query, to be
// scheduled on this backend only if it is not currently exclusively
// owned by a transaction (enforced by the Pool, not here).
func (b *Backend) SubmitFree(q *Query) {
	b.freeQueue = append(b.freeQueue, q)
	b.pump()
}

func (b *Backend) bindTransaction(t *Transaction) {
	b.tx = t
}

func (b *Backend) releaseTransaction(t *Transaction) {
	if b.tx == t {
		b.tx = nil
	}
	b.pump()
	b.checkIdle()
}

func (b *Backend) submitTransactionQuery(t *Transaction, q *Query) {
	b.txQueue = append(b.txQueue, q)
	b.pump()
}

// pump sends as many queued queries as are available while the
// connection is ready, preserving the invariant that a transaction's
// queries are the only ones scheduled on its backend while it is bound.
func (b *Backend) pump() {
	if b.phase != phaseReady {
		return
	}
	const maxInflight = 32
	for len(b.sentQueue) < maxInflight {
		var q *Query
		if b.tx != nil {
			if len(b.txQueue) == 0 {
				break
			}
			q, b.txQueue = b.txQueue[0], b.txQueue[1:]
		} else {
			if len(b.freeQueue) == 0 {
				break
			}
			q, b.freeQueue = b.freeQueue[0], b.freeQueue[1:]
		}
		b.send(q)
	}
}

func (b *Backend) send(q *Query) {
	q.setState(Executing)
	w := pgwire.NewWriter()

	needParse := q.Name == "" || (!b.preparedNames[q.Name] && !b.pendingParse[q.Name])
	if needParse {
		w.Message(pgwire.Parse, pgwire.ParseMessage(q.Name, q.SQL, nil))
		if q.Name != "" {
			b.pendingParse[q.Name] = true
		}
	}

	params := make([][]byte, len(q.Params))
	for i, p := range q.Params {
		params[i] = p.WireText()
	}
	w.Message(pgwire.Bind, pgwire.BindMessage("", q.Name, params))
	w.Message(pgwire.Describe, pgwire.DescribeMessage('P', ""))
	w.Message(pgwire.Execute, pgwire.ExecuteMessage("", 0))
	w.Message(pgwire.Sync, nil)

	b.conn.Enqueue(w.Bytes())
	b.sentQueue = append(b.sentQueue, inflight{query: q, parseConfirmed: !needParse, startedAt: time.Now()})
}

func (b *Backend) drainFrames() {
	for {
		f, ok := b.reader.Next()
		if !ok {
			if b.reader.BadFrame() {
				b.protocolError("malformed frame length")
			}
			return
		}
		b.handleFrame(f)
	}
}

func (b *Backend) protocolError(msg string) {
	b.phase = phaseClosed
	b.failAllInflight(msg)
	b.conn.SetState(reactor.Closing)
	if b.onFatal != nil {
		b.onFatal(&ProtocolError{Msg: msg})
	}
}

func (b *Backend) failAllInflight(msg string) {
	for _, inf := range b.sentQueue {
		inf.query.fail("08000", msg)
	}
	b.sentQueue = nil
	for _, q := range b.freeQueue {
		q.fail("08000", msg)
	}
	b.freeQueue = nil
	for _, q := range b.txQueue {
		q.fail("08000", msg)
	}
	b.txQueue = nil
}

func (b *Backend) handleFrame(f pgwire.Frame) {
	switch f.Type {
	case pgwire.Authentication:
		b.handleAuth(f.Payload)
	case pgwire.ParameterStatus:
		b.handleParameterStatus(f.Payload)
	case pgwire.BackendKeyData:
		if len(f.Payload) >= 8 {
			b.pid = int32(binary.BigEndian.Uint32(f.Payload[0:4]))
			b.secret = int32(binary.BigEndian.Uint32(f.Payload[4:8]))
		}
	case pgwire.ReadyForQuery:
		b.handleReadyForQuery()
	case pgwire.RowDescription:
		b.handleRowDescription(f.Payload)
	case pgwire.DataRow:
		b.handleDataRow(f.Payload)
	case pgwire.CommandComplete:
		b.handleCommandComplete(f.Payload)
	case pgwire.ParseComplete:
		if len(b.sentQueue) > 0 {
			cur := &b.sentQueue[0]
			cur.parseConfirmed = true
			if cur.query.Name != "" {
				delete(b.pendingParse, cur.query.Name)
				b.preparedNames[cur.query.Name] = true
			}
		}
	case pgwire.BindComplete, pgwire.NoData, pgwire.ParameterDescr, pgwire.CloseComplete:
		// no state change required beyond what ReadyForQuery/CommandComplete track
	case pgwire.NotificationResp:
		b.handleNotification(f.Payload)
	case pgwire.ErrorResponse:
		b.handleErrorResponse(f.Payload)
	case pgwire.NoticeResponse:
		// informational; nothing actionable
	case pgwire.CopyInResponse:
		b.handleCopyIn()
	default:
		b.log.Debug("unhandled frame", "type", string(f.Type))
	}
}

func (b *Backend) handleAuth(payload []byte) {
	if len(payload) < 4 {
		b.protocolError("short authentication message")
		return
	}
	sub := binary.BigEndian.Uint32(payload[0:4])
	switch sub {
	case pgwire.AuthOk:
		// authenticated; wait for ReadyForQuery to finish startup
	case pgwire.AuthCleartextPassword:
		w := pgwire.NewWriter()
		w.Message(pgwire.PasswordMsg, pgwire.CString(b.creds.Password))
		b.conn.Enqueue(w.Bytes())
	case pgwire.AuthMD5Password:
		if len(payload) < 8 {
			b.protocolError("short MD5 authentication message")
			return
		}
		salt := payload[4:8]
		hashed := md5Password(b.creds.User, b.creds.Password, salt)
		w := pgwire.NewWriter()
		w.Message(pgwire.PasswordMsg, pgwire.CString(hashed))
		b.conn.Enqueue(w.Bytes())
	case pgwire.AuthCrypt:
		if b.hash == nil {
			b.protocolError("crypt authentication requested but no PasswordHasher configured")
			return
		}
		salt := string(payload[4:])
		w := pgwire.NewWriter()
		w.Message(pgwire.PasswordMsg, pgwire.CString(b.hash.CryptHash(b.creds.Password, salt)))
		b.conn.Enqueue(w.Bytes())
	default:
		b.protocolError(fmt.Sprintf("unsupported authentication method %d", sub))
	}
}

// md5Password implements PostgreSQL's MD5 auth:
// "md5" || hex(md5(hex(md5(password||user)) || salt)).
func md5Password(user, password string, salt []byte) string {
	inner := md5.Sum([]byte(password + user))
	innerHex := hex.EncodeToString(inner[:])
	outer := md5.Sum(append([]byte(innerHex), salt...))
	return "md5" + hex.EncodeToString(outer[:])
}

func (b *Backend) handleParameterStatus(payload []byte) {
	name, off, err := pgwire.ParseCString(payload, 0)
	if err != nil {
		return
	}
	value, _, err := pgwire.ParseCString(payload, off)
	if err != nil {
		return
	}
	b.params[name] = value

	switch name {
	case "server_version":
		b.version = parseServerVersion(value)
		if b.version < MinServerVersion {
			b.log.Disaster("server version below minimum", "version", value, "min", MinServerVersion)
			b.protocolError("server version below minimum")
		}
	case "client_encoding":
		if value != "UTF8" && value != "SQL_ASCII" {
			b.log.Disaster("unacceptable client_encoding", "value", value)
			b.protocolError("unacceptable client_encoding")
		}
	case "DateStyle":
		if !containsISO(value) {
			b.log.Disaster("DateStyle does not include ISO", "value", value)
			b.protocolError("DateStyle does not include ISO")
		}
	}
}

func containsISO(v string) bool {
	for i := 0; i+3 <= len(v); i++ {
		if v[i] == 'I' && v[i+1] == 'S' && v[i+2] == 'O' {
			return true
		}
	}
	return false
}

// parseServerVersion turns "13.4" / "9.1.24" into major*10000+minor*100.
func parseServerVersion(v string) int {
	major, minor := 0, 0
	i := 0
	for i < len(v) && v[i] >= '0' && v[i] <= '9' {
		major = major*10 + int(v[i]-'0')
		i++
	}
	if i < len(v) && v[i] == '.' {
		i++
		for i < len(v) && v[i] >= '0' && v[i] <= '9' {
			minor = minor*10 + int(v[i]-'0')
			i++
		}
	}
	return major*10000 + minor*100
}

func (b *Backend) handleReadyForQuery() {
	if b.phase == phaseAuthenticating || b.phase == phaseStartup {
		b.phase = phaseReady
		b.pump()
		b.checkIdle()
		return
	}
	if len(b.sentQueue) > 0 {
		b.sentQueue = b.sentQueue[1:]
	}
	b.pump()
	b.checkIdle()
}

func (b *Backend) checkIdle() {
	if b.Idle() && b.onIdle != nil {
		b.onIdle(b)
	}
}

func (b *Backend) handleRowDescription(payload []byte) {
	if len(b.sentQueue) == 0 || len(payload) < 2 {
		return
	}
	n := int(binary.BigEndian.Uint16(payload[0:2]))
	off := 2
	cols := make([]ColumnDescription, 0, n)
	for i := 0; i < n; i++ {
		name, next, err := pgwire.ParseCString(payload, off)
		if err != nil {
			b.protocolError("malformed RowDescription")
			return
		}
		off = next
		if off+18 > len(payload) {
			b.protocolError("malformed RowDescription")
			return
		}
		oid := int32(binary.BigEndian.Uint32(payload[off+6 : off+10]))
		off += 18
		cols = append(cols, ColumnDescription{Name: name, OID: oid})
	}
	b.sentQueue[0].query.setColumns(cols)
}

func (b *Backend) handleDataRow(payload []byte) {
	if len(b.sentQueue) == 0 || len(payload) < 2 {
		return
	}
	q := b.sentQueue[0].query
	cols := q.Columns()
	n := int(binary.BigEndian.Uint16(payload[0:2]))
	off := 2
	row := make(Row, 0, n)
	for i := 0; i < n; i++ {
		if off+4 > len(payload) {
			b.protocolError("malformed DataRow")
			return
		}
		length := int32(binary.BigEndian.Uint32(payload[off : off+4]))
		off += 4
		var raw []byte
		if length >= 0 {
			if off+int(length) > len(payload) {
				b.protocolError("malformed DataRow")
				return
			}
			raw = payload[off : off+int(length)]
			off += int(length)
		}
		var oid int32
		if i < len(cols) {
			oid = cols[i].OID
		}
		v, err := DecodeColumn(oid, raw)
		if err != nil {
			b.protocolError(err.Error())
			return
		}
		row = append(row, v)
	}
	q.addRow(row)
}

func (b *Backend) handleCommandComplete(payload []byte) {
	if len(b.sentQueue) == 0 {
		return
	}
	tag := string(payload)
	if i := indexNUL(payload); i >= 0 {
		tag = string(payload[:i])
	}
	cur := b.sentQueue[0]
	kind := queryMetricKind(cur.query)
	metrics.QueryTotal.WithLabelValues(kind, "completed").Inc()
	metrics.QueryLatency.WithLabelValues(kind).Observe(time.Since(cur.startedAt).Seconds())
	cur.query.complete(commandTag(tag))
}

func indexNUL(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

func (b *Backend) handleErrorResponse(payload []byte) {
	se := decodeErrorResponse(payload)
	se.Message = friendlyMessage(se)
	act := classify(se)

	b.lastErr = se.Error()

	if act != actionLogDebug {
		if !b.currentCanFail() {
			b.log.Error("query failed", "code", se.Code, "message", se.Message)
		}
	}

	if len(b.sentQueue) > 0 {
		cur := b.sentQueue[0]
		if !cur.parseConfirmed && cur.query.Name != "" {
			delete(b.pendingParse, cur.query.Name)
		}
		if !cur.query.CanFail {
			metrics.QueryTotal.WithLabelValues(queryMetricKind(cur.query), "failed").Inc()
		}
		cur.query.fail(se.Code, se.Message)
	}

	switch act {
	case actionFatalConnection, actionRemoveFromPool, actionReconnectSoon:
		b.phase = phaseClosed
		b.conn.SetState(reactor.Closing)
	}

	if b.onAction != nil {
		b.onAction(act, se)
	}
}

func (b *Backend) currentCanFail() bool {
	if len(b.sentQueue) == 0 {
		return false
	}
	return b.sentQueue[0].query.CanFail
}

func (b *Backend) handleNotification(payload []byte) {
	if len(payload) < 4 {
		return
	}
	pid := int32(binary.BigEndian.Uint32(payload[0:4]))
	channel, off, err := pgwire.ParseCString(payload, 4)
	if err != nil {
		return
	}
	msg, _, _ := pgwire.ParseCString(payload, off)
	if b.bus != nil {
		b.bus.Dispatch(Notification{Channel: channel, Payload: msg, PID: pid})
	}
}

func (b *Backend) handleCopyIn() {
	if len(b.sentQueue) == 0 {
		return
	}
	q := b.sentQueue[0].query
	w := pgwire.NewWriter()
	if len(q.InputLines) == 0 {
		w.Message(pgwire.CopyFail, pgwire.CString("no input data"))
	} else {
		for _, line := range q.InputLines {
			w.Message(pgwire.CopyData, []byte(line))
		}
		w.Message(pgwire.CopyDone, nil)
	}
	b.conn.Enqueue(w.Bytes())
}

// Listen enqueues LISTEN for every channel the bus has registered but
// this backend hasn't yet subscribed to on the wire. Only the listener
// backend should call this.
func (b *Backend) Listen(channels []string) {
	for _, ch := range channels {
		if b.listenedChannels[ch] {
			continue
		}
		b.listenedChannels[ch] = true
		b.SubmitFree(NewQuery("LISTEN " + quoteIdentifier(ch)))
	}
}

// Terminate sends a graceful Terminate and closes the connection. Called
// by the Pool when retiring an idle backend.
func (b *Backend) Terminate() {
	w := pgwire.NewWriter()
	w.Message(pgwire.Terminate, nil)
	b.conn.Enqueue(w.Bytes())
	b.conn.SetState(reactor.Closing)
	b.phase = phaseClosed
}
