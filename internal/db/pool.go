package db

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/arbora/mailstored/internal/logging"
	"github.com/arbora/mailstored/internal/metrics"
	"github.com/arbora/mailstored/internal/reactor"
)

// PoolConfig sizes and paces a Pool (spec.md §6 db-max-handles,
// db-handle-interval).
type PoolConfig struct {
	Creds         Credentials
	MaxHandles    int
	MinHandles    int
	HandleIdle    time.Duration // retirement threshold for a free backend
	TxIdleHealthy time.Duration // grace period before rolling back a stalled, healthy transaction
	TxIdleFailed  time.Duration // grace period before rolling back a stalled, already-failed transaction
	Hasher        PasswordHasher
}

// Pool owns every Backend dialled for one PostgreSQL server, the
// process-wide NotifyBus, and the single designated listener backend
// (spec.md §3 Database Backend, §4.4 Pool management). Round-robin
// scheduling of free queries is adapted from the teacher's replica
// pool, generalised from "pick a read replica" to "pick an idle
// backend", since both problems reduce to health-tracked round-robin
// selection over a small address set.
type Pool struct {
	mu sync.Mutex

	cfg PoolConfig
	log *logging.Logger
	r   *reactor.Reactor
	bus *NotifyBus

	backends []*Backend
	current  int // round-robin cursor over backends

	listener *Backend

	ceiling int // effective max, may be reduced below cfg.MaxHandles by 53xxx
}

// NewPool creates an empty Pool. Call EnsureMinHandles once the Reactor
// is running to bring it up to cfg.MinHandles.
func NewPool(cfg PoolConfig, r *reactor.Reactor, log *logging.Logger) *Pool {
	if cfg.MaxHandles <= 0 {
		cfg.MaxHandles = 8
	}
	if cfg.HandleIdle <= 0 {
		cfg.HandleIdle = 60 * time.Second
	}
	if cfg.TxIdleHealthy <= 0 {
		cfg.TxIdleHealthy = 30 * time.Second
	}
	if cfg.TxIdleFailed <= 0 {
		cfg.TxIdleFailed = 5 * time.Second
	}
	return &Pool{
		cfg:     cfg,
		log:     log,
		r:       r,
		bus:     NewNotifyBus(),
		ceiling: cfg.MaxHandles,
	}
}

// Bus returns the process-wide NotifyBus backing this pool's listener.
func (p *Pool) Bus() *NotifyBus { return p.bus }

// EnsureMinHandles dials backends until MinHandles are registered (or
// the pool's current ceiling is reached).
func (p *Pool) EnsureMinHandles() error {
	p.mu.Lock()
	need := p.cfg.MinHandles - len(p.backends)
	p.mu.Unlock()
	for i := 0; i < need; i++ {
		if _, err := p.dial(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) dial() (*Backend, error) {
	p.mu.Lock()
	if len(p.backends) >= p.ceiling {
		p.mu.Unlock()
		return nil, fmt.Errorf("db: pool at ceiling (%d)", p.ceiling)
	}
	p.mu.Unlock()

	addr := net.JoinHostPort(p.cfg.Creds.Host, fmt.Sprintf("%d", p.cfg.Creds.Port))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("db: dial %s: %w", addr, err)
	}

	b := NewBackend(p.cfg.Creds, p.cfg.Hasher, p.bus, p.log)
	b.OnFatal(func(err error) { p.onBackendFatal(b, err) })
	b.OnAction(func(a action, e *ServerError) { p.onBackendAction(b, a, e) })
	b.OnIdle(func(b *Backend) { p.onBackendIdle(b) })
	b.OnTimeout(func(b *Backend) { p.onBackendTimeout(b) })

	if err := b.Attach(p.r, conn); err != nil {
		conn.Close()
		return nil, err
	}

	p.mu.Lock()
	p.backends = append(p.backends, b)
	if p.listener == nil {
		p.listener = b
		b.MarkListener()
		b.Listen(p.bus.Channels())
	}
	p.mu.Unlock()
	p.reportSize()
	return b, nil
}

func (p *Pool) reportSize() {
	count, ceiling := p.Size()
	metrics.PoolSize.WithLabelValues("count").Set(float64(count))
	metrics.PoolSize.WithLabelValues("ceiling").Set(float64(ceiling))
}

// onBackendIdle arms the retirement deadline for a free backend, unless
// it is the pool's listener (spec.md §3: "but at least one listener is
// retained").
func (p *Pool) onBackendIdle(b *Backend) {
	if b.IsListener() {
		return
	}
	p.mu.Lock()
	tooMany := len(p.backends) > p.cfg.MinHandles
	p.mu.Unlock()
	if !tooMany {
		return
	}
	b.Conn().SetDeadline(time.Now().Add(p.cfg.HandleIdle))
}

func (p *Pool) onBackendTimeout(b *Backend) {
	if tx := b.tx; tx != nil {
		p.log.Significant("transaction idle too long, diagnosing lock wait", "pid", b.PID())
		tx.diagnoseAndRollback(p)
		return
	}
	if b.IsListener() || !b.Idle() {
		return
	}
	p.log.Info("retiring idle backend", "pid", b.PID())
	p.remove(b)
	b.Terminate()
}

// logLockWait implements lockWaitLogger for Transaction.diagnoseAndRollback.
func (p *Pool) logLockWait(pid int32, rows []Row) {
	if len(rows) == 0 {
		p.log.Significant("transaction idle awaiting a lock, holder unknown", "pid", pid)
		return
	}
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		p.log.Significant("transaction idle awaiting a lock",
			"pid", pid, "blocking_pid", row[0], "blocking_query", row[1])
	}
}

func (p *Pool) onBackendFatal(b *Backend, err error) {
	p.log.Error("backend connection failed", "err", err)
	p.remove(b)
	if b.IsListener() {
		p.promoteListener()
	}
}

// promoteListener designates a replacement listener after the previous
// one failed (spec.md §9 Open Question: "never rotate the listener
// except on protocol failure").
func (p *Pool) promoteListener() {
	p.mu.Lock()
	p.listener = nil
	var candidate *Backend
	if len(p.backends) > 0 {
		candidate = p.backends[0]
	}
	p.mu.Unlock()
	if candidate != nil {
		candidate.MarkListener()
		p.mu.Lock()
		p.listener = candidate
		p.mu.Unlock()
		candidate.Listen(p.bus.Channels())
		return
	}
	if b, err := p.dial(); err != nil {
		p.log.Error("failed to dial replacement listener", "err", err)
	} else {
		_ = b
	}
}

func (p *Pool) onBackendAction(b *Backend, a action, e *ServerError) {
	switch a {
	case actionRemoveFromPool:
		p.log.Error("backend removed from pool", "code", e.Code, "message", e.Message)
		p.remove(b)
		if b.IsListener() {
			p.promoteListener()
		}
	case actionReconnectSoon:
		p.log.Info("backend reconnecting", "code", e.Code)
		p.remove(b)
		time.AfterFunc(2*time.Second, func() {
			if _, err := p.dial(); err != nil {
				p.log.Error("reconnect after 57P03 failed", "err", err)
			}
		})
	case actionHalvePoolCeiling:
		p.mu.Lock()
		if p.ceiling > 2 {
			p.ceiling = 2
		}
		p.mu.Unlock()
		p.reportSize()
		p.log.Error("resource limit reached, reducing pool ceiling to 2", "code", e.Code)
	case actionIdentFallback:
		p.log.Disaster("ident authentication rejected", "message", e.Message)
	case actionLogDisaster:
		p.log.Disaster("authentication failed", "code", e.Code, "message", e.Message)
	}
}

func (p *Pool) remove(b *Backend) {
	p.mu.Lock()
	for i, c := range p.backends {
		if c == b {
			p.backends = append(p.backends[:i], p.backends[i+1:]...)
			if p.current > i {
				p.current--
			}
			break
		}
	}
	p.mu.Unlock()
	p.reportSize()
}

// SubmitFree schedules q on the next backend in round-robin order,
// passing over the listener when another backend exists. A backend
// currently bound to a transaction is not skipped: it holds q in its
// free queue and sends it only after the transaction is released. A new
// backend is dialled only when the pool has none.
func (p *Pool) SubmitFree(q *Query) error {
	b := p.pickFree()
	if b == nil {
		var err error
		b, err = p.dial()
		if err != nil {
			q.fail("08006", "connection shutdown: "+err.Error())
			return err
		}
	}
	b.SubmitFree(q)
	return nil
}

func (p *Pool) pickFree() *Backend {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.backends)
	for i := 0; i < n; i++ {
		idx := (p.current + i) % n
		b := p.backends[idx]
		if b == p.listener && n > 1 {
			continue // prefer not to burden the listener with free work when alternatives exist
		}
		p.current = (idx + 1) % n
		return b
	}
	if n > 0 {
		return p.backends[0]
	}
	return nil
}

// BeginTransaction dials (or reuses a free) backend and exclusively
// binds a new Transaction to it.
func (p *Pool) BeginTransaction() (*Transaction, error) {
	b := p.pickFreeUnbound()
	if b == nil {
		var err error
		b, err = p.dial()
		if err != nil {
			return nil, err
		}
	}
	b.Conn().SetDeadline(time.Time{}) // clear any pending idle-retirement deadline
	return Begin(b, p.cfg.TxIdleHealthy, p.cfg.TxIdleFailed), nil
}

func (p *Pool) pickFreeUnbound() *Backend {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.backends {
		if b.Idle() && !b.IsListener() {
			return b
		}
	}
	return nil
}

// Size returns the current backend count and effective ceiling.
func (p *Pool) Size() (count, ceiling int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.backends), p.ceiling
}

// Listener returns the pool's current designated listener backend, or
// nil if none has been dialled yet.
func (p *Pool) Listener() *Backend {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listener
}

// Listen registers channel with the bus and, if newly registered,
// enqueues LISTEN on the listener backend.
func (p *Pool) Listen(channel string, ch chan Notification) {
	isNew := p.bus.Subscribe(channel, ch)
	if isNew {
		if l := p.Listener(); l != nil {
			l.Listen([]string{channel})
		}
	}
}

// Unlisten removes ch from channel's subscriber list.
func (p *Pool) Unlisten(channel string, ch chan Notification) {
	p.bus.Unsubscribe(channel, ch)
}
