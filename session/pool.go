package session

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/kydenul/log"

	"github.com/kydenul/k-rdb/internal/discardlog"
	"github.com/kydenul/k-rdb/transport"
)

// destroyTimeout bounds the backend delete of a discarded session.
const destroyTimeout = 15 * time.Second

// waiter is one queued acquisition. The channel is buffered so a releaser
// never blocks handing a session to a caller that already gave up.
type waiter struct {
	ch   chan *Session
	prov string
}

// Pool manages a bounded set of sessions, split into a read-idle set and a
// write-idle set (sessions holding a pre-begun read-write transaction).
// The pool is the sole owner of session membership; callers only hold
// leases handed out by Take/TakeWrite and returned through Release.
type Pool struct {
	tr       transport.Transport
	database string
	cfg      Config
	logger   log.Logger

	mu         sync.Mutex
	idleReads  []*Session
	idleWrites []*Session
	leased     map[*Session]string
	pinging    map[*Session]bool
	waiters    []*waiter
	numOpened  int
	closed     bool
	leaks      []string

	obsMu     sync.RWMutex
	observers []func(error)

	maintCancel context.CancelFunc
	wg          sync.WaitGroup
}

// NewPool creates a session pool for the named database. The pool is inert
// until Open is called.
func NewPool(tr transport.Transport, database string, cfg *Config) (*Pool, error) {
	if tr == nil {
		return nil, ErrNilTransport
	}
	if database == "" {
		return nil, fmt.Errorf("database name cannot be empty")
	}

	conf := normalizeConfig(cfg)

	logger := conf.Logger
	if logger == nil {
		logger = discardlog.NewDiscardLog()
	}

	return &Pool{
		tr:       tr,
		database: database,
		cfg:      conf,
		logger:   logger,
		leased:   make(map[*Session]string),
		pinging:  make(map[*Session]bool),
	}, nil
}

func normalizeConfig(cfg *Config) Config {
	conf := *DefaultConfig()
	if cfg != nil {
		conf = *cfg
	}

	if conf.MaxSessions <= 0 {
		conf.MaxSessions = DefaultMaxSessions
	}
	if conf.MinSessions < 0 {
		conf.MinSessions = 0
	}
	if conf.MinSessions > conf.MaxSessions {
		conf.MinSessions = conf.MaxSessions
	}
	if conf.MaxIdleSessions <= 0 {
		conf.MaxIdleSessions = DefaultMaxIdleSessions
	}
	if conf.MaxIdleSessions < conf.MinSessions {
		conf.MaxIdleSessions = conf.MinSessions
	}
	if conf.AcquireTimeout <= 0 {
		conf.AcquireTimeout = DefaultAcquireTimeout
	}
	if conf.KeepAliveInterval <= 0 {
		conf.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if conf.WriteFraction < 0 {
		conf.WriteFraction = DefaultWriteFraction
	}
	if conf.WriteFraction > 1 {
		conf.WriteFraction = 1
	}
	return conf
}

// OnError registers an observer for pool-internal background errors:
// warm-up and keep-alive failures that belong to no single in-flight call.
// Pool errors never silently vanish.
func (p *Pool) OnError(fn func(error)) {
	if fn == nil {
		return
	}
	p.obsMu.Lock()
	p.observers = append(p.observers, fn)
	p.obsMu.Unlock()
}

func (p *Pool) emitError(err error) {
	p.logger.Errorf("session pool: %v", err)

	p.obsMu.RLock()
	observers := p.observers
	p.obsMu.RUnlock()

	for _, fn := range observers {
		fn(err)
	}
}

// Open warms the pool up to MinSessions asynchronously and starts the
// keep-alive maintenance loop. Warm-up failures are reported through the
// error observers; they never fail Open itself.
func (p *Pool) Open(ctx context.Context) {
	maintCtx, cancel := context.WithCancel(context.Background())
	p.maintCancel = cancel

	p.wg.Add(2)
	go p.warmUp(ctx)
	go p.maintain(maintCtx)
}

func (p *Pool) warmUp(ctx context.Context) {
	defer p.wg.Done()

	writeTarget := int(p.cfg.WriteFraction * float64(p.cfg.MinSessions))

	for i := 0; i < p.cfg.MinSessions; i++ {
		if !p.reserveSlot() {
			return
		}

		s, err := p.newSession(ctx)
		if err != nil {
			p.unreserveSlot()
			p.emitError(fmt.Errorf("pool warm-up: %w", err))
			return
		}

		if i < writeTarget {
			if meta, err := p.beginReadWrite(ctx, s); err != nil {
				p.emitError(fmt.Errorf("pool warm-up: failed to prepare write session: %w", err))
			} else {
				s.pendingTxn = meta
			}
		}

		p.mu.Lock()
		if p.closed {
			p.numOpened--
			p.mu.Unlock()
			p.destroyAsync(s)
			return
		}
		s.idleSince.Store(time.Now().UnixNano())
		if s.pendingTxn != nil {
			p.idleWrites = append(p.idleWrites, s)
		} else {
			p.idleReads = append(p.idleReads, s)
		}
		p.mu.Unlock()
	}

	p.logger.Infof("session pool warmed up to %d session(s)", p.cfg.MinSessions)
}

// reserveSlot claims capacity for one new session. It returns false when
// the pool is closed or already at MaxSessions.
func (p *Pool) reserveSlot() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.numOpened >= p.cfg.MaxSessions {
		return false
	}
	p.numOpened++
	return true
}

func (p *Pool) unreserveSlot() {
	p.mu.Lock()
	p.numOpened--
	p.mu.Unlock()
}

func (p *Pool) newSession(ctx context.Context) (*Session, error) {
	meta, err := p.tr.CreateSession(ctx, &transport.CreateSessionRequest{
		Database: p.database,
		Labels:   p.cfg.Labels,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return New(p.tr, meta, p.logger)
}

func (p *Pool) beginReadWrite(ctx context.Context, s *Session) (*transport.Transaction, error) {
	meta, err := p.tr.BeginTransaction(ctx, &transport.BeginTransactionRequest{
		Session: s.Name(),
		Options: &transport.TransactionOptions{ReadWrite: true},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin read-write transaction: %w", err)
	}
	return meta, nil
}

// checkoutProvenance identifies the acquisition site for leak reporting.
func (p *Pool) checkoutProvenance(s string) string {
	if p.cfg.TrackLeaks {
		return string(debug.Stack())
	}
	return s
}

// Take returns an idle read-eligible session, creating one if the pool is
// below MaxSessions. At capacity, the caller queues FIFO until a session is
// released; the wait is bounded by AcquireTimeout, after which Take fails
// with ErrPoolExhausted.
func (p *Pool) Take(ctx context.Context) (*Session, error) {
	return p.takeSession(ctx, false)
}

// TakeWrite is Take for write work: it draws from the write-idle set (or
// promotes a session by beginning a read-write transaction on it) and
// returns the session together with its pre-begun transaction.
func (p *Pool) TakeWrite(ctx context.Context) (*Session, *Transaction, error) {
	s, err := p.takeSession(ctx, true)
	if err != nil {
		return nil, nil, err
	}

	if meta := s.pendingTxn; meta != nil {
		s.pendingTxn = nil
		return s, newReadWrite(p, s, meta), nil
	}

	meta, err := p.beginReadWrite(ctx, s)
	if err != nil {
		if transport.IsSessionInvalid(err) {
			s.MarkBad()
		}
		p.Release(s)
		return nil, nil, err
	}
	return s, newReadWrite(p, s, meta), nil
}

func (p *Pool) takeSession(ctx context.Context, preferWrite bool) (*Session, error) {
	prov := p.checkoutProvenance("")

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if s := p.popIdleLocked(preferWrite); s != nil {
		if !preferWrite {
			// A read lease never uses a prepared handle; orphan it and let
			// the backend expire it.
			s.pendingTxn = nil
		}
		p.registerLeaseLocked(s, prov)
		p.mu.Unlock()
		return s, nil
	}

	if p.numOpened < p.cfg.MaxSessions {
		p.numOpened++
		p.mu.Unlock()

		s, err := p.newSession(ctx)
		if err != nil {
			p.unreserveSlot()
			return nil, err
		}

		p.mu.Lock()
		p.registerLeaseLocked(s, prov)
		p.mu.Unlock()
		return s, nil
	}

	w := &waiter{ch: make(chan *Session, 1), prov: prov}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	return p.waitForSession(ctx, w)
}

func (p *Pool) waitForSession(ctx context.Context, w *waiter) (*Session, error) {
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case s := <-w.ch:
		if s == nil {
			return nil, ErrPoolClosed
		}
		return s, nil

	case <-ctx.Done():
		p.abandonWaiter(w)
		return nil, ctx.Err()

	case <-timer.C:
		p.abandonWaiter(w)
		return nil, ErrPoolExhausted
	}
}

// abandonWaiter removes w from the queue. If a releaser already picked w, a
// session may be in flight on its channel; it goes straight back to the pool.
func (p *Pool) abandonWaiter(w *waiter) {
	p.mu.Lock()
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	select {
	case s := <-w.ch:
		if s != nil {
			p.Release(s)
		}
	default:
	}
}

// popIdleLocked removes one idle session, preferring the set the caller
// asked for. Read work consumes read-idle sessions first so prepared write
// transactions are not wasted.
func (p *Pool) popIdleLocked(preferWrite bool) *Session {
	pop := func(set *[]*Session) *Session {
		if len(*set) == 0 {
			return nil
		}
		s := (*set)[len(*set)-1]
		*set = (*set)[:len(*set)-1]
		s.idleSince.Store(0)
		return s
	}

	if preferWrite {
		if s := pop(&p.idleWrites); s != nil {
			return s
		}
		return pop(&p.idleReads)
	}
	if s := pop(&p.idleReads); s != nil {
		return s
	}
	return pop(&p.idleWrites)
}

func (p *Pool) registerLeaseLocked(s *Session, prov string) {
	if prov == "" {
		prov = s.Name()
	}
	p.leased[s] = prov
	s.touch()
}

// CreateTransaction begins a read-only transaction bound to the given
// session. Pool membership is untouched: the caller keeps the lease and the
// transaction releases it on its terminal state.
func (p *Pool) CreateTransaction(ctx context.Context, s *Session, tb TimestampBound) (*Transaction, error) {
	if s == nil {
		return nil, ErrNilSession
	}

	meta, err := p.tr.BeginTransaction(ctx, &transport.BeginTransactionRequest{
		Session: s.Name(),
		Options: &transport.TransactionOptions{ReadOnly: tb.Options()},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin read-only transaction: %w", err)
	}
	return newReadOnly(p, s, meta), nil
}

// Release returns a leased session. Healthy sessions go to the oldest
// waiter, or back to the idle set; sessions flagged bad are destroyed and
// their capacity freed so a replacement can be created lazily.
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}

	p.mu.Lock()
	delete(p.leased, s)
	delete(p.pinging, s)

	if p.closed || s.isBad() {
		closed := p.closed
		replace := false
		if !closed {
			p.numOpened--
			// The freed capacity must reach queued waiters; they cannot
			// retry on their own before their timeout fires.
			if len(p.waiters) > 0 && p.numOpened < p.cfg.MaxSessions {
				p.numOpened++
				replace = true
			}
		}
		p.mu.Unlock()
		if !closed {
			p.logger.Warnf("discarding unhealthy session %s", s.Name())
		}
		p.destroyAsync(s)
		if replace {
			go p.replaceSession()
		}
		return
	}

	s.touch()

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.leased[s] = w.prov
		p.mu.Unlock()
		w.ch <- s
		return
	}

	if len(p.idleReads)+len(p.idleWrites) >= p.cfg.MaxIdleSessions {
		p.numOpened--
		p.mu.Unlock()
		p.destroyAsync(s)
		return
	}

	s.idleSince.Store(time.Now().UnixNano())
	p.idleReads = append(p.idleReads, s)
	p.mu.Unlock()
}

// replaceSession fills the slot reserved when an unhealthy session was
// discarded with waiters queued. The fresh session goes through Release so
// the oldest waiter gets it first.
func (p *Pool) replaceSession() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AcquireTimeout)
	defer cancel()

	s, err := p.newSession(ctx)
	if err != nil {
		p.unreserveSlot()
		p.emitError(fmt.Errorf("failed to replace unhealthy session: %w", err))
		return
	}

	p.mu.Lock()
	p.registerLeaseLocked(s, s.Name())
	p.mu.Unlock()
	p.Release(s)
}

func (p *Pool) destroyAsync(s *Session) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
		defer cancel()
		if err := s.destroy(ctx); err != nil {
			p.logger.Warnf("failed to destroy session %s: %v", s.Name(), err)
		}
	}()
}

// maintain pings idle sessions on every KeepAliveInterval tick so the
// backend does not expire them, and drops the ones it already has.
func (p *Pool) maintain(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.keepAlive(ctx)
		}
	}
}

func (p *Pool) keepAlive(ctx context.Context) {
	cutoff := time.Now().Add(-p.cfg.KeepAliveInterval)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var stale []*Session
	keep := func(set []*Session) []*Session {
		out := set[:0]
		for _, s := range set {
			if s.lastUsedAt().Before(cutoff) {
				// Not a caller lease: a concurrent Close must not report
				// an in-flight ping as a leak.
				p.pinging[s] = true
				stale = append(stale, s)
			} else {
				out = append(out, s)
			}
		}
		return out
	}
	p.idleReads = keep(p.idleReads)
	p.idleWrites = keep(p.idleWrites)
	opened, leased := p.numOpened, len(p.leased)
	p.mu.Unlock()

	p.logger.Debugf("session pool: opened=%d leased=%d pinging=%d",
		opened, leased, len(stale))

	for _, s := range stale {
		if err := s.ping(ctx); err != nil {
			p.emitError(fmt.Errorf("keep-alive ping for session %s failed: %w", s.Name(), err))
			if transport.IsSessionInvalid(err) {
				s.MarkBad()
			}
		}
		p.Release(s)
	}
}

// Close destroys every idle and leased session. Sessions still leased are
// reported as leaks: the returned error is a *LeakError carrying one entry
// per unreleased session.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.closed = true

	doomed := make([]*Session, 0, len(p.idleReads)+len(p.idleWrites)+len(p.leased))
	doomed = append(doomed, p.idleReads...)
	doomed = append(doomed, p.idleWrites...)
	p.idleReads, p.idleWrites = nil, nil

	var leaks []string
	for s, prov := range p.leased {
		leaks = append(leaks, prov)
		doomed = append(doomed, s)
	}
	clear(p.leased)
	// Sessions out for a keep-alive ping are destroyed by that ping's
	// Release once it observes the closed pool.
	clear(p.pinging)
	p.leaks = leaks
	p.numOpened = 0

	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	if p.maintCancel != nil {
		p.maintCancel()
	}
	for _, w := range waiters {
		close(w.ch)
	}

	for _, s := range doomed {
		if err := s.destroy(ctx); err != nil {
			p.logger.Warnf("failed to destroy session %s: %v", s.Name(), err)
		}
	}
	p.wg.Wait()

	if len(leaks) > 0 {
		p.logger.Errorf("session pool closed with %d leaked session(s)", len(leaks))
		return &LeakError{Stacks: leaks}
	}

	p.logger.Info("session pool closed")
	return nil
}

// Leaks identifies the sessions recorded as leaked at Close, or, before
// Close, the sessions currently leased.
func (p *Pool) Leaks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		out := make([]string, len(p.leaks))
		copy(out, p.leaks)
		return out
	}

	out := make([]string, 0, len(p.leased))
	for _, prov := range p.leased {
		out = append(out, prov)
	}
	return out
}
