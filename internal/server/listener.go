// Package server runs the TCP acceptor, the fixed worker pool, and the
// periodic collection loop spec.md's concurrency model describes, wiring
// internal/session onto internal/store.Cache over real sockets.
package server

import (
	"net"
	"sync"
	"time"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/jlgale/jimcached/internal/reclaim"
	"github.com/jlgale/jimcached/internal/session"
	"github.com/jlgale/jimcached/internal/store"
)

var log = logger.GetLogger("listener")

// idleCheckpoint is how often a worker with no connection to accept still
// checkpoints its reclamation slot, so a quiet listener doesn't stall
// every other worker's frees indefinitely.
const idleCheckpoint = 500 * time.Millisecond

// Listener owns the shared socket, the worker pool accepting from it, and
// the background collector driving the cache's eviction pass.
type Listener struct {
	cache  *store.Cache
	domain *reclaim.Domain
	ln     net.Listener

	sessions *xsync.MapOf[string, *session.Session]

	conns  chan net.Conn
	stop   chan struct{}
	wg     sync.WaitGroup
	config Config
}

// Config collects the socket and worker-pool tuning knobs a Listener
// needs, lifted from the teacher's TCPConf/SocketConf settings
// (rpc/transport/tcp/server.go's UpgradeConnection) down to the fields
// this protocol actually uses.
type Config struct {
	Threads         int
	Backlog         int
	NoDelay         bool
	ReadBufferSize  int
	WriteBufferSize int
	KeepAliveSec    int
	CollectInterval time.Duration
}

// DefaultConfig sets spec.md §6's default thread count and the socket
// tuning defaults. Backlog is left at zero; no field of Config reaches
// net.Listen, which uses the operating system's default backlog.
func DefaultConfig() Config {
	return Config{
		Threads:         4,
		NoDelay:         true,
		KeepAliveSec:    60,
		CollectInterval: time.Second,
	}
}

// NewListener binds addr and prepares cfg.Threads worker goroutines, each
// of which joins domain as its own reclamation worker: a deferred free
// runs only after every joined worker has checkpointed, so nothing a
// connection's goroutine may still be reading is freed under it. The
// frees themselves are scheduled on the Cache's own worker.
func NewListener(addr string, cache *store.Cache, domain *reclaim.Domain, cfg Config) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}
	return &Listener{
		cache:    cache,
		domain:   domain,
		ln:       ln,
		sessions: xsync.NewMapOf[string, *session.Session](),
		conns:    make(chan net.Conn),
		stop:     make(chan struct{}),
		config:   cfg,
	}, nil
}

// Addr returns the bound socket's address, useful when addr was ":0".
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve starts the acceptor goroutine, the worker pool, and the
// collector, and blocks until Close is called. An Accept error that is not
// caused by Close is logged and Accept is retried; Serve does not return
// on it.
func (l *Listener) Serve() error {
	l.wg.Add(1)
	go l.acceptLoop()

	for i := 0; i < l.config.Threads; i++ {
		l.wg.Add(1)
		go l.worker(i)
	}

	l.wg.Add(1)
	go l.collectLoop()

	l.wg.Wait()
	return nil
}

// Close stops the acceptor and every worker, and waits for in-flight
// connections to finish.
func (l *Listener) Close() error {
	close(l.stop)
	err := l.ln.Close()
	l.wg.Wait()
	return err
}

// acceptLoop is the single goroutine calling Accept, per the adaptation
// note in DESIGN.md: Go's net package has no SO_REUSEPORT-style
// multi-accept, so instead of rpc/transport/base/server.go's "every
// worker calls Accept directly" model, one goroutine accepts and fans
// connections out over a channel to the fixed worker pool.
func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.stop:
				close(l.conns)
				return
			default:
				log.Errorf("accept: %v", err)
				continue
			}
		}
		l.upgradeConnection(conn)
		select {
		case l.conns <- conn:
		case <-l.stop:
			conn.Close()
			close(l.conns)
			return
		}
	}
}

// upgradeConnection applies the socket tuning rpc/transport/tcp/server.go's
// UpgradeConnection applies to a *net.TCPConn: disable Nagle, set buffer
// sizes, enable keep-alive, when the listener is a real TCP socket.
func (l *Listener) upgradeConnection(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tcpConn.SetNoDelay(l.config.NoDelay); err != nil {
		log.Warningf("SetNoDelay: %v", err)
	}
	if l.config.WriteBufferSize > 0 {
		if err := tcpConn.SetWriteBuffer(l.config.WriteBufferSize); err != nil {
			log.Warningf("SetWriteBuffer: %v", err)
		}
	}
	if l.config.ReadBufferSize > 0 {
		if err := tcpConn.SetReadBuffer(l.config.ReadBufferSize); err != nil {
			log.Warningf("SetReadBuffer: %v", err)
		}
	}
	if l.config.KeepAliveSec > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			log.Warningf("SetKeepAlive: %v", err)
		}
		period := time.Duration(l.config.KeepAliveSec) * time.Second
		if err := tcpConn.SetKeepAlivePeriod(period); err != nil {
			log.Warningf("SetKeepAlivePeriod: %v", err)
		}
	}
}

// worker pulls connections off the shared channel and serves them one at
// a time, checkpointing its reclamation slot between connections and on
// an idle ticker, so a worker sitting with nothing to accept still lets
// the collector reclaim freed segments promptly.
func (l *Listener) worker(id int) {
	defer l.wg.Done()
	rworker := l.domain.Join()
	defer rworker.Exit()

	ticker := time.NewTicker(idleCheckpoint)
	defer ticker.Stop()

	for {
		select {
		case conn, ok := <-l.conns:
			if !ok {
				return
			}
			l.serve(conn)
			rworker.Checkpoint()
		case <-ticker.C:
			rworker.Checkpoint()
		case <-l.stop:
			return
		}
	}
}

// serve runs one connection's session to completion.
func (l *Listener) serve(conn net.Conn) {
	defer conn.Close()
	addr := conn.RemoteAddr().String()

	s := session.New(l.cache, conn, conn)
	l.sessions.Store(addr, s)
	defer l.sessions.Delete(addr)

	if err := s.Interact(); err != nil {
		log.Debugf("session %s ended: %v", addr, err)
	}
}

// ActiveSessions returns the number of currently served connections, the
// stat a /metrics or stats-style endpoint would expose alongside the
// cache's own counters.
func (l *Listener) ActiveSessions() int {
	return l.sessions.Size()
}

// collectLoop runs the cache's collection pass on a fixed interval, the
// "periodic migrator" half of the concurrency model a dedicated session
// thread never blocks on.
func (l *Listener) collectLoop() {
	defer l.wg.Done()
	interval := l.config.CollectInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cache.Collect()
		case <-l.stop:
			return
		}
	}
}
