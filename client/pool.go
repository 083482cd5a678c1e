// Package client implements the connection-pooled sender: one TCP
// connection per peer device, kept warm across messages, re-dialed
// transparently when found stale.
package client

import (
	"context"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/floegence/lanshare/handshake"
	"github.com/floegence/lanshare/internal/contextutil"
	"github.com/floegence/lanshare/internal/defaults"
	"github.com/floegence/lanshare/observability"
	"github.com/floegence/lanshare/transport"
	"github.com/floegence/lanshare/transporterr"
	"github.com/floegence/lanshare/wire"
)

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithConnectTimeout overrides the per-dial timeout (default defaults.ConnectTimeout).
func WithConnectTimeout(d time.Duration) Option {
	return func(p *Pool) { p.connectTimeout = d }
}

// WithHandshakeTimeout overrides the handshake exchange timeout (default defaults.HandshakeTimeout).
func WithHandshakeTimeout(d time.Duration) Option {
	return func(p *Pool) { p.handshakeTimeout = d }
}

// WithPlaintextFallback allows the pool to fall back to an unencrypted
// connection when the peer does not answer the secure handshake. Disabled by
// default: callers must opt in explicitly, per design notes on the
// plaintext downgrade policy.
func WithPlaintextFallback(allow bool) Option {
	return func(p *Pool) { p.allowPlaintextFallback = allow }
}

// WithObserver attaches obs so pool and handshake events feed metrics.
func WithObserver(obs observability.Observer) Option {
	return func(p *Pool) { p.obs = obs }
}

// WithLogger attaches l for dial/evict/fallback diagnostics. Defaults to a
// discarding logger, same as cmd/flowersec-proxy-gateway's gateway struct
// defaults a nil logger.
func WithLogger(l *log.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// Pool holds at most one live connection per peer device id and serializes
// dials for a given peer so concurrent senders don't open duplicate sockets.
type Pool struct {
	selfDeviceID string
	handshakes   *handshake.Manager

	connectTimeout         time.Duration
	handshakeTimeout       time.Duration
	allowPlaintextFallback bool
	obs                    observability.Observer
	logger                 *log.Logger

	mu        sync.RWMutex
	entries   map[string]*entry
	dialLocks map[string]*sync.Mutex
}

type entry struct {
	channel *transport.SecureChannel
}

// NewPool returns an empty Pool for selfDeviceID.
func NewPool(selfDeviceID string, opts ...Option) *Pool {
	p := &Pool{
		selfDeviceID:     selfDeviceID,
		handshakes:       handshake.NewManager(),
		connectTimeout:   defaults.ConnectTimeout,
		handshakeTimeout: defaults.HandshakeTimeout,
		obs:              observability.Noop,
		logger:           log.New(io.Discard, "", 0),
		entries:          make(map[string]*entry),
		dialLocks:        make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) dialLock(peerID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.dialLocks[peerID]
	if !ok {
		l = &sync.Mutex{}
		p.dialLocks[peerID] = l
	}
	return l
}

func (p *Pool) cached(peerID string) *entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.entries[peerID]
}

func (p *Pool) store(peerID string, e *entry) {
	p.mu.Lock()
	p.entries[peerID] = e
	n := len(p.entries)
	p.mu.Unlock()
	p.obs.PooledConnections(n)
}

func (p *Pool) evict(peerID string) {
	p.mu.Lock()
	delete(p.entries, peerID)
	n := len(p.entries)
	p.mu.Unlock()
	p.handshakes.RemoveSession(peerID)
	p.obs.PooledConnections(n)
}

// GetOrDial returns the pooled connection to peerID at addr, dialing and
// handshaking a new one if none is cached. Concurrent calls for the same
// peerID serialize on a per-peer dial lock so only one dial happens.
func (p *Pool) GetOrDial(ctx context.Context, peerID, addr string) (*transport.SecureChannel, error) {
	if e := p.cached(peerID); e != nil {
		return e.channel, nil
	}

	lock := p.dialLock(peerID)
	lock.Lock()
	defer lock.Unlock()

	if e := p.cached(peerID); e != nil {
		return e.channel, nil
	}

	ch, err := p.dial(ctx, peerID, addr)
	if err != nil {
		return nil, err
	}
	p.store(peerID, &entry{channel: ch})
	return ch, nil
}

func (p *Pool) dial(ctx context.Context, peerID, addr string) (*transport.SecureChannel, error) {
	dialCtx, cancel := contextutil.WithTimeout(ctx, p.connectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		if dialCtx.Err() != nil {
			return nil, transporterr.Wrap(transporterr.StagePool, transporterr.CodeConnectTimeout, err)
		}
		return nil, transporterr.Wrap(transporterr.StagePool, transporterr.CodeConnectRefused, err)
	}
	tuneSocket(conn)

	ch := transport.New(conn, peerID)

	hsStart := time.Now()
	if p.handshakeTimeout > 0 {
		_ = conn.SetDeadline(hsStart.Add(p.handshakeTimeout))
	}
	session, hsErr := handshake.RunClient(conn, p.handshakes, p.selfDeviceID, peerID)
	_ = conn.SetDeadline(time.Time{})
	if hsErr != nil {
		p.obs.Handshake(observability.HandshakeResultFailed, time.Since(hsStart))
		if !p.allowPlaintextFallback {
			_ = conn.Close()
			return nil, hsErr
		}
		// Plaintext downgrade: the peer didn't answer the secure handshake.
		// The connection itself is still usable; it is simply never given a
		// session, so SecureChannel.SendMessage stays on the plaintext path.
		p.logger.Printf("security-warning: falling back to plaintext with %s: %v", peerID, hsErr)
		return ch, nil
	}
	p.obs.Handshake(observability.HandshakeResultOK, time.Since(hsStart))
	ch.SetSession(session)
	return ch, nil
}

func tuneSocket(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(true)
	_ = tc.SetReadBuffer(defaults.SocketBufferBytes)
	_ = tc.SetWriteBuffer(defaults.SocketBufferBytes)
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(defaults.KeepAlivePeriod)
}

// Send delivers a single control message to peerID, dialing if necessary.
//
// If the cached connection turns out to be stale (the write fails), Send
// evicts it and retries exactly once against a freshly dialed connection;
// a second failure is returned to the caller.
func (p *Pool) Send(ctx context.Context, peerID, addr string, mt wire.MessageType, v any) error {
	ch, err := p.GetOrDial(ctx, peerID, addr)
	if err != nil {
		return err
	}
	if err := ch.SendMessage(mt, v); err != nil {
		p.logger.Printf("stale connection to %s, redialing: %v", peerID, err)
		p.evict(peerID)
		ch, err := p.dial(ctx, peerID, addr)
		if err != nil {
			return err
		}
		p.store(peerID, &entry{channel: ch})
		return ch.SendMessage(mt, v)
	}
	return nil
}

// Close closes every pooled connection and clears handshake state.
func (p *Pool) Close() error {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		if err := e.channel.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.handshakes.ClearAll()
	p.obs.PooledConnections(0)
	return firstErr
}
