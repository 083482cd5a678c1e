// Package observability defines the metric events the transport core emits,
// independent of any specific metrics backend. Callers that don't care about
// metrics get a zero-cost no-op observer; callers that do can swap in a real
// one at runtime via AtomicObserver.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// HandshakeResult classifies a completed handshake attempt.
type HandshakeResult string

const (
	HandshakeResultOK       HandshakeResult = "ok"
	HandshakeResultRejected HandshakeResult = "rejected"
	HandshakeResultFailed   HandshakeResult = "failed"
)

// TransferResult classifies a finished file transfer.
type TransferResult string

const (
	TransferResultOK               TransferResult = "ok"
	TransferResultCancelled        TransferResult = "cancelled"
	TransferResultChecksumMismatch TransferResult = "checksum_mismatch"
	TransferResultFailed           TransferResult = "failed"
)

// ByteDirection distinguishes sent from received bytes.
type ByteDirection string

const (
	DirectionSent     ByteDirection = "sent"
	DirectionReceived ByteDirection = "received"
)

// Observer receives every metric event the transport core produces.
type Observer interface {
	PooledConnections(n int)
	ActiveTransfers(n int)
	Handshake(result HandshakeResult, d time.Duration)
	AuthFailure()
	Bytes(direction ByteDirection, n int64)
	TransferCompleted(result TransferResult)
}

type noopObserver struct{}

func (noopObserver) PooledConnections(int)                   {}
func (noopObserver) ActiveTransfers(int)                     {}
func (noopObserver) Handshake(HandshakeResult, time.Duration) {}
func (noopObserver) AuthFailure()                            {}
func (noopObserver) Bytes(ByteDirection, int64)               {}
func (noopObserver) TransferCompleted(TransferResult)         {}

// Noop is a zero-cost Observer used when metrics are disabled.
var Noop Observer = noopObserver{}

// AtomicObserver lets callers swap the active Observer at runtime without
// synchronizing with in-flight metric calls.
type AtomicObserver struct {
	once sync.Once
	v    atomic.Value
}

type observerHolder struct{ obs Observer }

// NewAtomicObserver returns an AtomicObserver defaulting to Noop.
func NewAtomicObserver() *AtomicObserver {
	a := &AtomicObserver{}
	a.once.Do(func() { a.v.Store(&observerHolder{obs: Noop}) })
	return a
}

// Set replaces the delegate observer, falling back to Noop on nil.
func (a *AtomicObserver) Set(obs Observer) {
	if obs == nil {
		obs = Noop
	}
	a.once.Do(func() { a.v.Store(&observerHolder{obs: Noop}) })
	a.v.Store(&observerHolder{obs: obs})
}

func (a *AtomicObserver) load() Observer {
	a.once.Do(func() { a.v.Store(&observerHolder{obs: Noop}) })
	return a.v.Load().(*observerHolder).obs
}

func (a *AtomicObserver) PooledConnections(n int) { a.load().PooledConnections(n) }
func (a *AtomicObserver) ActiveTransfers(n int)   { a.load().ActiveTransfers(n) }
func (a *AtomicObserver) Handshake(result HandshakeResult, d time.Duration) {
	a.load().Handshake(result, d)
}
func (a *AtomicObserver) AuthFailure()                      { a.load().AuthFailure() }
func (a *AtomicObserver) Bytes(dir ByteDirection, n int64)  { a.load().Bytes(dir, n) }
func (a *AtomicObserver) TransferCompleted(r TransferResult) { a.load().TransferCompleted(r) }
