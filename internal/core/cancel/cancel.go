// Package cancel provides an explicit, cooperative cancellation token.
// Unlike a package-level flag, a Token is an ordinary value threaded
// through the publisher and its collaborators, so tests can exercise
// cancellation without touching global state (§9 "Global cancellation flag").
package cancel

import "sync/atomic"

// Token is a single-writer, many-reader cancellation signal. The zero value
// is ready to use.
type Token struct {
	requested atomic.Bool
	forced    atomic.Bool
}

// New returns a ready-to-use Token.
func New() *Token { return &Token{} }

// Request marks the token cancelled. The first call sets Requested(); a
// second call additionally sets Forced(), signaling the caller should stop
// immediately rather than wait for the next batch boundary.
func (t *Token) Request() {
	if !t.requested.CompareAndSwap(false, true) {
		t.forced.Store(true)
	}
}

// Requested reports whether cancellation has been signaled at least once.
func (t *Token) Requested() bool { return t.requested.Load() }

// Forced reports whether a second signal arrived, meaning the caller
// should abandon cooperative draining and exit immediately.
func (t *Token) Forced() bool { return t.forced.Load() }

// Reset clears the token, for reuse across runs in tests.
func (t *Token) Reset() {
	t.requested.Store(false)
	t.forced.Store(false)
}
