// Package dedup suppresses duplicate notifications across polling cycles
// and retries. It is a best-effort, time-windowed signature cache — not an
// exactly-once guard — so a process restart may re-notify once.
package dedup

import (
	"sync"
	"time"

	"github.com/juan-silveira/coinage-sub004/internal/domain/model"
)

const (
	// DefaultWindow is how long a token's signature bucket stays valid
	// after its last emission.
	DefaultWindow = time.Hour
	// DefaultMaxSignatures caps each token's bucket; the oldest signatures
	// fall off first.
	DefaultMaxSignatures = 50
)

type bucket struct {
	signatures  []string
	lastTouched time.Time
}

// Deduplicator tracks recently emitted change-event signatures per token.
// Expired buckets are evicted lazily on the next lookup.
type Deduplicator struct {
	window time.Duration
	cap    int
	nowFn  func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

func New(window time.Duration, maxSignatures int) *Deduplicator {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxSignatures <= 0 {
		maxSignatures = DefaultMaxSignatures
	}
	return &Deduplicator{
		window:  window,
		cap:     maxSignatures,
		nowFn:   time.Now,
		buckets: make(map[string]*bucket),
	}
}

// ShouldEmit reports whether the event's signature has not been emitted
// within the window. It does not record anything: callers must invoke
// MarkEmitted exactly once after successful delivery, so a failed delivery
// can be retried without the retry being swallowed as a duplicate.
func (d *Deduplicator) ShouldEmit(event model.ChangeEvent) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	b := d.lookup(event.Token)
	if b == nil {
		return true
	}
	sig := event.Signature()
	for _, known := range b.signatures {
		if known == sig {
			return false
		}
	}
	return true
}

// MarkEmitted records the event's signature, refreshes the bucket window
// and truncates the bucket to the most recent signatures.
func (d *Deduplicator) MarkEmitted(event model.ChangeEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b := d.lookup(event.Token)
	if b == nil {
		b = &bucket{}
		d.buckets[event.Token] = b
	}
	b.signatures = append(b.signatures, event.Signature())
	if len(b.signatures) > d.cap {
		b.signatures = b.signatures[len(b.signatures)-d.cap:]
	}
	b.lastTouched = d.nowFn()
}

// Len returns the number of live token buckets.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buckets)
}

// lookup returns the token's bucket, evicting it first if expired.
// Caller holds d.mu.
func (d *Deduplicator) lookup(token string) *bucket {
	b, ok := d.buckets[token]
	if !ok {
		return nil
	}
	if d.nowFn().Sub(b.lastTouched) > d.window {
		delete(d.buckets, token)
		return nil
	}
	return b
}
