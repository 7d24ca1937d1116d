// ABOUTME: Admission ledger reserving quota slots for calls still in flight
// ABOUTME: Closes the check-then-record race between concurrent calls in one process

package quota

import (
	"context"
	"sync"

	"github.com/2389/toolgate/internal/auth"
)

// Ledger tracks admitted calls whose usage has not been recorded yet.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*ledgerEntry
}

type ledgerEntry struct {
	admit    sync.Mutex // serialises admission for one principal
	inflight int        // guarded by Ledger.mu
	refs     int        // guarded by Ledger.mu
}

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]*ledgerEntry)}
}

func (l *Ledger) acquire(key string) *ledgerEntry {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &ledgerEntry{}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()
	return e
}

func (l *Ledger) drop(key string, e *ledgerEntry, admitted bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if admitted {
		e.inflight--
	}
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

func (l *Ledger) inflight(e *ledgerEntry) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return e.inflight
}

func (l *Ledger) reserve(e *ledgerEntry) {
	l.mu.Lock()
	e.inflight++
	l.mu.Unlock()
}

// Admission is the outcome of a quota check. When Allowed, Release must be
// called once the call's usage has been recorded.
type Admission struct {
	Allowed bool
	Used    int
	Limit   int

	release func()
	lock    sync.Locker
	once    sync.Once
}

// Release frees the reserved slot. Safe to call more than once and on
// rejected admissions.
func (a *Admission) Release() {
	if a == nil || a.release == nil {
		return
	}
	a.once.Do(a.release)
}

// Settle runs record, which writes the call's usage, and then releases the
// slot. Admissions for the same principal wait while a settle is in progress,
// so a finished call is never counted as both recorded and in flight.
func (a *Admission) Settle(record func()) {
	if a == nil || a.lock == nil {
		record()
		a.Release()
		return
	}
	a.lock.Lock()
	defer a.lock.Unlock()
	record()
	a.Release()
}

// Admit decides whether p may make another call today. Without a ledger it
// compares recorded usage with the limit. With one, calls already admitted
// but not yet recorded count as used, and an allowed admission holds its slot
// until released.
func (r *Resolver) Admit(ctx context.Context, p *auth.Principal) (*Admission, error) {
	limit, err := r.LimitFor(ctx, p)
	if err != nil {
		return nil, err
	}
	if limit == Unlimited {
		return &Admission{Allowed: true, Limit: limit}, nil
	}

	if r.ledger == nil {
		used, err := r.UsedToday(ctx, p)
		if err != nil {
			return nil, err
		}
		return &Admission{Allowed: used < limit, Used: used, Limit: limit}, nil
	}

	key := p.Key()
	e := r.ledger.acquire(key)
	e.admit.Lock()
	defer e.admit.Unlock()

	used, err := r.UsedToday(ctx, p)
	if err != nil {
		r.ledger.drop(key, e, false)
		return nil, err
	}
	used += r.ledger.inflight(e)
	if used >= limit {
		r.ledger.drop(key, e, false)
		return &Admission{Allowed: false, Used: used, Limit: limit}, nil
	}

	r.ledger.reserve(e)
	return &Admission{
		Allowed: true,
		Used:    used,
		Limit:   limit,
		release: func() { r.ledger.drop(key, e, true) },
		lock:    &e.admit,
	}, nil
}
