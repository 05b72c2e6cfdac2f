package quota

import (
	"sync/atomic"
)

// state is an immutable budget snapshot. Every mutation builds a new state
// and publishes it with compare-and-swap, so readers on other goroutines
// always observe all four dimensions from the same instant.
type state struct {
	allocated  Usage
	consumed   Usage
	reserved   Usage
	pending    uint64 // id of the unresolved reservation, 0 if none
	terminated bool
}

func (s *state) remaining() Usage {
	return s.allocated.Sub(s.consumed).Sub(s.reserved)
}

// Snapshot is a read-only view of a budget.
type Snapshot struct {
	Allocated  Usage `json:"allocated"`
	Consumed   Usage `json:"consumed"`
	Reserved   Usage `json:"reserved"`
	Remaining  Usage `json:"remaining"`
	Terminated bool  `json:"terminated"`
}

// Budget is the resource allowance of one session. Mutations are expected
// from the owning session only; reads are safe from any goroutine.
type Budget struct {
	st     atomic.Pointer[state]
	nextID atomic.Uint64
}

// New returns a budget with the given allocation and nothing consumed.
func New(allocated Usage) *Budget {
	b := &Budget{}
	b.st.Store(&state{allocated: allocated})
	return b
}

// Remaining returns allocated minus consumed minus reserved.
func (b *Budget) Remaining() Usage {
	return b.st.Load().remaining()
}

// Snapshot returns a consistent view of all counters.
func (b *Budget) Snapshot() Snapshot {
	s := b.st.Load()
	return Snapshot{
		Allocated:  s.allocated,
		Consumed:   s.consumed,
		Reserved:   s.reserved,
		Remaining:  s.remaining(),
		Terminated: s.terminated,
	}
}

// Terminated reports whether an overrun has terminated the budget.
func (b *Budget) Terminated() bool {
	return b.st.Load().terminated
}

// Terminate marks the budget terminated and drops any pending reservation.
func (b *Budget) Terminate() {
	for {
		old := b.st.Load()
		if old.terminated {
			return
		}
		next := *old
		next.terminated = true
		next.reserved = Usage{}
		next.pending = 0
		if b.st.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Reserve holds req against the remaining budget without touching the
// consumed counters. Only one reservation may be unresolved at a time.
func (b *Budget) Reserve(req Usage) (*Reservation, error) {
	id := b.nextID.Add(1)
	for {
		old := b.st.Load()
		if old.terminated {
			return nil, &QuotaError{Kind: KindTerminated}
		}
		if old.pending != 0 {
			return nil, &QuotaError{Kind: KindUnresolvedReservation, Message: "previous reservation was neither committed nor released"}
		}
		rem := old.remaining()
		if d, over := req.Exceeds(rem); over {
			return nil, &QuotaError{
				Kind:      KindInsufficientBudget,
				Dimension: d,
				Requested: req.Get(d),
				Available: rem.Get(d),
			}
		}
		next := *old
		next.reserved = old.reserved.Add(req)
		next.pending = id
		if b.st.CompareAndSwap(old, &next) {
			return &Reservation{id: id, budget: b, amount: req}, nil
		}
	}
}

// Commit converts r into consumption. actual may be below the reserved
// amount, in which case the difference is refunded. actual above the
// reserved amount in any dimension is an overrun: nothing is applied and
// the budget terminates.
func (b *Budget) Commit(r *Reservation, actual Usage) error {
	if r == nil || r.budget != b {
		return &QuotaError{Kind: KindReservationResolved, Message: "reservation does not belong to this budget"}
	}
	for {
		old := b.st.Load()
		if old.terminated {
			r.resolved.Store(true)
			return &QuotaError{Kind: KindTerminated}
		}
		if old.pending != r.id {
			return &QuotaError{Kind: KindReservationResolved}
		}
		next := *old
		next.pending = 0
		next.reserved = old.reserved.Sub(r.amount)

		d, over := actual.Exceeds(r.amount)
		var err error
		if over {
			next.terminated = true
			next.reserved = Usage{}
			err = &QuotaError{
				Kind:      KindOverrun,
				Dimension: d,
				Requested: actual.Get(d),
				Available: r.amount.Get(d),
			}
		} else {
			next.consumed = old.consumed.Add(actual)
		}
		if b.st.CompareAndSwap(old, &next) {
			r.resolved.Store(true)
			return err
		}
	}
}

// Release returns r's headroom without consuming anything.
func (b *Budget) Release(r *Reservation) error {
	if r == nil || r.budget != b {
		return &QuotaError{Kind: KindReservationResolved, Message: "reservation does not belong to this budget"}
	}
	for {
		old := b.st.Load()
		if old.pending != r.id {
			if old.terminated {
				r.resolved.Store(true)
				return nil
			}
			return &QuotaError{Kind: KindReservationResolved}
		}
		next := *old
		next.pending = 0
		next.reserved = old.reserved.Sub(r.amount)
		if b.st.CompareAndSwap(old, &next) {
			r.resolved.Store(true)
			return nil
		}
	}
}

// RecordUsage accounts usage that could not be reserved in advance. It may
// not eat into headroom held by a pending reservation. If usage would push
// consumption past the allocation nothing is applied and the budget
// terminates.
func (b *Budget) RecordUsage(u Usage) error {
	for {
		old := b.st.Load()
		if old.terminated {
			return &QuotaError{Kind: KindTerminated}
		}
		next := *old
		var err error
		rem := old.remaining()
		if d, over := u.Exceeds(rem); over {
			next.terminated = true
			next.reserved = Usage{}
			next.pending = 0
			err = &QuotaError{
				Kind:      KindOverrun,
				Dimension: d,
				Requested: u.Get(d),
				Available: rem.Get(d),
			}
		} else {
			next.consumed = old.consumed.Add(u)
		}
		if b.st.CompareAndSwap(old, &next) {
			return err
		}
	}
}

// Reservation is held headroom awaiting Commit or Release.
type Reservation struct {
	id       uint64
	budget   *Budget
	amount   Usage
	resolved atomic.Bool
}

// Amount returns the reserved usage.
func (r *Reservation) Amount() Usage { return r.amount }

// Resolved reports whether the reservation was committed or released.
func (r *Reservation) Resolved() bool { return r.resolved.Load() }
