package quota

// Scope ties a reservation to a lexical block:
//
//	s, err := quota.Acquire(b, req)
//	if err != nil { ... }
//	defer s.Close()
//	...
//	return s.Commit(actual)
//
// Close releases the reservation unless it was committed, so every exit
// path, including a panic, resolves it.
type Scope struct {
	budget *Budget
	res    *Reservation
}

// Acquire reserves req on b.
func Acquire(b *Budget, req Usage) (*Scope, error) {
	r, err := b.Reserve(req)
	if err != nil {
		return nil, err
	}
	return &Scope{budget: b, res: r}, nil
}

// Reservation exposes the underlying reservation.
func (s *Scope) Reservation() *Reservation { return s.res }

// Commit converts the reservation into consumption.
func (s *Scope) Commit(actual Usage) error {
	return s.budget.Commit(s.res, actual)
}

// Close releases the reservation if it is still pending.
func (s *Scope) Close() error {
	if s == nil || s.res.Resolved() {
		return nil
	}
	return s.budget.Release(s.res)
}
