package presence

// Clock is a vector clock: a per-actor logical counter map. It orders
// presence events causally; document operations are ordered by the server's
// total-order sequence and never touch vector clocks.
type Clock map[string]uint64

// Ordering is the result of comparing two vector clocks.
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

// Tick increments the component for an actor and returns the new value.
func (c Clock) Tick(actor string) uint64 {
	c[actor]++
	return c[actor]
}

// Merge folds another clock into this one, taking the pointwise maximum.
func (c Clock) Merge(other Clock) {
	for actor, v := range other {
		if v > c[actor] {
			c[actor] = v
		}
	}
}

// Clone returns a copy of the clock.
func (c Clock) Clone() Clock {
	cp := make(Clock, len(c))
	for actor, v := range c {
		cp[actor] = v
	}
	return cp
}

// Compare reports the causal relationship of c to other.
func (c Clock) Compare(other Clock) Ordering {
	var less, greater bool
	for actor, v := range c {
		if v > other[actor] {
			greater = true
		}
	}
	for actor, v := range other {
		if v > c[actor] {
			less = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// Dominates reports whether every component of other is covered by c.
func (c Clock) Dominates(other Clock) bool {
	ord := c.Compare(other)
	return ord == After || ord == Equal
}
