// Package vclock implements vector clocks keyed by device id.
package vclock

import (
	"sort"
	"strconv"
	"strings"
)

// Ordering is the causal relation between two clocks.
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// Clock maps device id to counter. A missing device reads as zero.
//
// The zero value (nil) is a valid empty clock for reads; use New or Copy
// before mutating.
type Clock map[string]uint64

// New returns an empty clock.
func New() Clock {
	return Clock{}
}

// Get returns the counter for device.
func (c Clock) Get(device string) uint64 {
	return c[device]
}

// Increment bumps device's counter and returns the new value.
func (c Clock) Increment(device string) uint64 {
	c[device]++
	return c[device]
}

// Merge folds other into c taking the pointwise maximum.
func (c Clock) Merge(other Clock) {
	for d, v := range other {
		if v > c[d] {
			c[d] = v
		}
	}
}

// Copy returns an independent clone.
func (c Clock) Copy() Clock {
	out := make(Clock, len(c))
	for d, v := range c {
		out[d] = v
	}
	return out
}

// Compare reports how c relates to other.
func (c Clock) Compare(other Clock) Ordering {
	less, greater := false, false

	for d, v := range c {
		o := other[d]
		if v < o {
			less = true
		} else if v > o {
			greater = true
		}
	}
	for d, o := range other {
		if _, ok := c[d]; !ok && o > 0 {
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

// Dominates reports whether c has seen everything other has (c >= other).
func (c Clock) Dominates(other Clock) bool {
	ord := c.Compare(other)
	return ord == After || ord == Equal
}

// AheadExcept reports whether c has a counter greater than other's for any
// device other than skip.
func (c Clock) AheadExcept(other Clock, skip string) bool {
	for d, v := range c {
		if d != skip && v > other[d] {
			return true
		}
	}
	return false
}

// Devices returns the device ids in ascending order.
func (c Clock) Devices() []string {
	out := make([]string, 0, len(c))
	for d := range c {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// String renders the clock as {a:1, b:2} with devices sorted.
func (c Clock) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, d := range c.Devices() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d)
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(c[d], 10))
	}
	b.WriteByte('}')
	return b.String()
}

// Decision is the outcome of checking an incoming change against the local
// version of the same key.
type Decision int

const (
	// Apply: the change descends from everything known locally.
	Apply Decision = iota
	// Skip: the sender's counter was already seen.
	Skip
	// Conflict: another device advanced the key without the sender seeing it.
	Conflict
)

func (d Decision) String() string {
	switch d {
	case Apply:
		return "apply"
	case Skip:
		return "skip"
	case Conflict:
		return "conflict"
	}
	return "unknown"
}

// Check classifies an incoming change stamped with remote by sender against
// the local version of the key.
func Check(local, remote Clock, sender string) Decision {
	if remote.Get(sender) <= local.Get(sender) {
		return Skip
	}
	if local.AheadExcept(remote, sender) {
		return Conflict
	}
	return Apply
}
