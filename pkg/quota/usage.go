// Package quota tracks per-session resource budgets with pre-check
// reservation and post-check accounting.
package quota

import "fmt"

// Dimension names one resource axis of a budget.
type Dimension string

const (
	CPUCycles   Dimension = "cpu_cycles"
	MemoryBytes Dimension = "memory_bytes"
	WallTimeNs  Dimension = "wall_time_ns"
	IOOps       Dimension = "io_ops"
)

// Dimensions lists every axis in canonical order.
var Dimensions = []Dimension{CPUCycles, MemoryBytes, WallTimeNs, IOOps}

// ParseDimension resolves a dimension by name.
func ParseDimension(s string) (Dimension, error) {
	for _, d := range Dimensions {
		if string(d) == s {
			return d, nil
		}
	}
	return "", fmt.Errorf("quota: unknown dimension %q", s)
}

// Usage is an amount across all four dimensions.
type Usage struct {
	CPUCycles   uint64 `json:"cpu_cycles" yaml:"cpu_cycles" cbor:"1,keyasint"`
	MemoryBytes uint64 `json:"memory_bytes" yaml:"memory_bytes" cbor:"2,keyasint"`
	WallTimeNs  uint64 `json:"wall_time_ns" yaml:"wall_time_ns" cbor:"3,keyasint"`
	IOOps       uint64 `json:"io_ops" yaml:"io_ops" cbor:"4,keyasint"`
}

// Get returns the amount for d.
func (u Usage) Get(d Dimension) uint64 {
	switch d {
	case CPUCycles:
		return u.CPUCycles
	case MemoryBytes:
		return u.MemoryBytes
	case WallTimeNs:
		return u.WallTimeNs
	case IOOps:
		return u.IOOps
	}
	return 0
}

// With returns a copy of u with d set to v.
func (u Usage) With(d Dimension, v uint64) Usage {
	switch d {
	case CPUCycles:
		u.CPUCycles = v
	case MemoryBytes:
		u.MemoryBytes = v
	case WallTimeNs:
		u.WallTimeNs = v
	case IOOps:
		u.IOOps = v
	}
	return u
}

// Add returns u+v. Overflow saturates at the maximum value.
func (u Usage) Add(v Usage) Usage {
	return Usage{
		CPUCycles:   satAdd(u.CPUCycles, v.CPUCycles),
		MemoryBytes: satAdd(u.MemoryBytes, v.MemoryBytes),
		WallTimeNs:  satAdd(u.WallTimeNs, v.WallTimeNs),
		IOOps:       satAdd(u.IOOps, v.IOOps),
	}
}

// Sub returns u-v, clamping each dimension at zero.
func (u Usage) Sub(v Usage) Usage {
	return Usage{
		CPUCycles:   satSub(u.CPUCycles, v.CPUCycles),
		MemoryBytes: satSub(u.MemoryBytes, v.MemoryBytes),
		WallTimeNs:  satSub(u.WallTimeNs, v.WallTimeNs),
		IOOps:       satSub(u.IOOps, v.IOOps),
	}
}

// Exceeds reports the first dimension in which u is larger than limit.
func (u Usage) Exceeds(limit Usage) (Dimension, bool) {
	for _, d := range Dimensions {
		if u.Get(d) > limit.Get(d) {
			return d, true
		}
	}
	return "", false
}

// IsZero reports whether every dimension is zero.
func (u Usage) IsZero() bool {
	return u == Usage{}
}

func (u Usage) String() string {
	return fmt.Sprintf("cpu=%d mem=%d wall=%dns io=%d", u.CPUCycles, u.MemoryBytes, u.WallTimeNs, u.IOOps)
}

func satAdd(a, b uint64) uint64 {
	s := a + b
	if s < a {
		return ^uint64(0)
	}
	return s
}

func satSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
