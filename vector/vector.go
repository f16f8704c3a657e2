// Package vector holds the minimal vector-side collaborators the scatter
// engine needs: a Vec with "local length" and "get/restore raw array", and a
// Layout describing how a global vector is partitioned across ranks.
//
// Storage and allocation policy beyond this live with the caller; numerical
// algorithms bring their own vector types and only need to satisfy Vec.
package vector

import (
	"github.com/pkg/errors"
)

// Vec is the vector abstraction consumed by the scatter protocol.
//
// Array exposes the raw local values; RestoreArray returns them, after which
// the slice must not be used. The pairing mirrors acquire/release of the
// underlying storage: implementations backed by device memory may copy on
// Array and write back on RestoreArray.
type Vec interface {
	// LocalLen returns the number of scalars stored on this rank.
	LocalLen() int
	// Array returns the raw local values.
	Array() []float64
	// RestoreArray gives the slice obtained from Array back to the vector.
	RestoreArray([]float64)
}

// Dense is the in-memory Vec used throughout the tests and by callers that
// keep vectors as plain slices.
type Dense struct {
	data []float64
}

// NewDense returns a zero-filled Dense vector with n local scalars.
func NewDense(n int) *Dense {
	return &Dense{data: make([]float64, n)}
}

// FromSlice wraps data as a Dense vector without copying.
func FromSlice(data []float64) *Dense {
	return &Dense{data: data}
}

// LocalLen implements Vec.
func (d *Dense) LocalLen() int { return len(d.data) }

// Array implements Vec.
func (d *Dense) Array() []float64 { return d.data }

// RestoreArray implements Vec. For Dense it is a no-op: Array hands out the
// backing slice directly.
func (d *Dense) RestoreArray([]float64) {}

// Layout is the partition of a global vector of length Ranges[len-1] across
// len(Ranges)-1 ranks: rank r owns global indices [Ranges[r], Ranges[r+1]).
type Layout struct {
	Ranges []int
}

// NewLayout builds a Layout from the per-rank local lengths.
func NewLayout(localLens []int) Layout {
	ranges := make([]int, len(localLens)+1)
	for i, n := range localLens {
		ranges[i+1] = ranges[i] + n
	}
	return Layout{Ranges: ranges}
}

// EvenLayout splits a global length n as evenly as possible across size
// ranks, earlier ranks taking the remainder, one extra element each.
func EvenLayout(n, size int) Layout {
	lens := make([]int, size)
	base, rem := n/size, n%size
	for i := range lens {
		lens[i] = base
		if i < rem {
			lens[i]++
		}
	}
	return NewLayout(lens)
}

// Size returns the number of ranks.
func (l Layout) Size() int { return len(l.Ranges) - 1 }

// GlobalLen returns the total vector length.
func (l Layout) GlobalLen() int { return l.Ranges[len(l.Ranges)-1] }

// LocalLen returns the number of scalars owned by rank.
func (l Layout) LocalLen(rank int) int { return l.Ranges[rank+1] - l.Ranges[rank] }

// Owner returns the rank owning global index g, or an error if g is out of
// the global range.
func (l Layout) Owner(g int) (int, error) {
	if g < 0 || g >= l.GlobalLen() {
		return 0, errors.Errorf("global index %d out of range [0, %d)", g, l.GlobalLen())
	}
	// Partitions are small (one entry per rank), linear scan is fine.
	for r := 0; r < l.Size(); r++ {
		if g < l.Ranges[r+1] {
			return r, nil
		}
	}
	return 0, errors.Errorf("global index %d not covered by layout %v", g, l.Ranges)
}

// ToLocal translates global index g into the owner's local numbering.
func (l Layout) ToLocal(rank, g int) int { return g - l.Ranges[rank] }
