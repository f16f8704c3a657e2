/*
 *	Copyright 2024 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package indexset describes which local slots of a vector participate in a
// scatter and in which order.
//
// A Set is a closed tagged variant with three kinds:
//
//   - General: an explicit ordered list of slot indices. Duplicates and any
//     order are allowed.
//   - Stride: the affine set {first, first+step, ..., first+(n-1)*step}. The
//     step==1 case is the common contiguous one, eligible for raw block copy.
//   - ToAll: every local slot sends to / receives from every peer (the
//     broadcast/allgather pattern). It carries no explicit index list.
//
// Sets are pure data: they validate, classify and enumerate, nothing else.
// All concrete kinds are known at design time, so the variant is a struct
// with a Kind tag rather than an interface.
package indexset

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalidIndex is returned (wrapped) when an index is negative or falls
// outside the owning vector's declared local length.
var ErrInvalidIndex = errors.New("invalid index")

// UnknownBound is the sentinel local length meaning "length not known, skip
// bound checks". It is used right after a remap, when the renumbered indices
// may refer to a vector whose size the context no longer knows.
const UnknownBound = -1

// Kind tags the active variant of a Set.
type Kind int

const (
	// General is an explicit ordered index list.
	General Kind = iota
	// Stride is the affine set (first, step, n).
	Stride
	// ToAll is the broadcast/allgather pattern.
	ToAll
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case General:
		return "General"
	case Stride:
		return "Stride"
	case ToAll:
		return "ToAll"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Set is one endpoint's index description. The zero value is an empty
// General set.
type Set struct {
	kind Kind

	// General payload.
	indices []int

	// Stride payload.
	first, step, n int
}

// NewGeneral returns a General set over the given slot indices. The slice is
// owned by the returned Set; callers must not mutate it afterwards.
func NewGeneral(indices []int) Set {
	return Set{kind: General, indices: indices}
}

// NewStride returns the affine set {first, first+step, ..., first+(n-1)*step}.
// It returns an error wrapping ErrInvalidIndex if n is negative.
func NewStride(first, step, n int) (Set, error) {
	if n < 0 {
		return Set{}, errors.Wrapf(ErrInvalidIndex, "stride count must be non-negative, got %d", n)
	}
	return Set{kind: Stride, first: first, step: step, n: n}, nil
}

// NewToAll returns the broadcast pattern over n local slots.
// It returns an error wrapping ErrInvalidIndex if n is negative.
func NewToAll(n int) (Set, error) {
	if n < 0 {
		return Set{}, errors.Wrapf(ErrInvalidIndex, "to-all count must be non-negative, got %d", n)
	}
	return Set{kind: ToAll, n: n}, nil
}

// Classify builds a Set from an explicit index list, recognizing arithmetic
// progressions as Stride sets. Lists of length 0 or 1 classify as Stride
// (step 1), so the contiguous fast paths apply to them.
//
// ToAll is never inferred: it is a distinguished construction path
// (NewToAll), not a pattern of indices.
func Classify(indices []int) Set {
	n := len(indices)
	if n == 0 {
		return Set{kind: Stride, step: 1}
	}
	if n == 1 {
		return Set{kind: Stride, first: indices[0], step: 1, n: 1}
	}
	step := indices[1] - indices[0]
	for i := 2; i < n; i++ {
		if indices[i]-indices[i-1] != step {
			return NewGeneral(indices)
		}
	}
	if step == 0 {
		// Repeated index: keep as General, a zero-step stride would
		// defeat every downstream contiguity assumption.
		return NewGeneral(indices)
	}
	return Set{kind: Stride, first: indices[0], step: step, n: n}
}

// Kind returns the active variant tag.
func (s Set) Kind() Kind { return s.kind }

// Len returns the number of participating slots. For ToAll it is the
// declared local length.
func (s Set) Len() int {
	switch s.kind {
	case General:
		return len(s.indices)
	case Stride, ToAll:
		return s.n
	}
	return 0
}

// At returns the i-th slot index. It must not be called on ToAll sets, which
// carry no explicit indices.
func (s Set) At(i int) int {
	switch s.kind {
	case General:
		return s.indices[i]
	case Stride:
		return s.first + i*s.step
	}
	panic(fmt.Sprintf("indexset: At() on %s set", s.kind))
}

// Indices materializes the slot indices as a fresh slice. For General sets
// it copies; for Stride sets it expands the progression. It must not be
// called on ToAll sets.
func (s Set) Indices() []int {
	out := make([]int, s.Len())
	for i := range out {
		out[i] = s.At(i)
	}
	return out
}

// StrideParams returns (first, step, n). Only meaningful for Stride sets.
func (s Set) StrideParams() (first, step, n int) {
	return s.first, s.step, s.n
}

// IsStride1 reports whether the set is a step-1 stride, the contiguous case
// eligible for a single raw block copy.
func (s Set) IsStride1() bool {
	return s.kind == Stride && s.step == 1
}

// Validate checks every index against the owning vector's local length.
// A bound of UnknownBound skips the upper-bound check; negative indices are
// always rejected. Errors wrap ErrInvalidIndex.
func (s Set) Validate(bound int) error {
	switch s.kind {
	case General:
		for i, idx := range s.indices {
			if idx < 0 {
				return errors.Wrapf(ErrInvalidIndex, "index %d at position %d is negative", idx, i)
			}
			if bound != UnknownBound && idx >= bound {
				return errors.Wrapf(ErrInvalidIndex, "index %d at position %d out of range [0, %d)", idx, i, bound)
			}
		}
	case Stride:
		if s.n == 0 {
			return nil
		}
		lo, hi := s.first, s.first+(s.n-1)*s.step
		if s.step < 0 {
			lo, hi = hi, lo
		}
		if lo < 0 {
			return errors.Wrapf(ErrInvalidIndex, "stride (first=%d, step=%d, n=%d) reaches negative index %d", s.first, s.step, s.n, lo)
		}
		if bound != UnknownBound && hi >= bound {
			return errors.Wrapf(ErrInvalidIndex, "stride (first=%d, step=%d, n=%d) reaches index %d out of range [0, %d)", s.first, s.step, s.n, hi, bound)
		}
	case ToAll:
		if bound != UnknownBound && s.n > bound {
			return errors.Wrapf(ErrInvalidIndex, "to-all over %d slots exceeds local length %d", s.n, bound)
		}
	}
	return nil
}

// Equal reports whether two sets describe the same ordered slots.
func (s Set) Equal(o Set) bool {
	if s.kind != o.kind || s.Len() != o.Len() {
		return false
	}
	switch s.kind {
	case General:
		for i := range s.indices {
			if s.indices[i] != o.indices[i] {
				return false
			}
		}
		return true
	case Stride:
		return s.n == 0 || (s.first == o.first && s.step == o.step)
	case ToAll:
		return true
	}
	return false
}

// Clone returns a deep copy of the set.
func (s Set) Clone() Set {
	c := s
	if s.indices != nil {
		c.indices = append([]int(nil), s.indices...)
	}
	return c
}

// String implements fmt.Stringer.
func (s Set) String() string {
	switch s.kind {
	case General:
		return fmt.Sprintf("General(n=%d)", len(s.indices))
	case Stride:
		return fmt.Sprintf("Stride(first=%d, step=%d, n=%d)", s.first, s.step, s.n)
	case ToAll:
		return fmt.Sprintf("ToAll(n=%d)", s.n)
	}
	return "Set(?)"
}
