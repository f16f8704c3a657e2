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

// Package memplan extracts maximal contiguous runs from scatter index lists
// so that data movement degenerates to block copies instead of per-element
// gather/scatter loops.
//
// A Plan is purely a performance hint: correctness never depends on a plan
// being non-empty, and every consumer must fall back to the element-wise
// loop over the raw index list when Plan.Empty() is true. Plans only apply
// to overwrite (insert) semantics -- a block copy cannot accumulate, so
// additive combines always take the element loop.
package memplan

import (
	"golang.org/x/exp/constraints"
)

// Run is one contiguous copy: N scalars from offset From in the source to
// offset To in the destination. Offsets and length are in scalar units,
// block expansion already applied.
type Run struct {
	From, To, N int
}

// Plan is an ordered sequence of contiguous runs covering an index list
// end to end. The zero value is the empty plan ("no optimization applies").
type Plan struct {
	// BlockSize is the number of scalars one logical index addresses.
	BlockSize int
	Runs      []Run
}

// Empty reports that no contiguous-run optimization applies and the caller
// must gather element by element from the raw indices.
func (p Plan) Empty() bool { return len(p.Runs) == 0 }

// Clone returns a deep copy of the plan.
func (p Plan) Clone() Plan {
	c := p
	if p.Runs != nil {
		c.Runs = append([]Run(nil), p.Runs...)
	}
	return c
}

// Reversed returns the plan with source and destination roles swapped on
// every run. Contiguity is symmetric, so the reversed plan of a paired
// copy is exactly the plan of the opposite traversal direction.
func (p Plan) Reversed() Plan {
	c := Plan{BlockSize: p.BlockSize, Runs: make([]Run, len(p.Runs))}
	for i, r := range p.Runs {
		c.Runs[i] = Run{From: r.To, To: r.From, N: r.N}
	}
	return c
}

// worthwhile decides whether a run decomposition beats the plain element
// loop. A decomposition into nearly as many runs as there are indices is
// pure overhead.
func worthwhile(runs []Run, n int) bool {
	if n == 0 {
		return false
	}
	return len(runs) <= n/2 || len(runs) == 1
}

// BuildPair builds a paired copy plan for dst[to[i]*bs : ...] =
// src[from[i]*bs : ...]. A run extends while both sides advance by exactly
// one block. The two lists must have equal length; callers guarantee that.
//
// Fast path: when both sides are the identity (or the same contiguous
// shift), the whole copy collapses to a single run.
func BuildPair(from, to []int, bs int) Plan {
	n := len(from)
	if n == 0 || bs < 1 {
		return Plan{BlockSize: bs}
	}
	runs := make([]Run, 0, 4)
	runFrom, runTo, runN := from[0], to[0], 1
	for i := 1; i < n; i++ {
		if from[i] == from[i-1]+1 && to[i] == to[i-1]+1 {
			runN++
			continue
		}
		runs = append(runs, Run{From: runFrom * bs, To: runTo * bs, N: runN * bs})
		runFrom, runTo, runN = from[i], to[i], 1
	}
	runs = append(runs, Run{From: runFrom * bs, To: runTo * bs, N: runN * bs})
	if !worthwhile(runs, n) {
		return Plan{BlockSize: bs}
	}
	return Plan{BlockSize: bs, Runs: runs}
}

// BuildPack builds a single-sided plan for packing indexed values into a
// dense buffer (or unpacking a dense buffer into indexed slots): the dense
// side advances by construction, so a run extends while the indexed side
// advances by exactly one block. Run.From is the indexed offset, Run.To the
// dense offset.
func BuildPack(indices []int, bs int) Plan {
	n := len(indices)
	if n == 0 || bs < 1 {
		return Plan{BlockSize: bs}
	}
	runs := make([]Run, 0, 4)
	runFrom, runN := indices[0], 1
	dense := 0
	for i := 1; i < n; i++ {
		if indices[i] == indices[i-1]+1 {
			runN++
			continue
		}
		runs = append(runs, Run{From: runFrom * bs, To: dense * bs, N: runN * bs})
		dense += runN
		runFrom, runN = indices[i], 1
	}
	runs = append(runs, Run{From: runFrom * bs, To: dense * bs, N: runN * bs})
	if !worthwhile(runs, n) {
		return Plan{BlockSize: bs}
	}
	return Plan{BlockSize: bs, Runs: runs}
}

// CopyRuns applies a paired plan: dst[r.To:r.To+r.N] = src[r.From:...] for
// every run. Overwrite semantics only.
func CopyRuns[T constraints.Float](p Plan, dst, src []T) {
	for _, r := range p.Runs {
		copy(dst[r.To:r.To+r.N], src[r.From:r.From+r.N])
	}
}

// GatherRuns applies a pack plan, gathering indexed source scalars into the
// dense buffer buf.
func GatherRuns[T constraints.Float](p Plan, buf, src []T) {
	for _, r := range p.Runs {
		copy(buf[r.To:r.To+r.N], src[r.From:r.From+r.N])
	}
}

// ScatterRuns applies a pack plan in the opposite direction, spreading the
// dense buffer buf into the indexed slots of dst. Overwrite semantics only.
func ScatterRuns[T constraints.Float](p Plan, dst, buf []T) {
	for _, r := range p.Runs {
		copy(dst[r.From:r.From+r.N], buf[r.To:r.To+r.N])
	}
}
