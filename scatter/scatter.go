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

// Package scatter moves indexed subsets of values between distributed
// vectors partitioned across the ranks of a cooperating group.
//
// One Context expresses every communication pattern of the surrounding
// numerical stack -- broadcast to all, gather to one, arbitrary
// permutation, halo exchange -- through a single abstraction: a pair of
// index endpoints plus, for distributed endpoints, a per-peer schedule.
// A scatter round is a Begin/End pair:
//
//	ctx, err := scatter.New(t, ix, iy, layoutX, layoutY)
//	...
//	err = ctx.Begin(x, y, scatter.Insert, scatter.Forward)
//	// ... overlap computation with the in-flight transfers ...
//	err = ctx.End(x, y, scatter.Insert, scatter.Forward)
//
// with dst[iy[i]] = src[ix[i]]. The same context also runs in Reverse,
// swapping the endpoint roles, so the pattern that scattered x into y
// gathers y back into x without rebuilding any metadata.
//
// Begin issues non-blocking peer transfers and applies the purely local
// part immediately; End waits for the outstanding transfers and lands the
// received values. When a transfer completes entirely inside Begin (purely
// local contexts, or contexts built WithMergedBeginEnd) End is a no-op --
// see Merged.
//
// Contexts are shared-ownership handles: Ref acquires an extra reference
// and Destroy only releases the underlying schedules, plans and device
// caches on the last one.
package scatter

import (
	"fmt"
	"os"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/vecscatter/accel"
	"github.com/gomlx/vecscatter/comm"
	"github.com/gomlx/vecscatter/indexset"
	"github.com/gomlx/vecscatter/memplan"
	"github.com/gomlx/vecscatter/vector"
)

var (
	// ErrSizeMismatch is returned when a buffer's local length disagrees
	// with the lengths the context was built for, or when the two index
	// mappings given to New have different cardinality.
	ErrSizeMismatch = errors.New("size mismatch")

	// ErrInUse is returned on a re-entrant Begin, or on Remap/Destroy
	// while a Begin/End round is in flight.
	ErrInUse = errors.New("scatter context already in use")

	// ErrUnsupported is returned when Copy or Remap is requested on an
	// index-kind combination with no defined semantics.
	ErrUnsupported = errors.New("unsupported operation")
)

// ErrInvalidIndex mirrors indexset.ErrInvalidIndex for callers that only
// import this package.
var ErrInvalidIndex = indexset.ErrInvalidIndex

// CombineMode says how arriving values meet the destination slot.
type CombineMode int

const (
	// Insert overwrites the destination slot. Slots not scattered to
	// keep their old values; the destination is not zeroed first.
	Insert CombineMode = iota
	// Add accumulates into the destination slot.
	Add
)

// String implements fmt.Stringer.
func (m CombineMode) String() string {
	if m == Add {
		return "Add"
	}
	return "Insert"
}

// Direction selects which endpoint gathers and which lands.
type Direction int

const (
	// Forward scatters src into dst as built: dst[iy[i]] = src[ix[i]].
	Forward Direction = iota
	// Reverse swaps the endpoint roles: the context that scattered x
	// into y now gathers y back into x. Callers pass the two vectors
	// swapped relative to Forward.
	Reverse
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	if d == Reverse {
		return "Reverse"
	}
	return "Forward"
}

// unknownLen marks a local length as unknown (set after Remap), which
// disables the size checks in Begin.
const unknownLen = -1

// NoPlansEnv is the environment variable that globally disables the
// memcpy-plan optimizer, forcing the element-wise fallback everywhere.
// Mostly useful to bisect data-movement bugs.
const NoPlansEnv = "VECSCATTER_NOMEMPLAN"

// DefaultDisablePlans disables the memcpy-plan optimizer for contexts
// created after it is set. The NoPlansEnv environment variable overrides
// it at creation time.
var DefaultDisablePlans bool

func plansDisabled() bool {
	if _, found := os.LookupEnv(NoPlansEnv); found {
		return true
	}
	return DefaultDisablePlans
}

// schedule is the distributed half of an endpoint: which peers participate
// and which contiguous block of indices belongs to each.
type schedule struct {
	peers   []int // peer ranks, ascending, self excluded.
	starts  []int // len(peers)+1 offsets into indices.
	indices []int // local block indices, grouped per peer, mapping order kept.

	// plans holds one pack/unpack plan per peer; empty plans mean
	// element-wise fallback for that peer.
	plans []memplan.Plan
}

func (s *schedule) total() int { return s.starts[len(s.peers)] }

func (s *schedule) peerIndices(i int) []int {
	return s.indices[s.starts[i]:s.starts[i+1]]
}

func (s *schedule) buildPlans(bs int) {
	s.plans = make([]memplan.Plan, len(s.peers))
	for i := range s.peers {
		s.plans[i] = memplan.BuildPack(s.peerIndices(i), bs)
	}
}

func (s *schedule) clone() *schedule {
	if s == nil {
		return nil
	}
	c := &schedule{
		peers:   append([]int(nil), s.peers...),
		starts:  append([]int(nil), s.starts...),
		indices: append([]int(nil), s.indices...),
	}
	if s.plans != nil {
		c.plans = make([]memplan.Plan, len(s.plans))
		for i, p := range s.plans {
			c.plans[i] = p.Clone()
		}
	}
	return c
}

// endpoint is one side of a context: `from` describes the source vector
// (its schedule is the send side), `to` describes the destination vector
// (its schedule is the receive side).
type endpoint struct {
	kind  indexset.Kind
	set   indexset.Set // full description for sequential contexts; metadata otherwise.
	sched *schedule    // nil for sequential endpoints.
}

func (e *endpoint) clone() *endpoint {
	return &endpoint{kind: e.kind, set: e.set.Clone(), sched: e.sched.clone()}
}

// pendingOp tags what End still has to finish.
type pendingOp int

const (
	opNone pendingOp = iota
	opGeneral
	opToAllForward
	opToAllReverseAdd
)

// pending is the in-flight state between Begin and End.
type pending struct {
	op       pendingOp
	mode     CombineMode
	dir      Direction
	sendReqs []comm.Request
	recvReqs []comm.Request
	rbufs    [][]float64
	// landEp is the endpoint whose schedule says where received values
	// go (general transfers only).
	landEp *endpoint
	// landOff holds, per receive buffer, the scalar offset in the
	// destination where it lands (to-all forward only).
	landOff []int
	bytes   int
}

// Context is a scatter context: the index metadata, peer schedules and
// derived optimizations for one communication pattern. See the package
// documentation for the lifecycle.
type Context struct {
	transport comm.Transport // nil for purely local contexts.
	tag       int
	bs        int

	layoutFrom, layoutTo vector.Layout

	to, from *endpoint

	// Self-portion copy pairs (block indices): dst[localTo[i]] gets
	// src[localFrom[i]] during Begin, no transport involved.
	localFrom, localTo []int
	localPlan          memplan.Plan

	toN, fromN   int // local lengths in scalars; unknownLen after Remap.
	merged       bool
	disablePlans bool

	device accel.Device
	instr  Instrument

	mu        sync.Mutex
	inFlight  bool
	refs      int
	destroyed bool
	pend      *pending
	cache     *accel.IndexCache
}

// Option configures a Context at creation.
type Option func(*Context)

// WithBlockSize makes every logical index address a contiguous run of bs
// scalars (vector-valued entries). Default 1.
func WithBlockSize(bs int) Option {
	return func(c *Context) { c.bs = bs }
}

// WithMergedBeginEnd makes Begin perform the completion steps internally,
// turning End into a guaranteed no-op. Useful when the caller has no
// computation to overlap and prefers a single call.
func WithMergedBeginEnd() Option {
	return func(c *Context) { c.merged = true }
}

// WithDisablePlans turns off the memcpy-plan optimizer for this context,
// forcing the element-wise fallback. See also NoPlansEnv.
func WithDisablePlans() Option {
	return func(c *Context) { c.disablePlans = true }
}

// WithDevice attaches an accelerator: the context lazily builds a
// deduplicated, block-expanded index cache on first distributed use and
// reuses it across rounds. See package accel.
func WithDevice(dev accel.Device) Option {
	return func(c *Context) { c.device = dev }
}

// WithInstrument attaches the observability hook invoked around Begin and
// End. The hook is opaque to the engine: side effects only.
func WithInstrument(in Instrument) Option {
	return func(c *Context) { c.instr = in }
}

func (c *Context) assertValid() {
	if c == nil || c.destroyed {
		exceptions.Panicf("scatter: use of destroyed Context")
	}
}

// Merged reports whether End is always a no-op for this context: true
// exactly when the context was built WithMergedBeginEnd or is purely
// local.
func (c *Context) Merged() bool {
	c.assertValid()
	return c.merged || c.IsSequential()
}

// IsSequential reports whether the context moves data without any peer
// communication. Algorithms use it to special-case purely local transfers.
func (c *Context) IsSequential() bool {
	c.assertValid()
	return c.transport == nil || c.transport.Size() == 1
}

// Formats returns the index-representation kinds of the destination and
// source endpoints.
func (c *Context) Formats() (to, from indexset.Kind) {
	c.assertValid()
	return c.to.kind, c.from.kind
}

// BlockSize returns the number of scalars one logical index addresses.
func (c *Context) BlockSize() int {
	c.assertValid()
	return c.bs
}

// String implements fmt.Stringer.
func (c *Context) String() string {
	if c == nil {
		return "Context(nil)"
	}
	kind := "sequential"
	if !c.IsSequential() {
		kind = fmt.Sprintf("rank %d/%d", c.transport.Rank(), c.transport.Size())
	}
	return fmt.Sprintf("Context(%s, to=%s, from=%s, bs=%d, local=%d pairs)",
		kind, c.to.kind, c.from.kind, c.bs, len(c.localTo))
}
