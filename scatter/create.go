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

package scatter

import (
	"slices"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"

	"github.com/gomlx/vecscatter/comm"
	"github.com/gomlx/vecscatter/indexset"
	"github.com/gomlx/vecscatter/memplan"
	"github.com/gomlx/vecscatter/vector"
)

// New builds a scatter context from two equal-length index mappings with
// semantics dst[iy[i]] = src[ix[i]].
//
// For a distributed context (t non-nil with more than one rank) ix and iy
// are global indices and every rank supplies the full mapping; each rank
// keeps the entries it owns a side of (SPMD construction). layoutX and
// layoutY describe the partitions of the source and destination vectors,
// in block units (see WithBlockSize).
//
// For a purely local context pass t == nil and single-rank layouts; ix and
// iy are then local indices.
//
// New fails with ErrSizeMismatch if the mappings have different lengths
// and with ErrInvalidIndex if an index falls outside its layout.
func New(t comm.Transport, ix, iy []int, layoutX, layoutY vector.Layout, opts ...Option) (*Context, error) {
	if len(ix) != len(iy) {
		return nil, errors.Wrapf(ErrSizeMismatch, "source mapping has %d entries, destination mapping has %d", len(ix), len(iy))
	}
	c := &Context{bs: 1, refs: 1, layoutFrom: layoutX, layoutTo: layoutY}
	for _, opt := range opts {
		opt(c)
	}
	if c.bs < 1 {
		return nil, errors.Wrapf(ErrInvalidIndex, "block size must be >= 1, got %d", c.bs)
	}
	if plansDisabled() {
		c.disablePlans = true
	}
	if t != nil && t.Size() > 1 {
		c.transport = t
		c.tag = t.NextTag()
		if err := c.buildDistributed(ix, iy); err != nil {
			return nil, err
		}
	} else {
		if err := c.buildSequential(ix, iy); err != nil {
			return nil, err
		}
	}
	klog.V(1).Infof("scatter: created %s", c)
	return c, nil
}

// buildSequential classifies both sides and prepares the local copy pairs.
func (c *Context) buildSequential(ix, iy []int) error {
	fromSet := indexset.Classify(ix)
	toSet := indexset.Classify(iy)
	c.fromN = c.layoutFrom.GlobalLen() * c.bs
	c.toN = c.layoutTo.GlobalLen() * c.bs
	if err := fromSet.Validate(c.layoutFrom.GlobalLen()); err != nil {
		return errors.WithMessage(err, "source indices")
	}
	if err := toSet.Validate(c.layoutTo.GlobalLen()); err != nil {
		return errors.WithMessage(err, "destination indices")
	}
	c.from = &endpoint{kind: fromSet.Kind(), set: fromSet}
	c.to = &endpoint{kind: toSet.Kind(), set: toSet}
	c.localFrom = append([]int(nil), ix...)
	c.localTo = append([]int(nil), iy...)
	if !c.disablePlans {
		c.localPlan = memplan.BuildPair(c.localFrom, c.localTo, c.bs)
	}
	return nil
}

// buildDistributed filters the global mapping by ownership and groups the
// remote entries into per-peer contiguous blocks with start-offset tables.
func (c *Context) buildDistributed(ix, iy []int) error {
	me := c.transport.Rank()
	if c.layoutFrom.Size() != c.transport.Size() || c.layoutTo.Size() != c.transport.Size() {
		return errors.Wrapf(ErrSizeMismatch, "layouts partition %d/%d ranks, group has %d",
			c.layoutFrom.Size(), c.layoutTo.Size(), c.transport.Size())
	}
	c.fromN = c.layoutFrom.LocalLen(me) * c.bs
	c.toN = c.layoutTo.LocalLen(me) * c.bs

	sendByPeer := make(map[int][]int) // peer -> local block indices into src.
	recvByPeer := make(map[int][]int) // peer -> local block indices into dst.
	for i := range ix {
		ox, err := c.layoutFrom.Owner(ix[i])
		if err != nil {
			return errors.Wrapf(ErrInvalidIndex, "source mapping entry %d: %v", i, err)
		}
		oy, err := c.layoutTo.Owner(iy[i])
		if err != nil {
			return errors.Wrapf(ErrInvalidIndex, "destination mapping entry %d: %v", i, err)
		}
		switch {
		case ox == me && oy == me:
			c.localFrom = append(c.localFrom, c.layoutFrom.ToLocal(me, ix[i]))
			c.localTo = append(c.localTo, c.layoutTo.ToLocal(me, iy[i]))
		case ox == me:
			sendByPeer[oy] = append(sendByPeer[oy], c.layoutFrom.ToLocal(me, ix[i]))
		case oy == me:
			recvByPeer[ox] = append(recvByPeer[ox], c.layoutTo.ToLocal(me, iy[i]))
		}
	}

	c.from = &endpoint{kind: indexset.General, sched: newSchedule(sendByPeer)}
	c.to = &endpoint{kind: indexset.General, sched: newSchedule(recvByPeer)}
	if !c.disablePlans {
		c.localPlan = memplan.BuildPair(c.localFrom, c.localTo, c.bs)
		c.from.sched.buildPlans(c.bs)
		c.to.sched.buildPlans(c.bs)
	}
	return nil
}

// newSchedule flattens a peer->indices map into the contiguous per-peer
// block layout. Peers are ordered by rank; the order within a peer block
// is the mapping order, identical on the matching side, which is what
// makes send and receive blocks line up element for element.
func newSchedule(byPeer map[int][]int) *schedule {
	peers := maps.Keys(byPeer)
	slices.Sort(peers)
	s := &schedule{
		peers:  peers,
		starts: make([]int, len(peers)+1),
	}
	for i, p := range peers {
		s.indices = append(s.indices, byPeer[p]...)
		s.starts[i+1] = len(s.indices)
	}
	return s
}

// NewToAll builds the broadcast/allgather context over layout: in Forward
// every rank's destination receives the full global vector, concatenated
// in rank order. In Reverse with Insert each rank extracts its own segment
// from its full copy (no communication); in Reverse with Add the segments
// of every rank's copy accumulate into the owners (reduce-scatter).
//
// The destination vectors must have the full global length on every rank.
func NewToAll(t comm.Transport, layout vector.Layout, opts ...Option) (*Context, error) {
	c := &Context{bs: 1, refs: 1, layoutFrom: layout, layoutTo: layout}
	for _, opt := range opts {
		opt(c)
	}
	if c.bs < 1 {
		return nil, errors.Wrapf(ErrInvalidIndex, "block size must be >= 1, got %d", c.bs)
	}
	if plansDisabled() {
		c.disablePlans = true
	}
	toSet, err := indexset.NewToAll(layout.GlobalLen())
	if err != nil {
		return nil, err
	}
	var me int
	if t != nil && t.Size() > 1 {
		if layout.Size() != t.Size() {
			return nil, errors.Wrapf(ErrSizeMismatch, "layout partitions %d ranks, group has %d", layout.Size(), t.Size())
		}
		c.transport = t
		c.tag = t.NextTag()
		me = t.Rank()
	} else if layout.Size() != 1 {
		return nil, errors.Wrapf(ErrSizeMismatch, "to-all context without transport needs a single-rank layout, got %d ranks", layout.Size())
	}
	fromSet, err := indexset.NewStride(0, 1, layout.LocalLen(me))
	if err != nil {
		return nil, err
	}
	c.to = &endpoint{kind: indexset.ToAll, set: toSet}
	c.from = &endpoint{kind: indexset.Stride, set: fromSet}
	c.fromN = layout.LocalLen(me) * c.bs
	c.toN = layout.GlobalLen() * c.bs

	// Self segment: the local part lands at this rank's offset in the
	// concatenated destination.
	first := c.layoutFrom.Ranges[me]
	for i := 0; i < layout.LocalLen(me); i++ {
		c.localFrom = append(c.localFrom, i)
		c.localTo = append(c.localTo, first+i)
	}
	if !c.disablePlans {
		c.localPlan = memplan.BuildPair(c.localFrom, c.localTo, c.bs)
	}
	klog.V(1).Infof("scatter: created %s", c)
	return c, nil
}

// Ref acquires an additional reference: the context is shared by several
// logical owners and Destroy only releases it on the last one.
func (c *Context) Ref() *Context {
	c.assertValid()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs++
	return c
}

// Copy deep-duplicates the context: endpoints, schedules and plans. The
// accelerator index cache is not copied; the duplicate rebuilds it lazily
// on first use. Contexts over broadcast (ToAll) endpoints cannot be
// duplicated and fail with ErrUnsupported.
func (c *Context) Copy() (*Context, error) {
	c.assertValid()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.to.kind == indexset.ToAll || c.from.kind == indexset.ToAll {
		return nil, errors.Wrapf(ErrUnsupported, "cannot copy a to-all scatter context")
	}
	dup := &Context{
		transport:    c.transport,
		bs:           c.bs,
		layoutFrom:   c.layoutFrom,
		layoutTo:     c.layoutTo,
		to:           c.to.clone(),
		from:         c.from.clone(),
		localFrom:    append([]int(nil), c.localFrom...),
		localTo:      append([]int(nil), c.localTo...),
		localPlan:    c.localPlan.Clone(),
		toN:          c.toN,
		fromN:        c.fromN,
		merged:       c.merged,
		disablePlans: c.disablePlans,
		device:       c.device,
		instr:        c.instr,
		refs:         1,
	}
	if c.transport != nil {
		dup.tag = c.transport.NextTag()
	}
	return dup, nil
}

// Destroy releases one reference. It fails with ErrInUse when a Begin/End
// round is in flight and this is the last reference; otherwise, on the
// last reference it releases every owned structure, including any
// accelerator index cache. Destroying an already-destroyed (or nil)
// context is a no-op.
func (c *Context) Destroy() error {
	if c == nil || c.destroyed {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight && c.refs == 1 {
		return errors.WithMessage(ErrInUse, "cannot destroy")
	}
	c.refs--
	if c.refs > 0 {
		return nil
	}
	if c.cache != nil {
		if err := c.cache.Release(); err != nil {
			klog.Warningf("scatter: releasing accelerator index cache: %v", err)
		}
		c.cache = nil
	}
	c.to, c.from = nil, nil
	c.localFrom, c.localTo = nil, nil
	c.localPlan = memplan.Plan{}
	c.destroyed = true
	return nil
}
