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
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/vecscatter/accel"
	"github.com/gomlx/vecscatter/indexset"
	"github.com/gomlx/vecscatter/memplan"
	"github.com/gomlx/vecscatter/vector"
)

// Begin starts a scatter round. It issues the non-blocking peer transfers
// implied by the schedules and applies the purely local portion
// immediately, combining values per mode. Complete the round with End.
//
// Values in x must not be mutated between Begin and End; this is a caller
// contract, not independently enforced.
//
// In Reverse the two vectors are passed swapped relative to Forward: x is
// the vector the forward direction scattered into.
//
// If the transfer completes entirely within Begin -- a purely local
// context, a rank with no peer traffic, or a context built
// WithMergedBeginEnd -- the state returns to idle before Begin returns and
// the subsequent End is a no-op.
func (c *Context) Begin(x, y vector.Vec, mode CombineMode, dir Direction) error {
	c.assertValid()
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return errors.WithMessage(ErrInUse, "Begin")
	}
	if err := c.checkSizes(x, y, dir); err != nil {
		c.mu.Unlock()
		return err
	}
	c.inFlight = true
	c.mu.Unlock()

	if err := c.lazyIndexCache(); err != nil {
		c.setIdle()
		return err
	}

	xArr := x.Array()
	yArr := y.Array()
	defer x.RestoreArray(xArr)
	defer y.RestoreArray(yArr)

	pend := c.issue(xArr, yArr, mode, dir)
	if c.instr != nil {
		c.instr.ScatterBegin(c.info(pend))
	}
	klog.V(2).Infof("scatter: Begin %s %s/%s moved %s", c, dir, mode, humanize.Bytes(uint64(pend.bytes)))

	if pend.op == opNone {
		// Fully complete: a purely local round.
		c.setIdle()
		if c.instr != nil {
			c.instr.ScatterEnd(c.info(pend))
		}
		return nil
	}
	c.mu.Lock()
	c.pend = pend
	c.mu.Unlock()
	if c.merged {
		return c.finish(yArr)
	}
	return nil
}

// End completes a scatter round: it blocks until every outstanding peer
// transfer finishes and lands the received values into y per mode. If
// Begin already completed the round, End returns immediately with no
// effect.
func (c *Context) End(x, y vector.Vec, mode CombineMode, dir Direction) error {
	c.assertValid()
	c.mu.Lock()
	if c.pend == nil {
		// Begin completed the transfer (or nothing is in flight).
		c.inFlight = false
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	yArr := y.Array()
	defer y.RestoreArray(yArr)
	return c.finish(yArr)
}

// checkSizes verifies the vectors' local lengths against the lengths the
// context was built for. Unknown lengths (after Remap) skip the check.
func (c *Context) checkSizes(x, y vector.Vec, dir Direction) error {
	if c.toN < 0 || c.fromN < 0 {
		return nil
	}
	wantX, wantY := c.fromN, c.toN
	if dir == Reverse {
		wantX, wantY = c.toN, c.fromN
	}
	if x.LocalLen() != wantX {
		return errors.Wrapf(ErrSizeMismatch, "vector x has local length %d, scatter %s wants %d", x.LocalLen(), dir, wantX)
	}
	if y.LocalLen() != wantY {
		return errors.Wrapf(ErrSizeMismatch, "vector y has local length %d, scatter %s wants %d", y.LocalLen(), dir, wantY)
	}
	return nil
}

func (c *Context) setIdle() {
	c.mu.Lock()
	c.inFlight = false
	c.pend = nil
	c.mu.Unlock()
}

// issue performs the Begin-side work: local copies now, peer transfers
// started. It returns the pending state End has to finish; pend.op is
// opNone when nothing is outstanding.
func (c *Context) issue(xArr, yArr []float64, mode CombineMode, dir Direction) *pending {
	if c.to.kind == indexset.ToAll && !c.IsSequential() {
		return c.issueToAll(xArr, yArr, mode, dir)
	}
	return c.issueGeneral(xArr, yArr, mode, dir)
}

// issueGeneral handles sequential contexts and the distributed general
// pattern. Forward gathers at the from side and lands at the to side;
// Reverse swaps the endpoint roles, reusing the same index metadata.
func (c *Context) issueGeneral(xArr, yArr []float64, mode CombineMode, dir Direction) *pending {
	sendEp, landEp := c.from, c.to
	gatherIdx, landIdx := c.localFrom, c.localTo
	localPlan := c.localPlan
	if dir == Reverse {
		sendEp, landEp = c.to, c.from
		gatherIdx, landIdx = c.localTo, c.localFrom
		localPlan = c.localPlan.Reversed()
	}

	pend := &pending{op: opNone, mode: mode, dir: dir, landEp: landEp}
	if !c.IsSequential() {
		for i, p := range sendEp.sched.peers {
			idx := sendEp.sched.peerIndices(i)
			buf := make([]float64, len(idx)*c.bs)
			gatherBlocks(buf, xArr, idx, c.bs, packPlan(sendEp, i))
			pend.sendReqs = append(pend.sendReqs, c.transport.ISend(p, c.tag, buf))
			pend.bytes += len(buf) * 8
		}
		for i, p := range landEp.sched.peers {
			n := (landEp.sched.starts[i+1] - landEp.sched.starts[i]) * c.bs
			rbuf := make([]float64, n)
			pend.rbufs = append(pend.rbufs, rbuf)
			pend.recvReqs = append(pend.recvReqs, c.transport.IRecv(p, c.tag, rbuf))
			pend.bytes += n * 8
		}
	}

	applyLocal(yArr, xArr, gatherIdx, landIdx, c.bs, localPlan, mode)
	pend.bytes += len(gatherIdx) * c.bs * 8
	if len(pend.sendReqs) > 0 || len(pend.recvReqs) > 0 {
		pend.op = opGeneral
	}
	return pend
}

// issueToAll handles the distributed broadcast pattern. Forward sends the
// full local part to every peer and receives every peer's part into the
// concatenated destination. Reverse with Insert is a purely local segment
// extraction; Reverse with Add accumulates every rank's copy of the owned
// segment (reduce-scatter shape).
func (c *Context) issueToAll(xArr, yArr []float64, mode CombineMode, dir Direction) *pending {
	me := c.transport.Rank()
	layout := c.layoutFrom
	pend := &pending{op: opNone, mode: mode, dir: dir}

	if dir == Forward {
		for p := 0; p < c.transport.Size(); p++ {
			if p == me {
				continue
			}
			pend.sendReqs = append(pend.sendReqs, c.transport.ISend(p, c.tag, xArr))
			pend.bytes += len(xArr) * 8
		}
		for p := 0; p < c.transport.Size(); p++ {
			if p == me {
				continue
			}
			rbuf := make([]float64, layout.LocalLen(p)*c.bs)
			pend.rbufs = append(pend.rbufs, rbuf)
			pend.landOff = append(pend.landOff, layout.Ranges[p]*c.bs)
			pend.recvReqs = append(pend.recvReqs, c.transport.IRecv(p, c.tag, rbuf))
			pend.bytes += len(rbuf) * 8
		}
		applyLocal(yArr, xArr, c.localFrom, c.localTo, c.bs, c.localPlan, mode)
		pend.bytes += len(c.localFrom) * c.bs * 8
		pend.op = opToAllForward
		return pend
	}

	// Reverse: x holds a full copy of the global vector on this rank.
	applyLocal(yArr, xArr, c.localTo, c.localFrom, c.bs, c.localPlan.Reversed(), mode)
	pend.bytes += len(c.localFrom) * c.bs * 8
	if mode == Insert {
		// Every rank's copy agrees on overwrite semantics; the local
		// extraction is the whole transfer.
		return pend
	}
	for p := 0; p < c.transport.Size(); p++ {
		if p == me {
			continue
		}
		seg := xArr[layout.Ranges[p]*c.bs : layout.Ranges[p+1]*c.bs]
		pend.sendReqs = append(pend.sendReqs, c.transport.ISend(p, c.tag, seg))
		pend.bytes += len(seg) * 8
	}
	for p := 0; p < c.transport.Size(); p++ {
		if p == me {
			continue
		}
		rbuf := make([]float64, layout.LocalLen(me)*c.bs)
		pend.rbufs = append(pend.rbufs, rbuf)
		pend.recvReqs = append(pend.recvReqs, c.transport.IRecv(p, c.tag, rbuf))
		pend.bytes += len(rbuf) * 8
	}
	pend.op = opToAllReverseAdd
	return pend
}

// finish waits for the outstanding transfers of the current round and
// lands the received values into yArr. It always returns the context to
// idle, even on a transport failure: a failed peer is fatal to the whole
// cooperating group and a partial scatter leaves the destination
// undefined, so there is nothing to retry locally.
func (c *Context) finish(yArr []float64) error {
	c.mu.Lock()
	pend := c.pend
	c.pend = nil
	c.mu.Unlock()
	if pend == nil {
		c.setIdle()
		return nil
	}
	defer c.setIdle()

	if err := c.transport.WaitAll(pend.recvReqs...); err != nil {
		return errors.WithMessage(err, "waiting for peer transfers")
	}
	switch pend.op {
	case opGeneral:
		sched := pend.landEp.sched
		for i := range sched.peers {
			idx := sched.peerIndices(i)
			landBlocks(yArr, pend.rbufs[i], idx, c.bs, packPlan(pend.landEp, i), pend.mode)
		}
	case opToAllForward:
		for i, rbuf := range pend.rbufs {
			combineInto(yArr[pend.landOff[i]:pend.landOff[i]+len(rbuf)], rbuf, pend.mode)
		}
	case opToAllReverseAdd:
		for _, rbuf := range pend.rbufs {
			addTo(yArr[:len(rbuf)], rbuf)
		}
	default:
		exceptions.Panicf("scatter: unknown pending operation %d", pend.op)
	}
	if err := c.transport.WaitAll(pend.sendReqs...); err != nil {
		return errors.WithMessage(err, "waiting for send completion")
	}
	if c.instr != nil {
		c.instr.ScatterEnd(c.info(pend))
	}
	klog.V(2).Infof("scatter: End %s %s/%s", c, pend.dir, pend.mode)
	return nil
}

// lazyIndexCache builds the accelerator index cache on first distributed
// use of a context with a configured device. Purely local contexts never
// build one: there is no transfer metadata worth offloading.
func (c *Context) lazyIndexCache() error {
	if c.device == nil || c.cache != nil || c.IsSequential() {
		return nil
	}
	if c.to.kind != indexset.General || c.from.kind != indexset.General {
		return nil
	}
	cache, err := accel.Build(c.device, c.from.sched.indices, c.to.sched.indices, c.bs)
	if err != nil {
		return errors.WithMessage(err, "building accelerator index cache")
	}
	c.mu.Lock()
	c.cache = cache
	c.mu.Unlock()
	return nil
}

// IndexCache returns the accelerator index cache, or nil if none was
// built. Exposed for the device-side transfer mechanism.
func (c *Context) IndexCache() *accel.IndexCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache
}

// packPlan returns the pack/unpack plan for peer i of an endpoint's
// schedule. The same plan serves packing a send buffer and unpacking a
// receive buffer: both pair the dense buffer with the indexed slots.
func packPlan(e *endpoint, i int) memplan.Plan {
	if e.sched.plans == nil {
		return memplan.Plan{}
	}
	return e.sched.plans[i]
}

func (c *Context) info(p *pending) Info {
	return Info{
		Direction: p.dir,
		Mode:      p.mode,
		Bytes:     p.bytes,
		Merged:    p.op == opNone || c.merged,
	}
}

// gatherBlocks packs the bs-sized blocks at idx from src into buf, in
// order. The plan, when non-empty, replaces the element loop with block
// copies; both produce bit-identical buffers.
func gatherBlocks(buf, src []float64, idx []int, bs int, plan memplan.Plan) {
	if !plan.Empty() {
		memplan.GatherRuns(plan, buf, src)
		return
	}
	for k, b := range idx {
		copy(buf[k*bs:(k+1)*bs], src[b*bs:(b+1)*bs])
	}
}

// landBlocks applies a received dense buffer into the blocks at idx of
// dst. Plans only serve Insert; Add always takes the element loop.
func landBlocks(dst, buf []float64, idx []int, bs int, plan memplan.Plan, mode CombineMode) {
	if mode == Insert && !plan.Empty() {
		memplan.ScatterRuns(plan, dst, buf)
		return
	}
	for k, b := range idx {
		combineInto(dst[b*bs:(b+1)*bs], buf[k*bs:(k+1)*bs], mode)
	}
}

// applyLocal copies the self portion: dst[to[i]] gets src[from[i]], block
// by block. The paired plan serves Insert; Add falls back to the loop.
func applyLocal(dst, src []float64, from, to []int, bs int, plan memplan.Plan, mode CombineMode) {
	if mode == Insert && !plan.Empty() {
		memplan.CopyRuns(plan, dst, src)
		return
	}
	for i := range from {
		combineInto(dst[to[i]*bs:(to[i]+1)*bs], src[from[i]*bs:(from[i]+1)*bs], mode)
	}
}

func combineInto(dst, src []float64, mode CombineMode) {
	if mode == Add {
		addTo(dst, src)
		return
	}
	copy(dst, src)
}

func addTo(dst, src []float64) {
	for i, v := range src {
		dst[i] += v
	}
}
