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
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/vecscatter/indexset"
	"github.com/gomlx/vecscatter/memplan"
)

// Remap renumbers the context's destination slots in place: after
// Remap(tomap, nil), values that previously landed at slot s land at
// tomap[s]. Either map may be nil, meaning "leave that side alone".
//
// Only the to side supports remapping, and only for General destination
// indices (plus the trivial identity check on a contiguous stride-1
// destination): the remaining combinations have no defined semantics and
// fail with ErrUnsupported. Remapping the from side always fails with
// ErrUnsupported.
//
// The memcpy plans are discarded and rebuilt -- the old contiguous runs
// are no longer valid -- and both recorded vector lengths become unknown,
// disabling the size checks in Begin until the context is rebuilt. Any
// accelerator index cache is invalidated.
//
// Remapping a context mid-transfer fails with ErrInUse.
func (c *Context) Remap(tomap, frommap []int) error {
	c.assertValid()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		return errors.WithMessage(ErrInUse, "Remap")
	}
	if frommap != nil {
		return errors.Wrapf(ErrUnsupported, "remapping the from side of a scatter is not defined")
	}
	if tomap == nil {
		return nil
	}

	switch c.to.kind {
	case indexset.ToAll:
		return errors.Wrapf(ErrUnsupported, "cannot remap a to-all scatter")
	case indexset.Stride:
		first, step, n := c.to.set.StrideParams()
		if step != 1 || first != 0 {
			return errors.Wrapf(ErrUnsupported, "cannot remap a strided destination (first=%d, step=%d)", first, step)
		}
		// Identity stride: only the identity renumbering keeps it one.
		for i := 0; i < n; i++ {
			if i >= len(tomap) || tomap[i] != i {
				return errors.Wrapf(ErrUnsupported, "cannot remap a contiguous destination with a non-identity map")
			}
		}
		return nil
	case indexset.General:
		// Renumber below.
	default:
		return errors.Wrapf(ErrUnsupported, "cannot remap a %s destination", c.to.kind)
	}

	remapSlots := func(slots []int) error {
		for i, s := range slots {
			if s < 0 || s >= len(tomap) {
				return errors.Wrapf(ErrInvalidIndex, "destination slot %d has no entry in the remap table (len %d)", s, len(tomap))
			}
			if tomap[s] < 0 {
				return errors.Wrapf(ErrInvalidIndex, "remap table sends slot %d to negative slot %d", s, tomap[s])
			}
			slots[i] = tomap[s]
		}
		return nil
	}
	if err := remapSlots(c.localTo); err != nil {
		return err
	}
	if c.to.sched != nil {
		if err := remapSlots(c.to.sched.indices); err != nil {
			return err
		}
	}
	if c.to.set.Kind() == indexset.General {
		c.to.set = indexset.NewGeneral(append([]int(nil), c.localTo...))
	}

	// The contiguous runs the optimizer found no longer hold.
	c.localPlan = memplan.Plan{}
	if !c.disablePlans {
		c.localPlan = memplan.BuildPair(c.localFrom, c.localTo, c.bs)
		if c.to.sched != nil {
			c.to.sched.buildPlans(c.bs)
		}
	}
	if c.cache != nil {
		if err := c.cache.Release(); err != nil {
			klog.Warningf("scatter: releasing stale accelerator index cache after remap: %v", err)
		}
		c.cache = nil
	}

	// The renumbering may target a vector of a different size; sizes are
	// unknown until the caller scatters again.
	c.toN = unknownLen
	c.fromN = unknownLen
	klog.V(1).Infof("scatter: remapped %s", c)
	return nil
}
