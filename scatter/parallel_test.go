package scatter_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/vecscatter/accel"
	"github.com/gomlx/vecscatter/comm"
	"github.com/gomlx/vecscatter/indexset"
	"github.com/gomlx/vecscatter/scatter"
	"github.com/gomlx/vecscatter/vector"
)

// identityMapping returns ix = 0..n-1.
func identityMapping(n int) []int {
	ix := make([]int, n)
	for i := range ix {
		ix[i] = i
	}
	return ix
}

// localValues fills this rank's part of the global vector [0, 1, ..., n-1].
func localValues(layout vector.Layout, rank int) *vector.Dense {
	vals := make([]float64, layout.LocalLen(rank))
	for i := range vals {
		vals[i] = float64(layout.Ranges[rank] + i)
	}
	return vector.FromSlice(vals)
}

// TestGlobalReverseScenario is the 4-rank end-to-end scenario: 8 global
// scalars, two per rank, and a context that reverses the global order.
func TestGlobalReverseScenario(t *testing.T) {
	const n, ranks = 8, 4
	layout := vector.EvenLayout(n, ranks)
	ix := identityMapping(n)
	iy := make([]int, n)
	for i := range iy {
		iy[i] = n - 1 - i
	}

	g := comm.NewGroup(ranks)
	err := g.Run(func(tr comm.Transport) error {
		ctx, err := scatter.New(tr, ix, iy, layout, layout)
		if err != nil {
			return err
		}
		defer func() { _ = ctx.Destroy() }()

		x := localValues(layout, tr.Rank())
		y := vector.NewDense(layout.LocalLen(tr.Rank()))
		if err := ctx.Begin(x, y, scatter.Insert, scatter.Forward); err != nil {
			return err
		}
		if err := ctx.End(x, y, scatter.Insert, scatter.Forward); err != nil {
			return err
		}
		// Global result [7, 6, ..., 0]: this rank holds its slice of it.
		base := layout.Ranges[tr.Rank()]
		for i, v := range y.Array() {
			if want := float64(n - 1 - (base + i)); v != want {
				return errors.Errorf("rank %d forward slot %d: got %v, want %v", tr.Rank(), i, v, want)
			}
		}

		// Reverse on the same context restores the original ordering.
		x2 := vector.NewDense(layout.LocalLen(tr.Rank()))
		if err := ctx.Begin(y, x2, scatter.Insert, scatter.Reverse); err != nil {
			return err
		}
		if err := ctx.End(y, x2, scatter.Insert, scatter.Reverse); err != nil {
			return err
		}
		for i, v := range x2.Array() {
			if want := float64(base + i); v != want {
				return errors.Errorf("rank %d reverse slot %d: got %v, want %v", tr.Rank(), i, v, want)
			}
		}
		return nil
	})
	require.NoError(t, err)
}

// TestToAllScenario: three ranks holding {5}, {6}, {7}; after the scatter
// every rank's copy equals [5, 6, 7].
func TestToAllScenario(t *testing.T) {
	const ranks = 3
	layout := vector.EvenLayout(ranks, ranks)

	g := comm.NewGroup(ranks)
	err := g.Run(func(tr comm.Transport) error {
		ctx, err := scatter.NewToAll(tr, layout)
		if err != nil {
			return err
		}
		defer func() { _ = ctx.Destroy() }()
		toKind, _ := ctx.Formats()
		if toKind != indexset.ToAll {
			return errors.Errorf("to kind = %s, want ToAll", toKind)
		}

		x := vector.FromSlice([]float64{float64(5 + tr.Rank())})
		y := vector.NewDense(ranks)
		if err := ctx.Begin(x, y, scatter.Insert, scatter.Forward); err != nil {
			return err
		}
		if err := ctx.End(x, y, scatter.Insert, scatter.Forward); err != nil {
			return err
		}
		for i, v := range y.Array() {
			if want := float64(5 + i); v != want {
				return errors.Errorf("rank %d slot %d: got %v, want %v", tr.Rank(), i, v, want)
			}
		}

		// Reverse with Insert extracts the own segment back.
		x2 := vector.NewDense(1)
		if err := ctx.Begin(y, x2, scatter.Insert, scatter.Reverse); err != nil {
			return err
		}
		if err := ctx.End(y, x2, scatter.Insert, scatter.Reverse); err != nil {
			return err
		}
		if got, want := x2.Array()[0], float64(5+tr.Rank()); got != want {
			return errors.Errorf("rank %d reverse: got %v, want %v", tr.Rank(), got, want)
		}

		// Reverse with Add accumulates every rank's copy.
		x3 := vector.NewDense(1)
		if err := ctx.Begin(y, x3, scatter.Add, scatter.Reverse); err != nil {
			return err
		}
		if err := ctx.End(y, x3, scatter.Add, scatter.Reverse); err != nil {
			return err
		}
		if got, want := x3.Array()[0], float64(ranks*(5+tr.Rank())); got != want {
			return errors.Errorf("rank %d reverse add: got %v, want %v", tr.Rank(), got, want)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestParallelAddAccumulatesAcrossRanks(t *testing.T) {
	layout := vector.EvenLayout(4, 2)
	ix := []int{0, 1, 2, 3}
	iy := []int{3, 3, 0, 0}

	g := comm.NewGroup(2)
	err := g.Run(func(tr comm.Transport) error {
		ctx, err := scatter.New(tr, ix, iy, layout, layout)
		if err != nil {
			return err
		}
		defer func() { _ = ctx.Destroy() }()

		// Global x = [1, 2, 3, 4].
		vals := make([]float64, 2)
		for i := range vals {
			vals[i] = float64(layout.Ranges[tr.Rank()] + i + 1)
		}
		x := vector.FromSlice(vals)
		y := vector.NewDense(2)
		if err := ctx.Begin(x, y, scatter.Add, scatter.Forward); err != nil {
			return err
		}
		if err := ctx.End(x, y, scatter.Add, scatter.Forward); err != nil {
			return err
		}
		// Global y = [3+4, 0, 0, 1+2].
		want := [][]float64{{7, 0}, {0, 3}}[tr.Rank()]
		for i, v := range y.Array() {
			if v != want[i] {
				return errors.Errorf("rank %d slot %d: got %v, want %v", tr.Rank(), i, v, want[i])
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestParallelPlanEquivalence(t *testing.T) {
	const n, ranks = 12, 3
	layout := vector.EvenLayout(n, ranks)
	ix := identityMapping(n)
	// Rotate the global vector by 5: long contiguous stretches cross
	// rank boundaries, so both per-peer plans and the element fallback
	// get exercised.
	iy := make([]int, n)
	for i := range iy {
		iy[i] = (i + 5) % n
	}

	g := comm.NewGroup(ranks)
	err := g.Run(func(tr comm.Transport) error {
		planned, err := scatter.New(tr, ix, iy, layout, layout)
		if err != nil {
			return err
		}
		defer func() { _ = planned.Destroy() }()
		unplanned, err := scatter.New(tr, ix, iy, layout, layout, scatter.WithDisablePlans())
		if err != nil {
			return err
		}
		defer func() { _ = unplanned.Destroy() }()

		// Both rounds run in the same order on every rank; the transport
		// matches messages by tag, so the rounds must not interleave
		// differently across ranks.
		x := localValues(layout, tr.Rank())
		y1 := vector.NewDense(layout.LocalLen(tr.Rank()))
		y2 := vector.NewDense(layout.LocalLen(tr.Rank()))
		for i, ctx := range []*scatter.Context{planned, unplanned} {
			y := []*vector.Dense{y1, y2}[i]
			if err := ctx.Begin(x, y, scatter.Insert, scatter.Forward); err != nil {
				return err
			}
			if err := ctx.End(x, y, scatter.Insert, scatter.Forward); err != nil {
				return err
			}
		}
		for i := range y1.Array() {
			if y1.Array()[i] != y2.Array()[i] {
				return errors.Errorf("rank %d slot %d: planned %v != unplanned %v", tr.Rank(), i, y1.Array()[i], y2.Array()[i])
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestInUseGuards(t *testing.T) {
	layout := vector.EvenLayout(2, 2)
	ix := []int{0, 1}
	iy := []int{1, 0}

	g := comm.NewGroup(2)
	err := g.Run(func(tr comm.Transport) error {
		ctx, err := scatter.New(tr, ix, iy, layout, layout)
		if err != nil {
			return err
		}
		defer func() { _ = ctx.Destroy() }()
		if ctx.Merged() {
			return errors.New("cross-rank swap must not report merged")
		}

		x := vector.FromSlice([]float64{float64(tr.Rank())})
		y := vector.NewDense(1)
		if err := ctx.Begin(x, y, scatter.Insert, scatter.Forward); err != nil {
			return err
		}
		// Re-entrant Begin, Remap and last-reference Destroy are all
		// rejected while the round is in flight.
		if err := ctx.Begin(x, y, scatter.Insert, scatter.Forward); !errors.Is(err, scatter.ErrInUse) {
			return errors.Errorf("re-entrant Begin: got %v, want ErrInUse", err)
		}
		if err := ctx.Remap([]int{0}, nil); !errors.Is(err, scatter.ErrInUse) {
			return errors.Errorf("Remap in flight: got %v, want ErrInUse", err)
		}
		if err := ctx.Destroy(); !errors.Is(err, scatter.ErrInUse) {
			return errors.Errorf("Destroy in flight: got %v, want ErrInUse", err)
		}
		if err := ctx.End(x, y, scatter.Insert, scatter.Forward); err != nil {
			return err
		}
		if got, want := y.Array()[0], float64(1-tr.Rank()); got != want {
			return errors.Errorf("rank %d: got %v, want %v", tr.Rank(), got, want)
		}
		// A compliant follow-up round succeeds after the in-use errors.
		if err := ctx.Begin(x, y, scatter.Insert, scatter.Forward); err != nil {
			return err
		}
		return ctx.End(x, y, scatter.Insert, scatter.Forward)
	})
	require.NoError(t, err)
}

func TestMergedBeginEnd(t *testing.T) {
	layout := vector.EvenLayout(2, 2)
	ix := []int{0, 1}
	iy := []int{1, 0}

	g := comm.NewGroup(2)
	err := g.Run(func(tr comm.Transport) error {
		ctx, err := scatter.New(tr, ix, iy, layout, layout, scatter.WithMergedBeginEnd())
		if err != nil {
			return err
		}
		defer func() { _ = ctx.Destroy() }()
		if !ctx.Merged() {
			return errors.New("context built WithMergedBeginEnd must report merged")
		}

		x := vector.FromSlice([]float64{float64(10 + tr.Rank())})
		y := vector.NewDense(1)
		if err := ctx.Begin(x, y, scatter.Insert, scatter.Forward); err != nil {
			return err
		}
		// The transfer completed inside Begin.
		if got, want := y.Array()[0], float64(10+(1-tr.Rank())); got != want {
			return errors.Errorf("rank %d after Begin: got %v, want %v", tr.Rank(), got, want)
		}
		before := y.Array()[0]
		if err := ctx.End(x, y, scatter.Insert, scatter.Forward); err != nil {
			return err
		}
		if y.Array()[0] != before {
			return errors.New("End must be a no-op on a merged context")
		}
		return nil
	})
	require.NoError(t, err)
}

func TestNonMergedLandsOnlyInEnd(t *testing.T) {
	layout := vector.EvenLayout(2, 2)
	ix := []int{0, 1}
	iy := []int{1, 0}

	g := comm.NewGroup(2)
	err := g.Run(func(tr comm.Transport) error {
		ctx, err := scatter.New(tr, ix, iy, layout, layout)
		if err != nil {
			return err
		}
		defer func() { _ = ctx.Destroy() }()

		x := vector.FromSlice([]float64{float64(1 + tr.Rank())})
		y := vector.NewDense(1)
		if err := ctx.Begin(x, y, scatter.Insert, scatter.Forward); err != nil {
			return err
		}
		if y.Array()[0] != 0 {
			return errors.Errorf("rank %d: remote value landed before End", tr.Rank())
		}
		if err := ctx.End(x, y, scatter.Insert, scatter.Forward); err != nil {
			return err
		}
		if got, want := y.Array()[0], float64(1+(1-tr.Rank())); got != want {
			return errors.Errorf("rank %d after End: got %v, want %v", tr.Rank(), got, want)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestCopyParallel(t *testing.T) {
	const n, ranks = 6, 2
	layout := vector.EvenLayout(n, ranks)
	ix := identityMapping(n)
	iy := []int{5, 4, 3, 2, 1, 0}

	g := comm.NewGroup(ranks)
	err := g.Run(func(tr comm.Transport) error {
		ctx, err := scatter.New(tr, ix, iy, layout, layout)
		if err != nil {
			return err
		}
		defer func() { _ = ctx.Destroy() }()
		dup, err := ctx.Copy()
		if err != nil {
			return err
		}
		defer func() { _ = dup.Destroy() }()

		x := localValues(layout, tr.Rank())
		for _, c := range []*scatter.Context{ctx, dup} {
			y := vector.NewDense(layout.LocalLen(tr.Rank()))
			if err := c.Begin(x, y, scatter.Insert, scatter.Forward); err != nil {
				return err
			}
			if err := c.End(x, y, scatter.Insert, scatter.Forward); err != nil {
				return err
			}
			base := layout.Ranges[tr.Rank()]
			for i, v := range y.Array() {
				if want := float64(n - 1 - (base + i)); v != want {
					return errors.Errorf("rank %d slot %d: got %v, want %v", tr.Rank(), i, v, want)
				}
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestAcceleratorIndexCacheLifecycle(t *testing.T) {
	layout := vector.EvenLayout(2, 2)
	ix := []int{0, 1}
	iy := []int{1, 0}

	g := comm.NewGroup(2)
	err := g.Run(func(tr comm.Transport) error {
		dev := &accel.HostDevice{}
		ctx, err := scatter.New(tr, ix, iy, layout, layout, scatter.WithDevice(dev))
		if err != nil {
			return err
		}
		if ctx.IndexCache() != nil {
			return errors.New("index cache must be built lazily, not at creation")
		}

		x := vector.FromSlice([]float64{float64(tr.Rank())})
		y := vector.NewDense(1)
		if err := ctx.Begin(x, y, scatter.Insert, scatter.Forward); err != nil {
			return err
		}
		if err := ctx.End(x, y, scatter.Insert, scatter.Forward); err != nil {
			return err
		}
		cache := ctx.IndexCache()
		if cache == nil {
			return errors.New("index cache missing after first distributed use")
		}
		if cache.SendCount != 1 || cache.RecvCount != 1 {
			return errors.Errorf("cache counts = (%d, %d), want (1, 1)", cache.SendCount, cache.RecvCount)
		}
		if dev.Live() != 2 {
			return errors.Errorf("device holds %d buffers, want 2", dev.Live())
		}

		// Remap invalidates the cache; the next round rebuilds it.
		if err := ctx.Remap([]int{0}, nil); err != nil {
			return err
		}
		if ctx.IndexCache() != nil {
			return errors.New("remap must invalidate the index cache")
		}
		if dev.Live() != 0 {
			return errors.Errorf("stale device buffers after remap: %d", dev.Live())
		}
		if err := ctx.Begin(x, y, scatter.Insert, scatter.Forward); err != nil {
			return err
		}
		if err := ctx.End(x, y, scatter.Insert, scatter.Forward); err != nil {
			return err
		}
		if ctx.IndexCache() == nil {
			return errors.New("index cache not rebuilt after remap")
		}

		// Destruction releases the device buffers.
		if err := ctx.Destroy(); err != nil {
			return err
		}
		if dev.Live() != 0 {
			return errors.Errorf("device buffers leaked on destroy: %d", dev.Live())
		}
		return nil
	})
	require.NoError(t, err)
}

// TestGatherToOne covers the gather-to-one pattern: every rank's value
// lands on rank 0.
func TestGatherToOne(t *testing.T) {
	const ranks = 3
	srcLayout := vector.EvenLayout(ranks, ranks)
	// Destination vector lives entirely on rank 0.
	dstLens := make([]int, ranks)
	dstLens[0] = ranks
	dstLayout := vector.NewLayout(dstLens)

	ix := identityMapping(ranks)
	iy := identityMapping(ranks)

	g := comm.NewGroup(ranks)
	err := g.Run(func(tr comm.Transport) error {
		ctx, err := scatter.New(tr, ix, iy, srcLayout, dstLayout)
		if err != nil {
			return err
		}
		defer func() { _ = ctx.Destroy() }()

		x := vector.FromSlice([]float64{float64(100 + tr.Rank())})
		y := vector.NewDense(dstLayout.LocalLen(tr.Rank()))
		if err := ctx.Begin(x, y, scatter.Insert, scatter.Forward); err != nil {
			return err
		}
		if err := ctx.End(x, y, scatter.Insert, scatter.Forward); err != nil {
			return err
		}
		if tr.Rank() == 0 {
			for i, v := range y.Array() {
				if want := float64(100 + i); v != want {
					return errors.Errorf("gathered slot %d: got %v, want %v", i, v, want)
				}
			}
		}
		return nil
	})
	require.NoError(t, err)
}
