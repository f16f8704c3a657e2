package vector

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLayout(t *testing.T) {
	l := NewLayout([]int{2, 3, 1})
	require.Equal(t, 3, l.Size())
	require.Equal(t, 6, l.GlobalLen())
	require.Equal(t, []int{0, 2, 5, 6}, l.Ranges)
	require.Equal(t, 3, l.LocalLen(1))

	owner, err := l.Owner(0)
	require.NoError(t, err)
	require.Equal(t, 0, owner)
	owner, err = l.Owner(4)
	require.NoError(t, err)
	require.Equal(t, 1, owner)
	owner, err = l.Owner(5)
	require.NoError(t, err)
	require.Equal(t, 2, owner)

	_, err = l.Owner(6)
	require.Error(t, err)
	_, err = l.Owner(-1)
	require.Error(t, err)

	require.Equal(t, 2, l.ToLocal(1, 4))
}

func TestEvenLayout(t *testing.T) {
	l := EvenLayout(8, 4)
	require.Equal(t, []int{0, 2, 4, 6, 8}, l.Ranges)

	l = EvenLayout(7, 3)
	require.Equal(t, []int{0, 3, 5, 7}, l.Ranges)
}

func TestDense(t *testing.T) {
	v := NewDense(4)
	require.Equal(t, 4, v.LocalLen())
	arr := v.Array()
	arr[2] = 7
	v.RestoreArray(arr)
	require.Equal(t, 7.0, v.Array()[2])

	w := FromSlice([]float64{1, 2})
	require.Equal(t, 2, w.LocalLen())
}
