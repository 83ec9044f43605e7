package bitmap

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScanarioS1_RangeFormat(t *testing.T) {
	b := New(64)
	for _, i := range []int{0, 1, 2, 3, 4, 5, 42} {
		b.Set(i)
	}
	require.Equal(t, "0-5,42", b.Format())

	parsed, err := Parse("0-5,42", 64)
	require.NoError(t, err)
	require.True(t, Equal(b, parsed))
}

func TestProperty_RotateCopyRoundTrip(t *testing.T) {
	b := New(16)
	for _, i := range []int{0, 3, 7, 15} {
		b.Set(i)
	}
	for shift := 0; shift < 16; shift++ {
		rotated := b.RotateCopy(shift, 16)
		back := rotated.RotateCopy(-shift, 16)
		require.Truef(t, Equal(b, back), "shift %d did not round-trip", shift)
	}
}

func TestProperty_FormatRoundTrip(t *testing.T) {
	b := New(130)
	for _, i := range []int{0, 1, 64, 65, 129} {
		b.Set(i)
	}

	t.Run("range", func(t *testing.T) {
		s := b.Format()
		parsed, err := Parse(s, 130)
		require.NoError(t, err)
		require.True(t, Equal(b, parsed))
	})

	t.Run("hex", func(t *testing.T) {
		s := b.FormatHex()
		parsed, err := ParseHex(s, 130)
		require.NoError(t, err)
		require.True(t, Equal(b, parsed))
	})

	t.Run("binary", func(t *testing.T) {
		s := b.FormatBin()
		parsed, err := ParseBin(s)
		require.NoError(t, err)
		require.True(t, Equal(b, parsed))
	})

	t.Run("wire pack", func(t *testing.T) {
		buf := b.Pack()
		parsed, err := Unpack(buf)
		require.NoError(t, err)
		require.True(t, Equal(b, parsed))
	})
}

func TestProperty_PopCountEquivalence(t *testing.T) {
	b := New(200)
	indices := []int{0, 1, 63, 64, 65, 127, 128, 199}
	for _, i := range indices {
		b.Set(i)
	}
	require.Equal(t, len(indices), b.SetCount())
	require.Equal(t, 200-len(indices), b.ClearCount())
	require.Equal(t, b.SetCount(), b.SetCountRange(0, 200))
}

func TestProperty_SupersetIffIntersectionEqualsOther(t *testing.T) {
	a := New(32)
	c := New(32)
	for _, i := range []int{1, 2, 3, 10, 20} {
		a.Set(i)
	}
	for _, i := range []int{1, 2, 3} {
		c.Set(i)
	}

	require.True(t, a.Superset(c))

	and := a.Copy()
	and.And(c)
	require.True(t, Equal(and, c))

	c.Set(31)
	require.False(t, a.Superset(c))
}

func TestSetClearTest(t *testing.T) {
	b := New(10)
	require.False(t, b.Test(5))
	b.Set(5)
	require.True(t, b.Test(5))
	b.Clear(5)
	require.False(t, b.Test(5))
}

func TestFFSFFCFLS(t *testing.T) {
	b := New(70)
	b.Set(5)
	b.Set(69)
	require.Equal(t, 5, b.FirstSet())
	require.Equal(t, 69, b.LastSet())
	require.Equal(t, 0, b.FirstClear())

	b.SetAll()
	require.Equal(t, -1, b.FirstClear())
	b.Clear(40)
	require.Equal(t, 40, b.FirstClear())
}

func TestNFFSNFFCNOC(t *testing.T) {
	b := New(20)
	b.Set(2)
	b.Set(4)
	b.Set(6)
	require.Equal(t, 2, b.NFFS(0))
	require.Equal(t, 4, b.NFFS(1))
	require.Equal(t, 6, b.NFFS(2))
	require.Equal(t, -1, b.NFFS(3))

	require.Equal(t, 0, b.NFFC(0))
	require.Equal(t, 1, b.NFFC(1))

	run := b.NOC(3, 0)
	require.Equal(t, 7, run)
}

func TestRealloc(t *testing.T) {
	b := New(4)
	b.Set(3)
	b.Realloc(10)
	require.Equal(t, 10, b.Size())
	require.True(t, b.Test(3))
	require.False(t, b.Test(9))

	b.Realloc(2)
	require.Equal(t, 2, b.Size())
	require.Panics(t, func() { b.Test(3) })
}

func TestPickFirstK(t *testing.T) {
	b := New(10)
	for _, i := range []int{1, 3, 5, 7, 9} {
		b.Set(i)
	}
	picked := b.PickFirstK(2)
	require.Equal(t, 2, picked.SetCount())
	require.True(t, picked.Test(1))
	require.True(t, picked.Test(3))
	require.False(t, picked.Test(5))
}

func TestInvalidBitmapPanics(t *testing.T) {
	var zero Bitmap
	require.Panics(t, func() { zero.Set(0) })
}

func TestParseInvalidInput(t *testing.T) {
	_, err := Parse("5-2", 10)
	require.Error(t, err)

	_, err = Parse("50", 10)
	require.Error(t, err)

	_, err = Parse("not-a-number", 10)
	require.Error(t, err)
}

func TestJSONRoundTrip(t *testing.T) {
	b := New(12)
	b.Set(0)
	b.Set(5)
	b.Set(11)

	data, err := json.Marshal(b)
	require.NoError(t, err)

	var out Bitmap
	require.NoError(t, json.Unmarshal(data, &out))
	require.True(t, Equal(b, &out))
}

func TestJSONRoundTripEmpty(t *testing.T) {
	b := New(0)
	data, err := json.Marshal(b)
	require.NoError(t, err)

	var out Bitmap
	require.NoError(t, json.Unmarshal(data, &out))
	require.True(t, Equal(b, &out))
}
