package sluid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackUnpackFields(t *testing.T) {
	id := pack(7, 1234567890123, 42)
	require.EqualValues(t, 7, id.Cluster())
	require.EqualValues(t, 1234567890123, id.UnixMilli())
	require.EqualValues(t, 42, id.Seq())
}

func TestStringParseRoundTrip(t *testing.T) {
	id := pack(maxCluster, maxTime, maxSeq)
	s := id.String()
	require.Len(t, s, 14)
	require.Equal(t, byte('s'), s[0])

	got, err := Parse(s)
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestStringParseRoundTripZero(t *testing.T) {
	id := pack(0, 0, 0)
	s := id.String()
	got, err := Parse(s)
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestParseCaseInsensitiveAndAmbiguousChars(t *testing.T) {
	id := pack(1, 1000, 5)
	s := id.String()

	lower, err := Parse(toLower(s))
	require.NoError(t, err)
	require.Equal(t, id, lower)

	// s[1] is '0' (the top bits are zero); 'O' must decode the same.
	require.Equal(t, byte('0'), s[1])
	ambiguous, err := Parse("sO" + s[2:])
	require.NoError(t, err)
	require.Equal(t, id, ambiguous)
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func TestParseRejectsBadLength(t *testing.T) {
	_, err := Parse("TOO-SHORT")
	require.Error(t, err)
}

func TestParseRejectsInvalidChar(t *testing.T) {
	_, err := Parse("sU00000000000U")
	require.Error(t, err)
}

func TestParseRejectsMissingPrefix(t *testing.T) {
	id := pack(1, 1000, 5)
	s := id.String()
	_, err := Parse(s[1:] + "0")
	require.Error(t, err)
}

func TestNewGeneratorRejectsOversizedCluster(t *testing.T) {
	_, err := NewGenerator(maxCluster + 1)
	require.Error(t, err)
}

func TestGeneratorMonotonic(t *testing.T) {
	g, err := NewGenerator(3)
	require.NoError(t, err)

	ms := int64(1000)
	nowMilli = func() int64 { return ms }
	defer func() { nowMilli = func() int64 { return 0 } }()

	var prev ID
	for i := 0; i < 2000; i++ {
		id := g.Next()
		if i > 0 {
			require.Greaterf(t, uint64(id), uint64(prev), "iteration %d not monotonic", i)
		}
		prev = id
		if i%100 == 0 {
			ms++
		}
	}
}

func TestGeneratorSeqAdvancesWithinSameMillisecond(t *testing.T) {
	g, err := NewGenerator(1)
	require.NoError(t, err)
	nowMilli = func() int64 { return 500 }

	a := g.Next()
	b := g.Next()
	require.Equal(t, a.UnixMilli(), b.UnixMilli())
	require.Equal(t, a.Seq()+1, b.Seq())
}

func TestGeneratorSeqOverflowAdvancesClock(t *testing.T) {
	g, err := NewGenerator(1)
	require.NoError(t, err)

	// The clock reads 700 for the first maxSeq+2 reads, then 701.
	calls := 0
	nowMilli = func() int64 {
		calls++
		if calls <= maxSeq+2 {
			return 700
		}
		return 701
	}

	for i := 0; i <= maxSeq; i++ {
		g.Next()
	}
	// next call still reads 700, so the seq overflows and Next
	// busy-waits until the clock reads 701.
	overflowed := g.Next()
	require.EqualValues(t, 701, overflowed.UnixMilli())
	require.EqualValues(t, 0, overflowed.Seq())
}
