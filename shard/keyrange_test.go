package shard

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etclab/oblivstore/errcode"
)

func TestKeyRange(t *testing.T) {
	r := KeyRange{Lo: 10, Hi: 20}
	assert.True(t, r.ContainsHash(10))
	assert.True(t, r.ContainsHash(20))
	assert.False(t, r.ContainsHash(9))
	assert.False(t, r.ContainsHash(21))

	assert.True(t, r.Overlaps(KeyRange{Lo: 20, Hi: 30}))
	assert.False(t, r.Overlaps(KeyRange{Lo: 21, Hi: 30}))

	assert.NoError(t, r.Validate())
	assert.ErrorIs(t, KeyRange{Lo: 2, Hi: 1}.Validate(), errcode.ErrInvalidConfig)

	key := []byte("some key")
	assert.True(t, FullRange().Contains(key))
	h := KeyHash(key)
	assert.True(t, KeyRange{Lo: h, Hi: h}.Contains(key))
}

func TestSplitKeySpace(t *testing.T) {
	t.Run("rejects zero ranges", func(t *testing.T) {
		_, err := SplitKeySpace(0)
		assert.ErrorIs(t, err, errcode.ErrInvalidConfig)
	})

	for _, n := range []int{1, 2, 3, 7, 16} {
		ranges, err := SplitKeySpace(n)
		require.NoError(t, err)
		require.Len(t, ranges, n)

		// contiguous cover of the whole space
		assert.Equal(t, uint64(0), ranges[0].Lo)
		assert.Equal(t, uint64(math.MaxUint64), ranges[n-1].Hi)
		for i := 1; i < n; i++ {
			assert.Equal(t, ranges[i-1].Hi+1, ranges[i].Lo, "n=%d gap before range %d", n, i)
		}

		// every key lands in exactly one range
		key := make([]byte, 8)
		for i := 0; i < 1000; i++ {
			binary.BigEndian.PutUint64(key, uint64(i))
			hits := 0
			for _, r := range ranges {
				if r.Contains(key) {
					hits++
				}
			}
			assert.Equal(t, 1, hits, "n=%d key %d", n, i)
		}
	}
}
