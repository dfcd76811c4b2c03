package fixedset

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		wantErr  error
	}{
		{"empty", 0, nil},
		{"small", 8, nil},
		{"not word aligned", 70, nil},
		{"negative", -1, ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.capacity)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.capacity, s.Cap())
			assert.Equal(t, 0, s.Len())
		})
	}
}

func TestAddRemoveContains(t *testing.T) {
	s, err := New(10)
	require.NoError(t, err)

	added, err := s.Add(3)
	require.NoError(t, err)
	assert.True(t, added)
	assert.True(t, s.Contains(3))

	added, err = s.Add(3)
	require.NoError(t, err)
	assert.False(t, added, "second add is a no-op")
	assert.Equal(t, 1, s.Len())

	removed, err := s.Remove(3)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, s.Contains(3))

	removed, err = s.Remove(3)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Equal(t, 0, s.Len())
}

func TestOutOfRangeDoesNotMutate(t *testing.T) {
	s, _ := New(4)
	_, _ = s.Add(1)

	for _, v := range []int{-1, 4, 100} {
		t.Run(fmt.Sprintf("v=%d", v), func(t *testing.T) {
			_, err := s.Add(v)
			assert.ErrorIs(t, err, ErrOutOfRange)
			_, err = s.Remove(v)
			assert.ErrorIs(t, err, ErrOutOfRange)
			assert.False(t, s.Contains(v))
			assert.Equal(t, []int{1}, s.Members())
		})
	}
}

func TestNextFree(t *testing.T) {
	s, _ := New(70)
	for i := 0; i < 70; i++ {
		free, ok := s.NextFree()
		require.True(t, ok)
		require.Equal(t, i, free)
		_, err := s.Add(free)
		require.NoError(t, err)
	}
	assert.True(t, s.Full())
	_, ok := s.NextFree()
	assert.False(t, ok)

	_, _ = s.Remove(42)
	free, ok := s.NextFree()
	assert.True(t, ok)
	assert.Equal(t, 42, free)
}

func TestResize(t *testing.T) {
	t.Run("grow preserves members", func(t *testing.T) {
		s, _ := New(8)
		for _, v := range []int{0, 5, 7} {
			_, _ = s.Add(v)
		}
		require.NoError(t, s.Resize(100))
		assert.Equal(t, 100, s.Cap())
		assert.Equal(t, []int{0, 5, 7}, s.Members())
		_, err := s.Add(99)
		assert.NoError(t, err)
	})

	t.Run("shrink above highest member", func(t *testing.T) {
		s, _ := New(64)
		_, _ = s.Add(2)
		_, _ = s.Add(9)
		require.NoError(t, s.Resize(10))
		assert.Equal(t, []int{2, 9}, s.Members())
		_, err := s.Add(10)
		assert.ErrorIs(t, err, ErrOutOfRange)
	})

	t.Run("shrink dropping a member fails atomically", func(t *testing.T) {
		s, _ := New(16)
		_, _ = s.Add(1)
		_, _ = s.Add(12)
		err := s.Resize(12)
		assert.ErrorIs(t, err, ErrResizeInvalid)
		assert.Equal(t, 16, s.Cap())
		assert.Equal(t, []int{1, 12}, s.Members())
	})

	t.Run("below occupancy", func(t *testing.T) {
		s, _ := New(4)
		for i := 0; i < 3; i++ {
			_, _ = s.Add(i)
		}
		assert.ErrorIs(t, s.Resize(2), ErrResizeInvalid)
		assert.ErrorIs(t, s.Resize(-1), ErrResizeInvalid)
		assert.Equal(t, 3, s.Len())
	})

	t.Run("alignment veto", func(t *testing.T) {
		pow2 := func(n int) error {
			if n&(n-1) != 0 {
				return errors.New("not a power of two")
			}
			return nil
		}
		s, _ := New(8, WithAlignment(pow2))
		_, _ = s.Add(6)
		err := s.Resize(12)
		assert.ErrorIs(t, err, ErrResizeInvalid)
		assert.Equal(t, 8, s.Cap())
		assert.True(t, s.Contains(6))
		assert.NoError(t, s.Resize(16))
	})
}

func TestClone(t *testing.T) {
	s, _ := New(8)
	_, _ = s.Add(4)
	c := s.Clone()
	_, _ = c.Add(5)
	assert.False(t, s.Contains(5))
	assert.True(t, c.Contains(4))
}

func TestRandomizedAgainstMap(t *testing.T) {
	const capacity = 200
	s, _ := New(capacity)
	ref := make(map[int]bool)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 5000; i++ {
		v := rng.Intn(capacity + 20)
		switch rng.Intn(3) {
		case 0:
			added, err := s.Add(v)
			if v >= capacity {
				require.ErrorIs(t, err, ErrOutOfRange)
				continue
			}
			require.NoError(t, err)
			require.Equal(t, !ref[v], added)
			ref[v] = true
		case 1:
			removed, err := s.Remove(v)
			if v >= capacity {
				require.ErrorIs(t, err, ErrOutOfRange)
				continue
			}
			require.NoError(t, err)
			require.Equal(t, ref[v], removed)
			delete(ref, v)
		default:
			require.Equal(t, ref[v], s.Contains(v))
		}
		require.Equal(t, len(ref), s.Len())
	}
}
