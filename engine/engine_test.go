package engine

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etclab/oblivstore/config"
	"github.com/etclab/oblivstore/errcode"
	"github.com/etclab/oblivstore/ohtable"
	"github.com/etclab/oblivstore/shard"
)

func testTemplate() shard.Config {
	return shard.Config{
		Table: ohtable.Config{KeySize: 8, MaxRecordSize: 48},
	}
}

func testKey(i int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(i))
	return k
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e := New(testTemplate(), opts...)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngine_CreateShard(t *testing.T) {
	e := newTestEngine(t)

	ranges, err := shard.SplitKeySpace(2)
	require.NoError(t, err)

	a, err := e.CreateShard(ranges[0], 64, 0.75)
	require.NoError(t, err)
	b, err := e.CreateShard(ranges[1], 128, 0.5)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	infos := e.Shards()
	require.Len(t, infos, 2)
	assert.Equal(t, a, infos[0].Ref)
	assert.Equal(t, "shard-0", infos[0].Name)
	assert.Equal(t, ranges[1], infos[1].Range)
	assert.Equal(t, shard.Running, infos[1].State)

	t.Run("rejects overlapping ranges", func(t *testing.T) {
		_, err := e.CreateShard(shard.KeyRange{Lo: ranges[0].Hi, Hi: ranges[1].Lo}, 64, 0.75)
		assert.ErrorIs(t, err, errcode.ErrInvalidConfig)
		assert.Len(t, e.Shards(), 2)
	})

	t.Run("rejects bad table parameters", func(t *testing.T) {
		e := newTestEngine(t)
		_, err := e.CreateShard(shard.FullRange(), 64, 1.5)
		assert.ErrorIs(t, err, errcode.ErrInvalidLoadFactor)
		assert.Empty(t, e.Shards())
	})
}

func TestEngine_PutGet(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	ref, err := e.CreateShard(shard.FullRange(), 64, 0.75)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, e.Put(ctx, ref, testKey(i), []byte{byte(i), 1, 2}))
	}
	for i := 0; i < 20; i++ {
		v, err := e.Get(ctx, ref, testKey(i))
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i), 1, 2}, v)
	}

	_, err = e.Get(ctx, ref, testKey(1000))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = e.Get(ctx, ref+7, testKey(1))
	assert.ErrorIs(t, err, ErrUnknownShard)
	assert.ErrorIs(t, e.Put(ctx, ref+7, testKey(1), nil), ErrUnknownShard)
	_, err = e.Stats(ctx, ref+7)
	assert.ErrorIs(t, err, ErrUnknownShard)

	stats, err := e.Stats(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, 20, stats.Table.Len)
	assert.Equal(t, "shard-0", stats.Name)
}

func TestEngine_OpaqueErrors(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, WithOpaqueErrors())
	ref, err := e.CreateShard(shard.FullRange(), 16, 0.5)
	require.NoError(t, err)

	err = e.Put(ctx, ref, testKey(1), make([]byte, 49))
	assert.Same(t, errcode.ErrFailed, err, "oversized value")

	_, err = e.Get(ctx, ref+1, testKey(1))
	assert.Same(t, errcode.ErrFailed, err, "unknown shard")

	for i := 0; i < 8; i++ {
		require.NoError(t, e.Put(ctx, ref, testKey(i), []byte{1}))
	}
	err = e.Put(ctx, ref, testKey(100), []byte{1})
	assert.Same(t, errcode.ErrFailed, err, "table full")

	_, err = e.Get(ctx, ref, testKey(100))
	assert.ErrorIs(t, err, ErrNotFound, "a miss passes through")
}

func TestEngine_DestroyShard(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	ref, err := e.CreateShard(shard.FullRange(), 32, 0.75)
	require.NoError(t, err)
	require.NoError(t, e.Put(ctx, ref, testKey(1), []byte("x")))

	require.NoError(t, e.DestroyShard(ref))
	assert.Empty(t, e.Shards())
	assert.ErrorIs(t, e.DestroyShard(ref), ErrUnknownShard)
	_, err = e.Get(ctx, ref, testKey(1))
	assert.ErrorIs(t, err, ErrUnknownShard)

	// the range is free again
	ref2, err := e.CreateShard(shard.FullRange(), 32, 0.75)
	require.NoError(t, err)
	assert.NotEqual(t, ref, ref2, "refs are not reused")
	_, err = e.Get(ctx, ref2, testKey(1))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_Close(t *testing.T) {
	e := New(testTemplate())
	ranges, err := shard.SplitKeySpace(4)
	require.NoError(t, err)
	for _, r := range ranges {
		_, err := e.CreateShard(r, 16, 0.75)
		require.NoError(t, err)
	}

	require.NoError(t, e.Close())
	assert.Empty(t, e.Shards())
	require.NoError(t, e.Close())
}

func TestEngine_Lookup(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	_, ok := e.Lookup(testKey(1))
	assert.False(t, ok, "no shards")

	ranges, err := shard.SplitKeySpace(3)
	require.NoError(t, err)
	for _, r := range ranges {
		_, err := e.CreateShard(r, 64, 0.75)
		require.NoError(t, err)
	}

	for i := 0; i < 30; i++ {
		key := testKey(i)
		ref, ok := e.Lookup(key)
		require.True(t, ok)
		require.NoError(t, e.Put(ctx, ref, key, []byte{byte(i)}))
	}
	for i := 0; i < 30; i++ {
		key := testKey(i)
		ref, _ := e.Lookup(key)
		v, err := e.Get(ctx, ref, key)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, v)
	}
}

func TestNewFromConfig(t *testing.T) {
	ctx := context.Background()
	cfg, err := config.Parse([]byte(`
oram:
  encrypt: true
  constant_time: true
  sealing_seed: test
table:
  max_record_size: 48
  hash: metro
  hash_seed: engine-test
opaque_errors: true
shards:
  - name: even
    capacity: 64
  - name: odd
    capacity: 128
    load_factor: 0.5
`))
	require.NoError(t, err)

	e, err := NewFromConfig(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	infos := e.Shards()
	require.Len(t, infos, 2)
	assert.Equal(t, "even", infos[0].Name)
	assert.Equal(t, "odd", infos[1].Name)

	entry := DirectoryEntry{ACI: [16]byte{1}, PNI: [16]byte{2}, UAK: make([]byte, 16)}
	value, err := entry.MarshalBinary()
	require.NoError(t, err)
	key, err := E164Key(16505550101, cfg.Table.KeySize)
	require.NoError(t, err)

	ref, ok := e.Lookup(key)
	require.True(t, ok)
	require.NoError(t, e.Put(ctx, ref, key, value))

	raw, err := e.Get(ctx, ref, key)
	require.NoError(t, err)
	var got DirectoryEntry
	require.NoError(t, got.UnmarshalBinary(raw))
	assert.Equal(t, entry, got)

	stats, err := e.Stats(ctx, infos[1].Ref)
	require.NoError(t, err)
	assert.Equal(t, 64, stats.Table.MaxOccupancy)

	t.Run("overlapping shards", func(t *testing.T) {
		cfg, err := config.Parse([]byte(`
shards:
  - capacity: 16
    lo: 0
    hi: 100
  - capacity: 16
    lo: 50
    hi: 200
`))
		if err == nil {
			_, err = NewFromConfig(cfg)
		}
		assert.ErrorIs(t, err, errcode.ErrInvalidConfig)
	})
}

func TestE164(t *testing.T) {
	n, err := ParseE164("+16505550101")
	require.NoError(t, err)
	assert.Equal(t, uint64(16505550101), n)
	assert.Equal(t, "+16505550101", FormatE164(n))

	for _, bad := range []string{"", "16505550101", "+", "+1650-555", "+0", "+1234567890123456"} {
		_, err := ParseE164(bad)
		assert.ErrorIs(t, err, ErrInvalidE164, bad)
	}

	key, err := E164Key(n, 8)
	require.NoError(t, err)
	assert.Equal(t, n, binary.BigEndian.Uint64(key))

	key, err = E164Key(n, 16)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 8), key[:8])
	assert.Equal(t, n, binary.BigEndian.Uint64(key[8:]))

	_, err = E164Key(n, 4)
	assert.ErrorIs(t, err, errcode.ErrKeySize)
}

func TestDirectoryEntry(t *testing.T) {
	short := DirectoryEntry{ACI: [16]byte{0xaa}, PNI: [16]byte{0xbb}}
	data, err := short.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, data, 32)

	var got DirectoryEntry
	require.NoError(t, got.UnmarshalBinary(data))
	assert.Equal(t, short, got)

	full := DirectoryEntry{ACI: [16]byte{1}, PNI: [16]byte{2}, UAK: []byte("0123456789abcdef")}
	data, err = full.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, data, 48)
	require.NoError(t, got.UnmarshalBinary(data))
	assert.Equal(t, full, got)

	_, err = DirectoryEntry{UAK: []byte{1, 2}}.MarshalBinary()
	assert.ErrorIs(t, err, errcode.ErrRecordSize)
	assert.ErrorIs(t, got.UnmarshalBinary(make([]byte, 40)), errcode.ErrRecordSize)
}
