// Package oram implements Path ORAM over an in-enclave bucket tree.
//
// Every access reads one full root-to-leaf path into the stash and writes the
// same full path back, re-sealing every slot, so the host observes the same
// footprint whichever block was requested.
//
// An ORAM is not safe for concurrent use; its owner serialises accesses.
package oram

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"

	"github.com/go-logr/logr"

	"github.com/etclab/oblivstore/errcode"
	"github.com/etclab/oblivstore/fixedset"
)

// slotHeaderSize is the plaintext header of a slot: block ID and leaf.
const slotHeaderSize = 16

// AccessStats counts physical traffic. Bucket counts grow by exactly one
// path per access. Overflows counts completed accesses that left the stash
// above its limit.
type AccessStats struct {
	Accesses     uint64
	BucketReads  uint64
	BucketWrites uint64
	Overflows    uint64
}

// Option configures an ORAM.
type Option func(*ORAM)

// WithLogger sets the logger used for integrity and overflow reports.
func WithLogger(log logr.Logger) Option {
	return func(o *ORAM) { o.log = log }
}

// WithRandom replaces crypto/rand as the leaf randomness source.
func WithRandom(r io.Reader) Option {
	return func(o *ORAM) { o.rand = r }
}

// ORAM implements the Path ORAM protocol.
type ORAM struct {
	cfg       Config
	depth     int
	numLeaves int
	slotSize  int

	storage Storage     // pluggable storage backend
	posMap  PositionMap // pluggable position map
	encrypt Encryptor   // pluggable encryption

	allocated  *fixedset.FixedSet // allocated logical IDs
	stash      *stash             // blocks not yet written back to tree
	pathBlocks [][]block          // plaintext working copy of one path
	zero       []byte

	stats    AccessStats
	log      logr.Logger
	rand     io.Reader
	released bool
}

// New creates a new ORAM instance with explicit dependencies and formats the
// storage with sealed dummies.
func New(cfg Config, storage Storage, posMap PositionMap, enc Encryptor, opts ...Option) (*ORAM, error) {
	cfg, err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	depth, numLeaves, totalBuckets := cfg.ComputeTreeParams()
	slotSize := slotHeaderSize + cfg.BlockSize + enc.Overhead()
	if storage.NumBuckets() != totalBuckets || storage.BucketSize() != cfg.BucketSize || storage.SlotSize() != slotSize {
		return nil, fmt.Errorf("%w: storage geometry %dx%dx%d, need %dx%dx%d", ErrInvalidConfig,
			storage.NumBuckets(), storage.BucketSize(), storage.SlotSize(),
			totalBuckets, cfg.BucketSize, slotSize)
	}

	o := &ORAM{
		cfg:       cfg,
		depth:     depth,
		numLeaves: numLeaves,
		slotSize:  slotSize,
		storage:   storage,
		posMap:    posMap,
		encrypt:   enc,
		zero:      make([]byte, cfg.BlockSize),
		log:       logr.Discard(),
		rand:      rand.Reader,
	}
	for _, opt := range opts {
		opt(o)
	}

	o.allocated, err = fixedset.New(cfg.NumBlocks, fixedset.WithAlignment(o.alignCapacity))
	if err != nil {
		return nil, err
	}

	pathSlots := cfg.pathSlots()
	o.stash = newStash(min(2*cfg.StashLimit+pathSlots+1, cfg.NumBlocks+1), cfg.StashLimit, cfg.BlockSize)
	o.pathBlocks = make([][]block, depth+1)
	for level := range o.pathBlocks {
		o.pathBlocks[level] = make([]block, cfg.BucketSize)
		for slot := range o.pathBlocks[level] {
			o.pathBlocks[level][slot] = block{id: EmptyBlockID, leaf: -1, data: make([]byte, cfg.BlockSize)}
		}
	}

	if cfg.LockMemory {
		if l, ok := storage.(interface{ Lock() error }); ok {
			if err := l.Lock(); err != nil {
				return nil, err
			}
		}
	}

	if err := o.format(); err != nil {
		return nil, err
	}
	return o, nil
}

// NewInMemory creates a new ORAM instance with in-memory storage and no encryption.
// This is the simplest way to create an ORAM for testing or in-memory use.
func NewInMemory(cfg Config, opts ...Option) (*ORAM, error) {
	return NewInMemoryWithEncryptor(cfg, NoOpEncryptor{}, opts...)
}

// NewInMemoryWithEncryptor creates an in-memory ORAM sealing slots with enc.
func NewInMemoryWithEncryptor(cfg Config, enc Encryptor, opts ...Option) (*ORAM, error) {
	cfg, err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	_, numLeaves, totalBuckets := cfg.ComputeTreeParams()
	storage := NewInMemoryStorage(totalBuckets, cfg.BucketSize, slotHeaderSize+cfg.BlockSize+enc.Overhead())
	posMap := NewInMemoryPositionMap(numLeaves)

	return New(cfg, storage, posMap, enc, opts...)
}

// format seals a dummy into every slot of the tree.
func (o *ORAM) format() error {
	for idx := 0; idx < o.storage.NumBuckets(); idx++ {
		level := o.pathBlocks[0]
		blocks, err := o.sealBucket(idx, level)
		if err != nil {
			return err
		}
		if err := o.storage.WriteBucket(idx, blocks); err != nil {
			return fmt.Errorf("format bucket %d: %w", idx, err)
		}
	}
	return nil
}

// alignCapacity keeps the logical capacity on the current tree depth.
func (o *ORAM) alignCapacity(n int) error {
	if n <= 0 {
		return fmt.Errorf("capacity %d is not positive", n)
	}
	if d := depthFor(n); d != o.depth {
		return fmt.Errorf("capacity %d needs depth %d, tree has depth %d", n, d, o.depth)
	}
	return nil
}

// Capacity returns the number of logical blocks this ORAM can allocate.
func (o *ORAM) Capacity() int {
	return o.allocated.Cap()
}

// Depth returns the number of edges on a root-to-leaf path.
func (o *ORAM) Depth() int {
	return o.depth
}

// Height returns the number of levels of the binary tree.
func (o *ORAM) Height() int {
	return o.depth + 1
}

// NumLeaves returns the number of leaf nodes in the tree.
func (o *ORAM) NumLeaves() int {
	return o.numLeaves
}

// StashSize returns the current number of blocks in the stash.
func (o *ORAM) StashSize() int {
	return o.stash.size
}

// MaxStashSize returns the stash high-water mark.
func (o *ORAM) MaxStashSize() int {
	return o.stash.max
}

// Overflowed reports whether the stash is currently above its limit.
func (o *ORAM) Overflowed() bool {
	return o.stash.overLimit()
}

// StashLimit returns the configured stash bound.
func (o *ORAM) StashLimit() int {
	return o.cfg.StashLimit
}

// Size returns the number of allocated blocks.
func (o *ORAM) Size() int {
	return o.allocated.Len()
}

// BlockSize returns the configured block size.
func (o *ORAM) BlockSize() int {
	return o.cfg.BlockSize
}

// StorageBytes returns the size of the sealed bucket tree.
func (o *ORAM) StorageBytes() int {
	return o.storage.NumBuckets() * o.storage.BucketSize() * o.storage.SlotSize()
}

// Stats returns the physical traffic counters.
func (o *ORAM) Stats() AccessStats {
	return o.stats
}

// Allocated reports whether blockID has been allocated.
func (o *ORAM) Allocated(blockID int) bool {
	return o.allocated.Contains(blockID)
}

// Resize changes the logical block capacity. The new capacity must keep every
// allocated ID and fit the existing tree depth; otherwise nothing changes.
func (o *ORAM) Resize(numBlocks int) error {
	if err := o.checkLive(); err != nil {
		return err
	}
	if err := o.allocated.Resize(numBlocks); err != nil {
		return err
	}
	o.cfg.NumBlocks = numBlocks
	return nil
}

// Allocate reserves the lowest free logical ID and materialises a zeroed
// block for it. The allocation is a full oblivious access.
func (o *ORAM) Allocate() (int, error) {
	if err := o.checkLive(); err != nil {
		return EmptyBlockID, err
	}
	id, ok := o.allocated.NextFree()
	if !ok {
		return EmptyBlockID, ErrOutOfBlocks
	}
	o.ensureRoom()

	leaf := o.randomLeaf()
	path := o.Path(o.randomLeaf())
	if err := o.readPathIntoStash(path); err != nil {
		return EmptyBlockID, fmt.Errorf("%w: %v", ErrPutFailure, err)
	}
	if err := o.stash.add(id, leaf, o.zero); err != nil {
		return EmptyBlockID, fmt.Errorf("%w: %v", ErrPutFailure, err)
	}
	if err := o.posMap.Set(id, leaf); err != nil {
		return EmptyBlockID, fmt.Errorf("%w: %v", ErrPutFailure, err)
	}
	if _, err := o.allocated.Add(id); err != nil {
		return EmptyBlockID, fmt.Errorf("%w: %v", ErrPutFailure, err)
	}
	if err := o.evictAndWrite(path); err != nil {
		return EmptyBlockID, err
	}
	return id, nil
}

// Get obliviously reads the block with the given ID.
func (o *ORAM) Get(blockID int) ([]byte, error) {
	return o.access(blockID, nil)
}

// Put obliviously overwrites the block with the given ID.
func (o *ORAM) Put(blockID int, data []byte) error {
	if len(data) != o.cfg.BlockSize {
		return ErrInvalidDataSize
	}
	_, err := o.access(blockID, func(block []byte) {
		copy(block, data)
	})
	return err
}

// Update obliviously applies fn to the block in place within a single access.
// fn must not retain the slice.
func (o *ORAM) Update(blockID int, fn func(block []byte)) error {
	_, err := o.access(blockID, fn)
	return err
}

// Release drops the tree, stash and position map. Every later call fails.
func (o *ORAM) Release() error {
	if o.released {
		return nil
	}
	o.released = true
	o.stash.reset()
	o.posMap = nil
	return o.storage.Release()
}

func (o *ORAM) checkLive() error {
	if o.released {
		return ErrReleased
	}
	return nil
}

// ensureRoom grows the stash arena so one more path and one new block fit.
// Real blocks never outnumber the logical capacity, so the arena never needs
// more than Capacity entries and an access is never refused for room.
func (o *ORAM) ensureRoom() {
	if n := o.stash.reserve(o.cfg.pathSlots()+1, o.allocated.Cap()+1); n > 0 {
		o.log.Info("stash arena grown", "entries", len(o.stash.blocks), "limit", o.cfg.StashLimit)
	}
}

// randomLeaf returns a cryptographically random leaf index.
func (o *ORAM) randomLeaf() int {
	n, err := rand.Int(o.rand, big.NewInt(int64(o.numLeaves)))
	if err != nil {
		panic("leaf randomness failed: " + err.Error())
	}
	return int(n.Int64())
}

func (o *ORAM) integrity(sentinel *errcode.Error) error {
	// The block ID is deliberately not logged: logs leave the enclave.
	o.log.Error(sentinel, "oblivious store integrity violation", "code", int(sentinel.Code))
	return errcode.Integrity(sentinel)
}

// access performs the core Path ORAM access operation.
// fn, if set, mutates the block in place; the returned slice is a copy of the
// block after fn ran.
func (o *ORAM) access(blockID int, fn func(data []byte)) ([]byte, error) {
	if err := o.checkLive(); err != nil {
		return nil, err
	}
	if !o.allocated.Contains(blockID) {
		return nil, ErrUnallocatedBlock
	}

	// Step 1: Look up leaf position
	leaf, exists := o.posMap.Get(blockID)
	if !exists {
		return nil, o.integrity(ErrPositionMapNotFound)
	}
	o.ensureRoom()

	// Step 2: Read the whole path into stash
	path := o.Path(leaf)
	if err := o.readPathIntoStash(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGetFailure, err)
	}

	// Step 3: Find the requested block in stash
	var idx int
	if o.cfg.ConstantTime {
		idx = o.stash.findConstantTime(blockID)
	} else {
		idx = o.stash.find(blockID)
	}
	if idx < 0 {
		// write the path back so the stash does not hold stale duplicates
		_ = o.evictAndWrite(path)
		return nil, o.integrity(ErrStashNotFound)
	}

	// Step 4: Read, modify, and remap to a fresh leaf
	newLeaf := o.randomLeaf()
	result := make([]byte, o.cfg.BlockSize)
	if o.cfg.ConstantTime {
		o.stash.readConstantTime(idx, result)
		if fn != nil {
			fn(result)
		}
		o.stash.writeConstantTime(idx, result)
		o.stash.setLeafConstantTime(idx, newLeaf)
	} else {
		b := &o.stash.blocks[idx]
		if fn != nil {
			fn(b.data)
		}
		copy(result, b.data)
		b.leaf = newLeaf
	}
	if err := o.posMap.Set(blockID, newLeaf); err != nil {
		_ = o.evictAndWrite(path)
		return nil, o.integrity(ErrPositionMapNotFound)
	}

	// Step 5: Eviction - write the whole path back
	if err := o.evictAndWrite(path); err != nil {
		return result, err
	}
	return result, nil
}

// readPathIntoStash opens every slot on path and moves real blocks into the
// stash. All buckets are read and opened before the stash is touched.
func (o *ORAM) readPathIntoStash(path []int) error {
	opened := make([][]byte, 0, len(path)*o.cfg.BucketSize)
	for _, bucketIdx := range path {
		bucket, err := o.storage.ReadBucket(bucketIdx)
		if err != nil {
			return err
		}
		o.stats.BucketReads++
		for slot := range bucket {
			plaintext, err := o.encrypt.Open(bucketIdx, slot, bucket[slot].Data)
			if err != nil {
				return err
			}
			if len(plaintext) != slotHeaderSize+o.cfg.BlockSize {
				return ErrDecryptionFailed
			}
			opened = append(opened, plaintext)
		}
	}

	for _, p := range opened {
		id, leaf := decodeSlotHeader(p)
		if id == EmptyBlockID {
			continue
		}
		if err := o.stash.add(id, leaf, p[slotHeaderSize:]); err != nil {
			return err
		}
	}
	return nil
}

// evictAndWrite runs eviction along path and writes every slot of the path
// back. A stash left above its bound is counted and logged; the access itself
// has completed and is not failed.
func (o *ORAM) evictAndWrite(path []int) error {
	o.evict(path)
	err := o.writePath(path)
	o.stats.Accesses++
	if err != nil {
		return o.integrity(ErrPutFailure)
	}
	if o.stash.overLimit() {
		o.stats.Overflows++
		o.log.Error(ErrStashOverflow, "stash above configured bound", "stash", o.stash.size, "limit", o.cfg.StashLimit)
	}
	return nil
}

// writePath seals the path buffer, writes it to storage and clears it.
// Empty slots are sealed as dummies, so every slot changes on every access.
func (o *ORAM) writePath(path []int) error {
	sealed := make([][]Block, len(path))
	for level, bucketIdx := range path {
		blocks, err := o.sealBucket(bucketIdx, o.pathBlocks[level])
		if err != nil {
			return err
		}
		sealed[level] = blocks
	}
	for level, bucketIdx := range path {
		if err := o.storage.WriteBucket(bucketIdx, sealed[level]); err != nil {
			return err
		}
		o.stats.BucketWrites++
	}

	for level := range o.pathBlocks {
		for slot := range o.pathBlocks[level] {
			b := &o.pathBlocks[level][slot]
			b.id = EmptyBlockID
			b.leaf = -1
			copy(b.data, o.zero)
		}
	}
	return nil
}

func (o *ORAM) sealBucket(bucketIdx int, blocks []block) ([]Block, error) {
	out := make([]Block, len(blocks))
	plaintext := make([]byte, slotHeaderSize+o.cfg.BlockSize)
	for slot := range blocks {
		encodeSlot(&blocks[slot], plaintext)
		ciphertext, err := o.encrypt.Seal(bucketIdx, slot, plaintext)
		if err != nil {
			return nil, err
		}
		out[slot] = Block{Data: ciphertext}
	}
	return out, nil
}

func encodeSlot(b *block, dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:8], uint64(int64(b.id)))
	binary.LittleEndian.PutUint64(dst[8:16], uint64(int64(b.leaf)))
	copy(dst[slotHeaderSize:], b.data)
}

func decodeSlotHeader(p []byte) (id, leaf int) {
	id = int(int64(binary.LittleEndian.Uint64(p[0:8])))
	leaf = int(int64(binary.LittleEndian.Uint64(p[8:16])))
	return
}

// Path returns bucket indices from leaf to root.
// Leaf index is 0-based among all leaves.
func (o *ORAM) Path(leaf int) []int {
	path := make([]int, o.depth+1)
	// Convert leaf index to bucket index: leaves start at index numLeaves-1
	bucket := o.numLeaves - 1 + leaf
	for i := range path {
		path[i] = bucket
		bucket = (bucket - 1) / 2 // parent
	}
	return path
}

// ancestor returns the bucket index `level` steps above leaf's bucket.
func (o *ORAM) ancestor(leaf, level int) int {
	return ((o.numLeaves + leaf) >> level) - 1
}

// canPlaceAtLevel reports whether a block assigned to leaf may live at
// path[level].
func (o *ORAM) canPlaceAtLevel(leaf int, path []int, level int) bool {
	return o.ancestor(leaf, level) == path[level]
}

