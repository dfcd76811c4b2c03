// Package shard composes one ORAM and one oblivious hash table over a key
// range and gives them a lifecycle.
//
// All accesses to a shard run one at a time under an exclusive lock, so two
// oblivious accesses never interleave on the same storage. Distinct shards
// share nothing and run concurrently.
package shard

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"github.com/etclab/oblivstore/errcode"
	"github.com/etclab/oblivstore/ohtable"
	"github.com/etclab/oblivstore/oram"
)

var (
	ErrDestroying    = errcode.ErrDestroying
	ErrDestroyed     = errcode.ErrDestroyed
	ErrKeyOutOfRange = errcode.ErrKeyOutOfRange
	ErrLockFailed    = errcode.ErrLockFailed
)

// State is a shard lifecycle state. Transitions only move forward.
type State int32

const (
	Running State = iota
	Destroying
	Destroyed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Destroying:
		return "destroying"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Config holds shard parameters.
type Config struct {
	Name        string         // Used in logs only
	Range       KeyRange       // Keys this shard accepts
	ORAM        oram.Config    // NumBlocks and BlockSize are derived from Table
	Table       ohtable.Config // Table geometry
	Encrypt     bool           // Seal ORAM slots with AES-GCM
	SealingSeed []byte         // Derives the sealing key; random when empty
	LockTimeout time.Duration  // Upper bound on lock acquisition; 0 waits for ctx
	Logger      logr.Logger
}

// Validate checks the configuration for errors and applies defaults.
// Returns a copy of the config with defaults applied.
func (c Config) Validate() (Config, error) {
	if err := c.Range.Validate(); err != nil {
		return c, err
	}
	if c.LockTimeout < 0 {
		return c, errcode.Wrapf(errcode.ErrInvalidConfig, "negative lock timeout %s", c.LockTimeout)
	}
	table, err := c.Table.Validate()
	if err != nil {
		return c, err
	}
	c.Table = table
	c.ORAM.NumBlocks = table.Capacity
	c.ORAM.BlockSize = table.BlockSize()
	if c.ORAM, err = c.ORAM.Validate(); err != nil {
		return c, err
	}
	if c.Logger.GetSink() == nil {
		c.Logger = logr.Discard()
	}
	return c, nil
}

// Stats describes a shard.
type Stats struct {
	Name         string
	State        State
	Range        KeyRange
	Table        ohtable.Stats
	ORAM         oram.AccessStats
	TreeDepth    int
	StashSize    int
	MaxStashSize int
	StashLimit   int
	StorageBytes int
}

// Shard owns one ORAM and one hash table.
type Shard struct {
	cfg Config
	log logr.Logger

	lock     *semaphore.Weighted
	gate     sync.RWMutex
	inflight sync.WaitGroup
	active   atomic.Int64
	state    atomic.Int32

	oram  *oram.ORAM
	table *ohtable.Table
}

// Create builds a running shard.
func Create(cfg Config) (*Shard, error) {
	cfg, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	log := cfg.Logger.WithValues("shard", cfg.Name)

	var enc oram.Encryptor = oram.NoOpEncryptor{}
	if cfg.Encrypt {
		if len(cfg.SealingSeed) > 0 {
			enc, err = oram.NewAESGCMEncryptorFromSeed(cfg.SealingSeed)
		} else {
			enc, err = oram.NewRandomAESGCMEncryptor()
		}
		if err != nil {
			return nil, err
		}
	}

	o, err := oram.NewInMemoryWithEncryptor(cfg.ORAM, enc, oram.WithLogger(log.WithName("oram")))
	if err != nil {
		return nil, err
	}
	table, err := ohtable.New(o, cfg.Table)
	if err != nil {
		return nil, multierr.Append(err, o.Release())
	}

	s := &Shard{
		cfg:   cfg,
		log:   log,
		lock:  semaphore.NewWeighted(1),
		oram:  o,
		table: table,
	}
	s.state.Store(int32(Running))

	log.Info("shard created",
		"range", cfg.Range.String(),
		"capacity", table.Capacity(),
		"maxOccupancy", table.MaxOccupancy(),
		"maxProbe", table.MaxProbe(),
		"treeDepth", o.Depth(),
		"encrypted", cfg.Encrypt)
	return s, nil
}

// State returns the lifecycle state.
func (s *Shard) State() State {
	return State(s.state.Load())
}

// Range returns the keys this shard accepts.
func (s *Shard) Range() KeyRange {
	return s.cfg.Range
}

// Name returns the shard's log name.
func (s *Shard) Name() string {
	return s.cfg.Name
}

// KeySize returns the exact key length the shard accepts.
func (s *Shard) KeySize() int {
	return s.cfg.Table.KeySize
}

// MaxRecordSize returns the largest value the shard accepts.
func (s *Shard) MaxRecordSize() int {
	return s.cfg.Table.MaxRecordSize
}

// admit registers an in-flight call unless the shard is shutting down.
func (s *Shard) admit() error {
	s.gate.RLock()
	defer s.gate.RUnlock()
	switch s.State() {
	case Destroying:
		return ErrDestroying
	case Destroyed:
		return ErrDestroyed
	}
	s.inflight.Add(1)
	s.active.Add(1)
	return nil
}

func (s *Shard) done() {
	s.active.Add(-1)
	s.inflight.Done()
}

// acquire takes the exclusive lock. Once it returns nil the caller's access
// runs to completion.
func (s *Shard) acquire(ctx context.Context) error {
	if s.cfg.LockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.LockTimeout)
		defer cancel()
	}
	if err := s.lock.Acquire(ctx, 1); err != nil {
		return errcode.Wrapf(ErrLockFailed, "%v", err)
	}
	return nil
}

// report sends failures the operator must see to the log. Keys, values and
// slot positions are never logged.
func (s *Shard) report(op string, err error) {
	switch {
	case err == nil:
	case errcode.IsFatal(err):
		s.log.Error(err, "oblivious store integrity violation", "op", op, "code", int(errcode.CodeOf(err)))
	}
}

// Get returns the value stored for key.
func (s *Shard) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := s.admit(); err != nil {
		return nil, err
	}
	defer s.done()

	if !s.cfg.Range.Contains(key) {
		return nil, ErrKeyOutOfRange
	}
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.lock.Release(1)

	value, err := s.table.Get(key)
	s.report("get", err)
	return value, err
}

// Put stores value under key, replacing any previous value.
func (s *Shard) Put(ctx context.Context, key, value []byte) error {
	if err := s.admit(); err != nil {
		return err
	}
	defer s.done()

	if !s.cfg.Range.Contains(key) {
		return ErrKeyOutOfRange
	}
	if len(value) > s.cfg.Table.MaxRecordSize {
		return ohtable.ErrRecordSize
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.lock.Release(1)

	err := s.table.Put(key, value)
	s.report("put", err)
	return err
}

// Stats returns table and ORAM statistics.
func (s *Shard) Stats(ctx context.Context) (Stats, error) {
	if err := s.admit(); err != nil {
		return Stats{}, err
	}
	defer s.done()

	if err := s.acquire(ctx); err != nil {
		return Stats{}, err
	}
	defer s.lock.Release(1)

	return Stats{
		Name:         s.cfg.Name,
		State:        s.State(),
		Range:        s.cfg.Range,
		Table:        s.table.Stats(),
		ORAM:         s.oram.Stats(),
		TreeDepth:    s.oram.Depth(),
		StashSize:    s.oram.StashSize(),
		MaxStashSize: s.oram.MaxStashSize(),
		StashLimit:   s.oram.StashLimit(),
		StorageBytes: s.oram.StorageBytes(),
	}, nil
}

// Destroy stops admitting calls, waits for in-flight calls to finish and
// releases the shard's storage. It returns ErrDestroying while another
// Destroy is draining, and nil once the shard is destroyed.
func (s *Shard) Destroy() error {
	s.gate.Lock()
	switch s.State() {
	case Destroying:
		s.gate.Unlock()
		return ErrDestroying
	case Destroyed:
		s.gate.Unlock()
		return nil
	}
	s.state.Store(int32(Destroying))
	s.gate.Unlock()

	s.log.Info("shard destroying", "inFlight", s.active.Load())
	s.inflight.Wait()

	err := s.oram.Release()
	s.state.Store(int32(Destroyed))
	if err != nil {
		s.log.Error(err, "release shard storage")
	}
	s.log.Info("shard destroyed")
	return err
}
