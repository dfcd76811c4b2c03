// Package engine is the procedural surface of the oblivious store: it creates
// and destroys shards and forwards already-decrypted requests to them.
//
// Routing requests to the right shard and re-encrypting results are the
// caller's job.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/etclab/oblivstore/config"
	"github.com/etclab/oblivstore/errcode"
	"github.com/etclab/oblivstore/internal/hashing"
	"github.com/etclab/oblivstore/internal/logging"
	"github.com/etclab/oblivstore/shard"
)

var (
	ErrUnknownShard = errcode.ErrUnknownShard
	ErrNotFound     = errcode.ErrNotFound
)

// ShardRef identifies a shard within one Engine.
type ShardRef uint64

func (r ShardRef) String() string {
	return fmt.Sprintf("shard-%d", uint64(r))
}

// ShardInfo describes a registered shard.
type ShardInfo struct {
	Ref   ShardRef
	Name  string
	Range shard.KeyRange
	State shard.State
}

// HasherFunc returns the placement hasher for a new shard.
type HasherFunc func(shardName string) (hashing.Hasher, error)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the operator logger.
func WithLogger(log logr.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithHasher sets how shards get their placement hasher.
func WithHasher(f HasherFunc) Option {
	return func(e *Engine) { e.hasher = f }
}

// WithOpaqueErrors collapses every failure other than a miss into
// errcode.ErrFailed before it leaves the engine.
func WithOpaqueErrors() Option {
	return func(e *Engine) { e.opaque = true }
}

// Engine is a registry of shards.
type Engine struct {
	tmpl   shard.Config
	log    logr.Logger
	hasher HasherFunc
	opaque bool

	createMu sync.Mutex // serialises shard creation
	mu       sync.RWMutex
	shards   map[ShardRef]*shard.Shard
	next     ShardRef
}

// New returns an engine creating shards from tmpl. Range, Name and table
// capacity and load factor are set per shard.
func New(tmpl shard.Config, opts ...Option) *Engine {
	e := &Engine{
		tmpl:   tmpl,
		log:    logr.Discard(),
		shards: make(map[ShardRef]*shard.Shard),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewFromConfig builds an engine and the shards listed in cfg. On error every
// shard created so far is destroyed.
func NewFromConfig(cfg *config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ranges, err := cfg.Ranges()
	if err != nil {
		return nil, err
	}

	base := []Option{
		WithLogger(logging.GetLogger(cfg.LogVerbosity)),
		WithHasher(cfg.NewHasher),
	}
	if cfg.OpaqueErrors {
		base = append(base, WithOpaqueErrors())
	}
	e := New(cfg.ShardTemplate(), append(base, opts...)...)

	for i, s := range cfg.Shards {
		if _, err := e.createShard(s.Name, ranges[i], s.Capacity, s.LoadFactor); err != nil {
			return nil, multierr.Append(err, e.Close())
		}
	}
	return e, nil
}

// CreateShard creates a running shard for keys in r.
func (e *Engine) CreateShard(r shard.KeyRange, capacity int, loadFactor float64) (ShardRef, error) {
	return e.createShard("", r, capacity, loadFactor)
}

func (e *Engine) createShard(name string, r shard.KeyRange, capacity int, loadFactor float64) (ShardRef, error) {
	e.createMu.Lock()
	defer e.createMu.Unlock()

	e.mu.RLock()
	for ref, s := range e.shards {
		if s.Range().Overlaps(r) {
			e.mu.RUnlock()
			return 0, errcode.Wrapf(errcode.ErrInvalidConfig, "range %s overlaps %s", r, ref)
		}
	}
	ref := e.next
	e.mu.RUnlock()

	if name == "" {
		name = ref.String()
	}

	cfg := e.tmpl
	cfg.Name = name
	cfg.Range = r
	cfg.Table.Capacity = capacity
	cfg.Table.LoadFactor = loadFactor
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = e.log
	}
	if len(e.tmpl.SealingSeed) > 0 {
		cfg.SealingSeed = append(append([]byte(nil), e.tmpl.SealingSeed...), name...)
	}
	if cfg.Table.Hasher == nil && e.hasher != nil {
		h, err := e.hasher(name)
		if err != nil {
			return 0, err
		}
		cfg.Table.Hasher = h
	}

	s, err := shard.Create(cfg)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	e.shards[ref] = s
	e.next++
	e.mu.Unlock()

	e.log.V(1).Info("shard registered", "ref", ref.String(), "name", name)
	return ref, nil
}

func (e *Engine) shard(ref ShardRef) (*shard.Shard, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.shards[ref]
	if !ok {
		return nil, ErrUnknownShard
	}
	return s, nil
}

// surface prepares err for the caller. In opaque mode every failure has the
// same value; a miss is an answer, not a failure, and passes through.
func (e *Engine) surface(err error) error {
	if err == nil || !e.opaque || errors.Is(err, ErrNotFound) {
		return err
	}
	return errcode.Opaque(err)
}

// Get returns the value stored under key in the shard ref.
func (e *Engine) Get(ctx context.Context, ref ShardRef, key []byte) ([]byte, error) {
	s, err := e.shard(ref)
	if err != nil {
		return nil, e.surface(err)
	}
	value, err := s.Get(ctx, key)
	return value, e.surface(err)
}

// Put stores value under key in the shard ref.
func (e *Engine) Put(ctx context.Context, ref ShardRef, key, value []byte) error {
	s, err := e.shard(ref)
	if err != nil {
		return e.surface(err)
	}
	return e.surface(s.Put(ctx, key, value))
}

// Stats returns statistics for the shard ref.
func (e *Engine) Stats(ctx context.Context, ref ShardRef) (shard.Stats, error) {
	s, err := e.shard(ref)
	if err != nil {
		return shard.Stats{}, err
	}
	return s.Stats(ctx)
}

// Lookup returns the shard whose range contains key.
func (e *Engine) Lookup(key []byte) (ShardRef, bool) {
	h := shard.KeyHash(key)
	e.mu.RLock()
	defer e.mu.RUnlock()
	for ref, s := range e.shards {
		if s.Range().ContainsHash(h) {
			return ref, true
		}
	}
	return 0, false
}

// Shards lists the registered shards ordered by ref.
func (e *Engine) Shards() []ShardInfo {
	e.mu.RLock()
	infos := make([]ShardInfo, 0, len(e.shards))
	for ref, s := range e.shards {
		infos = append(infos, ShardInfo{Ref: ref, Name: s.Name(), Range: s.Range(), State: s.State()})
	}
	e.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Ref < infos[j].Ref })
	return infos
}

// DestroyShard drains and destroys the shard ref and forgets it.
func (e *Engine) DestroyShard(ref ShardRef) error {
	s, err := e.shard(ref)
	if err != nil {
		return err
	}
	if err := s.Destroy(); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.shards, ref)
	e.mu.Unlock()
	return nil
}

// Close destroys every shard.
func (e *Engine) Close() error {
	var err error
	for _, info := range e.Shards() {
		err = multierr.Append(err, e.DestroyShard(info.Ref))
	}
	return err
}
