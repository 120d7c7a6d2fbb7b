package cachestore

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned for operations against a closed store.
var ErrClosed = errors.New("cachestore: store is closed")

// Store is the low-latency key-value store the vote system writes to first.
// The in-memory implementation is used for single-instance deployments and
// for tests; a networked implementation can replace it without touching the
// services built on top.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores a value. A ttl of zero means no expiration.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)

	LPush(ctx context.Context, key string, values ...string) error
	// LRange returns list elements in push order reversed, i.e. index 0 is
	// the most recently pushed value. Stop of -1 means the end of the list.
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)

	// Apply executes every mutation in the batch atomically: no reader
	// observes a partially applied batch.
	Apply(ctx context.Context, batch *Batch) error

	Close() error
}

type batchOpKind int

const (
	opSet batchOpKind = iota
	opDelete
	opSAdd
	opSRem
	opLPush
)

type batchOp struct {
	kind    batchOpKind
	key     string
	value   string
	ttl     time.Duration
	members []string
}

// Batch accumulates mutations for atomic application.
type Batch struct {
	ops []batchOp
}

func NewBatch() *Batch {
	return &Batch{}
}

func (b *Batch) Set(key, value string, ttl time.Duration) *Batch {
	b.ops = append(b.ops, batchOp{kind: opSet, key: key, value: value, ttl: ttl})
	return b
}

func (b *Batch) Delete(keys ...string) *Batch {
	for _, key := range keys {
		b.ops = append(b.ops, batchOp{kind: opDelete, key: key})
	}
	return b
}

func (b *Batch) SAdd(key string, members ...string) *Batch {
	b.ops = append(b.ops, batchOp{kind: opSAdd, key: key, members: members})
	return b
}

func (b *Batch) SRem(key string, members ...string) *Batch {
	b.ops = append(b.ops, batchOp{kind: opSRem, key: key, members: members})
	return b
}

func (b *Batch) LPush(key string, values ...string) *Batch {
	b.ops = append(b.ops, batchOp{kind: opLPush, key: key, members: values})
	return b
}

// Len reports the number of queued mutations.
func (b *Batch) Len() int {
	return len(b.ops)
}
