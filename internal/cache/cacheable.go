package cache

import (
	"context"
	"encoding/json"
	"fmt"
)

// Codec serializes results of type R for the payload store.
type Codec[R any] interface {
	Encode(R) ([]byte, error)
	Decode([]byte) (R, error)
}

// JSONCodec encodes results as JSON.
type JSONCodec[R any] struct{}

func (JSONCodec[R]) Encode(v R) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec[R]) Decode(data []byte) (R, error) {
	var v R
	err := json.Unmarshal(data, &v)
	return v, err
}

// Cacheable is a computation that can be memoized: a stable identity, the
// function itself, and a codec for its result. Two Cacheables with the same
// Identity must compute the same thing.
type Cacheable[A, R any] struct {
	Identity string
	Compute  func(ctx context.Context, args A) (R, error)
	Codec    Codec[R]
}

// GetOrCompute runs fn through the cache keyed by fn.Identity and args.
func GetOrCompute[A, R any](ctx context.Context, c *ResultCache, fn Cacheable[A, R], args A) (R, error) {
	var zero R
	codec := fn.Codec
	if codec == nil {
		codec = JSONCodec[R]{}
	}
	data, err := c.Do(ctx, fn.Identity, args, func(ctx context.Context) ([]byte, error) {
		res, err := fn.Compute(ctx, args)
		if err != nil {
			return nil, err
		}
		return codec.Encode(res)
	})
	if err != nil {
		return zero, err
	}
	res, err := codec.Decode(data)
	if err != nil {
		return zero, fmt.Errorf("decode cached %s: %w", fn.Identity, err)
	}
	return res, nil
}
