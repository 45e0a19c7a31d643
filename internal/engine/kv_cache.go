package engine

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/23skdu/longbow-nmt/internal/config"
	"github.com/23skdu/longbow-nmt/internal/tensor"
)

var cacheSlotNames = [4]string{"self.key", "self.value", "cross.key", "cross.value"}

// LayerCache holds the attention state of one decoder layer.
// Self tensors are [1, heads, dec_len, head_dim] and grow one position per
// step; cross tensors are [1, heads, src_len, head_dim] and never grow.
type LayerCache struct {
	SelfKey    *tensor.Tensor
	SelfValue  *tensor.Tensor
	CrossKey   *tensor.Tensor
	CrossValue *tensor.Tensor
}

// DecoderCache is one LayerCache per decoder layer. The layer count is
// fixed for the cache lifetime and the cache is replaced, never merged,
// after each step.
type DecoderCache struct {
	Layers []LayerCache
}

// NewInitialCache builds the first-step placeholder cache: self tensors at
// length 1, cross tensors at srcLen, all zero
func NewInitialCache(cfg config.Config, srcLen int64) *DecoderCache {
	heads, hd := int64(cfg.Heads), int64(cfg.HeadDim)
	c := &DecoderCache{Layers: make([]LayerCache, cfg.Layers)}
	for i := range c.Layers {
		c.Layers[i] = LayerCache{
			SelfKey:    tensor.Zeros(tensor.Float32, tensor.Shape{1, heads, 1, hd}),
			SelfValue:  tensor.Zeros(tensor.Float32, tensor.Shape{1, heads, 1, hd}),
			CrossKey:   tensor.Zeros(tensor.Float32, tensor.Shape{1, heads, srcLen, hd}),
			CrossValue: tensor.Zeros(tensor.Float32, tensor.Shape{1, heads, srcLen, hd}),
		}
	}
	return c
}

func (c *DecoderCache) NumLayers() int { return len(c.Layers) }

// SelfLen is the self-attention length of layer 0
func (c *DecoderCache) SelfLen() int64 {
	if len(c.Layers) == 0 {
		return 0
	}
	return c.Layers[0].SelfKey.Dim(2)
}

// CrossLen is the cross-attention length of layer 0
func (c *DecoderCache) CrossLen() int64 {
	if len(c.Layers) == 0 {
		return 0
	}
	return c.Layers[0].CrossKey.Dim(2)
}

// Validate checks the layer count and every tensor shape against cfg and
// the source length. All layers must agree on the self length.
func (c *DecoderCache) Validate(cfg config.Config, srcLen int64) error {
	if len(c.Layers) != cfg.Layers {
		return fmt.Errorf("%w: %d layers, want %d", ErrCacheShape, len(c.Layers), cfg.Layers)
	}
	heads, hd := int64(cfg.Heads), int64(cfg.HeadDim)
	selfLen := c.SelfLen()
	for i, l := range c.Layers {
		for j, t := range []*tensor.Tensor{l.SelfKey, l.SelfValue, l.CrossKey, l.CrossValue} {
			name := cacheSlotNames[j]
			if t == nil {
				return fmt.Errorf("%w: layer %d %s missing", ErrCacheShape, i, name)
			}
			if t.DType != tensor.Float32 || t.Rank() != 4 || t.Dim(0) != 1 || t.Dim(1) != heads || t.Dim(3) != hd {
				return fmt.Errorf("%w: layer %d %s is %s, want float32[1,%d,*,%d]", ErrCacheShape, i, name, t, heads, hd)
			}
		}
		if l.SelfKey.Dim(2) != l.SelfValue.Dim(2) {
			return fmt.Errorf("%w: layer %d self key length %d != value length %d",
				ErrCacheShape, i, l.SelfKey.Dim(2), l.SelfValue.Dim(2))
		}
		if l.SelfKey.Dim(2) != selfLen {
			return fmt.Errorf("%w: layer %d self length %d != layer 0 length %d", ErrCacheShape, i, l.SelfKey.Dim(2), selfLen)
		}
		if l.SelfKey.Dim(2) < 1 {
			return fmt.Errorf("%w: layer %d self length is zero", ErrCacheShape, i)
		}
		if l.CrossKey.Dim(2) != srcLen || l.CrossValue.Dim(2) != srcLen {
			return fmt.Errorf("%w: layer %d cross length %d/%d != source length %d",
				ErrCacheShape, i, l.CrossKey.Dim(2), l.CrossValue.Dim(2), srcLen)
		}
	}
	return nil
}

// Flatten returns the 4*layers tensors in graph binding order
func (c *DecoderCache) Flatten() []*tensor.Tensor {
	out := make([]*tensor.Tensor, 0, 4*len(c.Layers))
	for _, l := range c.Layers {
		out = append(out, l.SelfKey, l.SelfValue, l.CrossKey, l.CrossValue)
	}
	return out
}

// CacheFromFlat is the inverse of Flatten
func CacheFromFlat(ts []*tensor.Tensor) (*DecoderCache, error) {
	if len(ts)%4 != 0 {
		return nil, fmt.Errorf("%w: %d cache tensors is not a multiple of 4", ErrCacheShape, len(ts))
	}
	c := &DecoderCache{Layers: make([]LayerCache, len(ts)/4)}
	for i := range c.Layers {
		c.Layers[i] = LayerCache{
			SelfKey:    ts[4*i],
			SelfValue:  ts[4*i+1],
			CrossKey:   ts[4*i+2],
			CrossValue: ts[4*i+3],
		}
	}
	return c, nil
}

// SizeBytes is the payload size of every tensor in the cache
func (c *DecoderCache) SizeBytes() int64 {
	var n int64
	for _, t := range c.Flatten() {
		if t != nil {
			n += t.SizeBytes()
		}
	}
	return n
}

// Fingerprint hashes shapes and contents, for comparing caches across runs
func (c *DecoderCache) Fingerprint() uint64 {
	h := xxhash.New()
	var buf [8]byte
	for _, t := range c.Flatten() {
		if t == nil {
			binary.LittleEndian.PutUint64(buf[:], math.MaxUint64)
			_, _ = h.Write(buf[:])
			continue
		}
		for _, d := range t.Shape {
			binary.LittleEndian.PutUint64(buf[:], uint64(d))
			_, _ = h.Write(buf[:])
		}
		for _, v := range t.F32 {
			binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(v))
			_, _ = h.Write(buf[:4])
		}
	}
	return h.Sum64()
}
