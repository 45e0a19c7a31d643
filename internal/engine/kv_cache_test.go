package engine

import (
	"errors"
	"testing"

	"github.com/23skdu/longbow-nmt/internal/tensor"
)

func TestNewInitialCache(t *testing.T) {
	cfg := testConfig(6, 8, 64)
	c := NewInitialCache(cfg, 3)

	if c.NumLayers() != 6 {
		t.Fatalf("expected 6 layers, got %d", c.NumLayers())
	}
	if c.SelfLen() != 1 || c.CrossLen() != 3 {
		t.Errorf("lengths self=%d cross=%d, want 1/3", c.SelfLen(), c.CrossLen())
	}
	for i, l := range c.Layers {
		if !l.SelfKey.Shape.Equal(tensor.Shape{1, 8, 1, 64}) || !l.CrossValue.Shape.Equal(tensor.Shape{1, 8, 3, 64}) {
			t.Errorf("layer %d shapes self=%s cross=%s", i, l.SelfKey.Shape, l.CrossValue.Shape)
		}
		for _, x := range []*tensor.Tensor{l.SelfKey, l.SelfValue, l.CrossKey, l.CrossValue} {
			if !x.IsZero() {
				t.Errorf("layer %d: placeholder tensor %s is not zero-filled", i, x)
			}
		}
	}
	if err := c.Validate(cfg, 3); err != nil {
		t.Errorf("initial cache should validate: %v", err)
	}
	// 4 tensors per layer; 2 of length 1 and 2 of length 3, float32
	want := int64(6 * (2*8*1*64 + 2*8*3*64) * 4)
	if c.SizeBytes() != want {
		t.Errorf("SizeBytes %d, want %d", c.SizeBytes(), want)
	}
}

func TestDecoderCacheValidate(t *testing.T) {
	cfg := testConfig(2, 2, 4)

	tests := []struct {
		name   string
		mutate func(c *DecoderCache)
		srcLen int64
	}{
		{"self key/value length differ", func(c *DecoderCache) {
			c.Layers[0].SelfValue = tensor.Zeros(tensor.Float32, tensor.Shape{1, 2, 2, 4})
		}, 5},
		{"layers disagree on self length", func(c *DecoderCache) {
			c.Layers[1].SelfKey = tensor.Zeros(tensor.Float32, tensor.Shape{1, 2, 2, 4})
			c.Layers[1].SelfValue = tensor.Zeros(tensor.Float32, tensor.Shape{1, 2, 2, 4})
		}, 5},
		{"zero length self", func(c *DecoderCache) {
			for i := range c.Layers {
				c.Layers[i].SelfKey = tensor.Zeros(tensor.Float32, tensor.Shape{1, 2, 0, 4})
				c.Layers[i].SelfValue = tensor.Zeros(tensor.Float32, tensor.Shape{1, 2, 0, 4})
			}
		}, 5},
		{"cross length mismatch", func(c *DecoderCache) {}, 4},
		{"wrong dtype", func(c *DecoderCache) {
			c.Layers[0].CrossKey = tensor.Zeros(tensor.Int64, tensor.Shape{1, 2, 5, 4})
		}, 5},
		{"wrong head dim", func(c *DecoderCache) {
			c.Layers[1].CrossValue = tensor.Zeros(tensor.Float32, tensor.Shape{1, 2, 5, 8})
		}, 5},
		{"rank 3", func(c *DecoderCache) {
			c.Layers[0].SelfKey = tensor.Zeros(tensor.Float32, tensor.Shape{2, 1, 4})
		}, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewInitialCache(cfg, 5)
			tt.mutate(c)
			if err := c.Validate(cfg, tt.srcLen); !errors.Is(err, ErrCacheShape) {
				t.Errorf("expected ErrCacheShape, got %v", err)
			}
		})
	}
}

func TestFlattenRoundTrip(t *testing.T) {
	cfg := testConfig(3, 2, 4)
	c := NewInitialCache(cfg, 2)
	c.Layers[2].CrossKey.F32[5] = 1.5

	flat := c.Flatten()
	if len(flat) != 12 {
		t.Fatalf("expected 12 tensors, got %d", len(flat))
	}
	if flat[10] != c.Layers[2].CrossKey {
		t.Error("flatten order must be self.key, self.value, cross.key, cross.value per layer")
	}
	back, err := CacheFromFlat(flat)
	if err != nil {
		t.Fatal(err)
	}
	if back.Fingerprint() != c.Fingerprint() {
		t.Error("fingerprint changed across flatten")
	}

	if _, err := CacheFromFlat(flat[:7]); !errors.Is(err, ErrCacheShape) {
		t.Errorf("expected ErrCacheShape for 7 tensors, got %v", err)
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	cfg := testConfig(1, 1, 2)
	a, b := NewInitialCache(cfg, 2), NewInitialCache(cfg, 2)
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical caches must share a fingerprint")
	}
	b.Layers[0].SelfValue.F32[1] = 0.25
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("value change not reflected in fingerprint")
	}
	if NewInitialCache(cfg, 3).Fingerprint() == a.Fingerprint() {
		t.Error("shape change not reflected in fingerprint")
	}
}
