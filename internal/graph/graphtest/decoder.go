package graphtest

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/23skdu/longbow-nmt/internal/tensor"
)

var ErrInjected = errors.New("injected graph fault")

// DecoderConfig shapes a toy Decoder
type DecoderConfig struct {
	Scheme  string
	Layers  int
	Heads   int
	HeadDim int
	Hidden  int
	Vocab   int
	EOS     int

	// EOSAfter emits EOS once this many tokens have been generated; <=0 never
	EOSAfter int

	// Script fixes the token emitted at each generated position and emits
	// EOS past its end. Overrides the hashed token choice.
	Script []int

	// EmptyCrossOnContinuation returns zero-length cross-attention tensors
	// in continuation mode, as some exports do
	EmptyCrossOnContinuation bool

	// FailOnCall makes the n-th Run (1-based) fail
	FailOnCall int
}

// Decoder is a deterministic decoder graph honouring the KV cache
// contract. Token choice depends on the full token history, which in
// continuation mode is read back out of the past self-attention keys, and
// on the cross-attention keys. A controller that feeds the wrong cache
// therefore produces different tokens than full-prefix recomputation.
type Decoder struct {
	cfg     DecoderConfig
	inputs  []string
	outputs []string
	calls   atomic.Int64
	closed  atomic.Bool
}

func NewDecoder(cfg DecoderConfig) *Decoder {
	if cfg.Scheme == "" {
		cfg.Scheme = SchemeCanonical
	}
	in, out := DecoderNames(cfg.Scheme, cfg.Layers)
	return &Decoder{cfg: cfg, inputs: in, outputs: out}
}

func (d *Decoder) Name() string          { return "toy-decoder" }
func (d *Decoder) InputNames() []string  { return d.inputs }
func (d *Decoder) OutputNames() []string { return d.outputs }
func (d *Decoder) Calls() int            { return int(d.calls.Load()) }
func (d *Decoder) Closed() bool          { return d.closed.Load() }

func (d *Decoder) Close() error {
	d.closed.Store(true)
	return nil
}

func (d *Decoder) Run(inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	n := d.calls.Add(1)
	if d.closed.Load() {
		return nil, errors.New("decoder graph closed")
	}
	if d.cfg.FailOnCall > 0 && int(n) == d.cfg.FailOnCall {
		return nil, ErrInjected
	}
	if len(inputs) != len(d.inputs) {
		return nil, fmt.Errorf("decoder expects %d inputs, got %d", len(d.inputs), len(inputs))
	}

	mask, ids, hidden := inputs[0], inputs[1], inputs[2]
	flag := inputs[len(inputs)-1]
	if mask.DType != tensor.Int64 || mask.Rank() != 2 || mask.Dim(0) != 1 {
		return nil, fmt.Errorf("encoder_attention_mask must be int64[1,S], got %s", mask)
	}
	srcLen := mask.Dim(1)
	if ids.DType != tensor.Int64 || ids.Rank() != 2 || ids.Dim(0) != 1 || ids.Dim(1) < 1 {
		return nil, fmt.Errorf("input_ids must be int64[1,T>=1], got %s", ids)
	}
	if !hidden.Shape.Equal(tensor.Shape{1, srcLen, int64(d.cfg.Hidden)}) || hidden.DType != tensor.Float32 {
		return nil, fmt.Errorf("encoder_hidden_states must be float32[1,%d,%d], got %s", srcLen, d.cfg.Hidden, hidden)
	}
	if flag.DType != tensor.Bool || !flag.Shape.Equal(tensor.Shape{1}) {
		return nil, fmt.Errorf("mode flag must be bool[1], got %s", flag)
	}
	continuation := flag.B[0]

	pastLen := int64(-1)
	for l := 0; l < d.cfg.Layers; l++ {
		sk, sv, ck, cv := inputs[3+4*l], inputs[4+4*l], inputs[5+4*l], inputs[6+4*l]
		for _, t := range []*tensor.Tensor{sk, sv, ck, cv} {
			if t.DType != tensor.Float32 || t.Rank() != 4 || t.Dim(0) != 1 ||
				t.Dim(1) != int64(d.cfg.Heads) || t.Dim(3) != int64(d.cfg.HeadDim) {
				return nil, fmt.Errorf("layer %d cache tensor must be float32[1,%d,*,%d], got %s", l, d.cfg.Heads, d.cfg.HeadDim, t)
			}
		}
		if sk.Dim(2) != sv.Dim(2) {
			return nil, fmt.Errorf("layer %d self key/value lengths differ: %d vs %d", l, sk.Dim(2), sv.Dim(2))
		}
		if sk.Dim(2) == 0 {
			return nil, fmt.Errorf("layer %d: zero-length self cache is not supported", l)
		}
		if pastLen >= 0 && sk.Dim(2) != pastLen {
			return nil, fmt.Errorf("layer %d self length %d differs from layer 0 (%d)", l, sk.Dim(2), pastLen)
		}
		pastLen = sk.Dim(2)
		if ck.Dim(2) != srcLen || cv.Dim(2) != srcLen {
			return nil, fmt.Errorf("layer %d cross cache length %d/%d != source length %d", l, ck.Dim(2), cv.Dim(2), srcLen)
		}
	}

	stepLen := ids.Dim(1)
	base := int64(0)
	var seq []int64
	var crossSig int64
	if continuation {
		base = pastLen
		seq = d.historyFromCache(inputs[3], pastLen)
		crossSig = d.crossSignal(inputs[5], srcLen)
	} else {
		crossSig = d.hiddenSignal(hidden, srcLen)
	}
	seq = append(seq, ids.I64...)

	vocab := int64(d.cfg.Vocab)
	logits := tensor.Zeros(tensor.Float32, tensor.Shape{1, stepLen, vocab})
	for p := int64(0); p < stepLen; p++ {
		next := d.next(seq[:base+p+1], crossSig)
		logits.F32[p*vocab+int64(next)] = 5
	}

	outputs := []*tensor.Tensor{logits}
	for l := 0; l < d.cfg.Layers; l++ {
		var pastKey, pastVal *tensor.Tensor
		if continuation {
			pastKey, pastVal = inputs[3+4*l], inputs[4+4*l]
		}
		key, val := d.selfCache(l, seq, pastKey, pastVal, base)

		var ck, cv *tensor.Tensor
		switch {
		case continuation && d.cfg.EmptyCrossOnContinuation:
			ck = tensor.Zeros(tensor.Float32, tensor.Shape{1, int64(d.cfg.Heads), 0, int64(d.cfg.HeadDim)})
			cv = tensor.Zeros(tensor.Float32, tensor.Shape{1, int64(d.cfg.Heads), 0, int64(d.cfg.HeadDim)})
		case continuation:
			ck, cv = inputs[5+4*l].Clone(), inputs[6+4*l].Clone()
		default:
			ck, cv = d.crossCache(l, hidden, srcLen)
		}
		outputs = append(outputs, key, val, ck, cv)
	}
	return outputs, nil
}

func (d *Decoder) headStride(length int64) (int64, int64) {
	hd := int64(d.cfg.HeadDim)
	return length * hd, hd
}

// historyFromCache recovers token ids stored at head 0, dim 0 of layer 0
func (d *Decoder) historyFromCache(selfKey *tensor.Tensor, length int64) []int64 {
	_, posStride := d.headStride(length)
	seq := make([]int64, 0, length+1)
	for q := int64(0); q < length; q++ {
		seq = append(seq, int64(selfKey.F32[q*posStride])-1)
	}
	return seq
}

func (d *Decoder) crossSignal(crossKey *tensor.Tensor, srcLen int64) int64 {
	_, posStride := d.headStride(srcLen)
	var sig int64
	for s := int64(0); s < srcLen; s++ {
		sig += int64(crossKey.F32[s*posStride])
	}
	return sig
}

func (d *Decoder) hiddenSignal(hidden *tensor.Tensor, srcLen int64) int64 {
	var sig int64
	for s := int64(0); s < srcLen; s++ {
		sig += int64(hidden.F32[s*int64(d.cfg.Hidden)])
	}
	return sig
}

func (d *Decoder) selfEntry(layer int, head, dim int64, tok int64) float32 {
	return float32((tok+1)*int64(layer+1) + head*100 + dim)
}

// selfCache builds present self key/value of length len(seq), copying the
// first base positions from the past tensors verbatim
func (d *Decoder) selfCache(layer int, seq []int64, pastKey, pastVal *tensor.Tensor, base int64) (*tensor.Tensor, *tensor.Tensor) {
	heads, hd := int64(d.cfg.Heads), int64(d.cfg.HeadDim)
	length := int64(len(seq))
	key := tensor.Zeros(tensor.Float32, tensor.Shape{1, heads, length, hd})
	val := tensor.Zeros(tensor.Float32, tensor.Shape{1, heads, length, hd})
	for h := int64(0); h < heads; h++ {
		for q := int64(0); q < length; q++ {
			for k := int64(0); k < hd; k++ {
				dst := (h*length+q)*hd + k
				if q < base {
					src := (h*base+q)*hd + k
					key.F32[dst] = pastKey.F32[src]
					val.F32[dst] = pastVal.F32[src]
					continue
				}
				e := d.selfEntry(layer, h, k, seq[q])
				key.F32[dst] = e
				val.F32[dst] = -e
			}
		}
	}
	return key, val
}

func (d *Decoder) crossCache(layer int, hidden *tensor.Tensor, srcLen int64) (*tensor.Tensor, *tensor.Tensor) {
	heads, hd, hid := int64(d.cfg.Heads), int64(d.cfg.HeadDim), int64(d.cfg.Hidden)
	key := tensor.Zeros(tensor.Float32, tensor.Shape{1, heads, srcLen, hd})
	val := tensor.Zeros(tensor.Float32, tensor.Shape{1, heads, srcLen, hd})
	for h := int64(0); h < heads; h++ {
		for s := int64(0); s < srcLen; s++ {
			for k := int64(0); k < hd; k++ {
				x := hidden.F32[s*hid+(h*hd+k)%hid]
				key.F32[(h*srcLen+s)*hd+k] = x + float32(layer)
				val.F32[(h*srcLen+s)*hd+k] = x - float32(layer)
			}
		}
	}
	return key, val
}

// next picks the token following prefix (which starts with the start token)
func (d *Decoder) next(prefix []int64, crossSig int64) int {
	generated := len(prefix) - 1
	if d.cfg.Script != nil {
		if generated < len(d.cfg.Script) {
			return d.cfg.Script[generated]
		}
		return d.cfg.EOS
	}
	if d.cfg.EOSAfter > 0 && generated >= d.cfg.EOSAfter {
		return d.cfg.EOS
	}

	acc := crossSig*17 + int64(len(prefix))*101
	for i, t := range prefix {
		acc += (t + 1) * int64(i+1) * 31
	}
	if acc < 0 {
		acc = -acc
	}
	cand := d.wrap(acc)
	// never close an [a, b, a, b] pattern
	if len(prefix) >= 2 && int64(cand) == prefix[len(prefix)-2] {
		cand = d.wrap(int64(cand) - 3 + 1)
	}
	return cand
}

// wrap maps v into [3, Vocab) skipping EOS
func (d *Decoder) wrap(v int64) int {
	span := int64(d.cfg.Vocab - 3)
	c := int(3 + v%span)
	if c == d.cfg.EOS {
		c = int(3 + (int64(c)-3+1)%span)
	}
	return c
}
