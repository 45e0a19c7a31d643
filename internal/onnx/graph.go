package onnx

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/23skdu/longbow-nmt/internal/logger"
	"github.com/23skdu/longbow-nmt/internal/tensor"
)

// Options tune session creation
type Options struct {
	// LibraryPath of libonnxruntime; see FindLibrary
	LibraryPath    string
	IntraOpThreads int
}

// IOInfo describes one declared graph input or output
type IOInfo struct {
	Name  string
	DType string
	Dims  []int64
}

func (i IOInfo) String() string {
	dims := make([]string, len(i.Dims))
	for k, d := range i.Dims {
		if d < 0 {
			dims[k] = "?"
		} else {
			dims[k] = fmt.Sprint(d)
		}
	}
	return fmt.Sprintf("%s %s[%s]", i.Name, i.DType, strings.Join(dims, ","))
}

// Graph is an ONNX model loaded into a dynamic ORT session. Run is safe
// for concurrent use.
type Graph struct {
	name    string
	path    string
	session *ort.DynamicAdvancedSession
	inputs  []IOInfo
	outputs []IOInfo

	closeOnce sync.Once
	closeErr  error
}

// Open loads path with every declared input and output bound by name in
// declaration order
func Open(path string, opts Options) (*Graph, error) {
	if err := acquireEnv(opts.LibraryPath); err != nil {
		return nil, err
	}
	g, err := open(path, opts)
	if err != nil {
		_ = releaseEnv()
		return nil, err
	}
	return g, nil
}

func open(path string, opts Options) (*Graph, error) {
	in, out, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", path, err)
	}

	so, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer so.Destroy()
	if err := so.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return nil, fmt.Errorf("optimization level: %w", err)
	}
	if opts.IntraOpThreads > 0 {
		if err := so.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("intra-op threads: %w", err)
		}
	}

	g := &Graph{
		name:    strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		path:    path,
		inputs:  convertInfo(in),
		outputs: convertInfo(out),
	}
	g.session, err = ort.NewDynamicAdvancedSession(path, names(g.inputs), names(g.outputs), so)
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", path, err)
	}
	logger.Log.Info("ONNX graph loaded", "graph", g.name, "inputs", len(g.inputs), "outputs", len(g.outputs))
	return g, nil
}

// Inspect reads a model's declared signature without creating a session
func Inspect(path string, libPath string) (inputs, outputs []IOInfo, err error) {
	if err := acquireEnv(libPath); err != nil {
		return nil, nil, err
	}
	defer func() {
		if rerr := releaseEnv(); err == nil {
			err = rerr
		}
	}()
	in, out, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, nil, fmt.Errorf("inspect %s: %w", path, err)
	}
	return convertInfo(in), convertInfo(out), nil
}

func convertInfo(infos []ort.InputOutputInfo) []IOInfo {
	out := make([]IOInfo, len(infos))
	for i, info := range infos {
		out[i] = IOInfo{
			Name:  info.Name,
			DType: dtypeName(info.DataType),
			Dims:  append([]int64(nil), info.Dimensions...),
		}
	}
	return out
}

func names(infos []IOInfo) []string {
	n := make([]string, len(infos))
	for i, info := range infos {
		n[i] = info.Name
	}
	return n
}

func (g *Graph) Name() string          { return g.name }
func (g *Graph) Path() string          { return g.path }
func (g *Graph) Inputs() []IOInfo      { return g.inputs }
func (g *Graph) Outputs() []IOInfo     { return g.outputs }
func (g *Graph) InputNames() []string  { return names(g.inputs) }
func (g *Graph) OutputNames() []string { return names(g.outputs) }

// Run converts inputs to ORT values, lets ORT allocate every output and
// copies the results back out
func (g *Graph) Run(inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if len(inputs) != len(g.inputs) {
		return nil, fmt.Errorf("%s: %d inputs bound, graph declares %d", g.name, len(inputs), len(g.inputs))
	}
	values := make([]ort.Value, len(inputs))
	defer destroyAll(values)
	for i, t := range inputs {
		v, err := toValue(t)
		if err != nil {
			return nil, fmt.Errorf("%s input %s: %w", g.name, g.inputs[i].Name, err)
		}
		values[i] = v
	}

	outputs := make([]ort.Value, len(g.outputs))
	defer destroyAll(outputs)
	if err := g.session.Run(values, outputs); err != nil {
		return nil, err
	}

	result := make([]*tensor.Tensor, len(outputs))
	for i, v := range outputs {
		t, err := fromValue(v)
		if err != nil {
			return nil, fmt.Errorf("%s output %s: %w", g.name, g.outputs[i].Name, err)
		}
		result[i] = t
	}
	return result, nil
}

// Close destroys the session and drops this graph's environment reference
func (g *Graph) Close() error {
	g.closeOnce.Do(func() {
		var errs []error
		if g.session != nil {
			errs = append(errs, g.session.Destroy())
		}
		errs = append(errs, releaseEnv())
		g.closeErr = errors.Join(errs...)
	})
	return g.closeErr
}

func destroyAll(values []ort.Value) {
	for _, v := range values {
		if v != nil {
			_ = v.Destroy()
		}
	}
}
