package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/23skdu/longbow-nmt/internal/config"
	"github.com/23skdu/longbow-nmt/internal/engine"
	"github.com/23skdu/longbow-nmt/internal/onnx"
)

func main() {
	modelDir := flag.String("model", "", "Exported model directory")
	ortLib := flag.String("ort", "", "Path to libonnxruntime (defaults to $ONNXRUNTIME_LIB)")
	flag.Parse()

	if *modelDir == "" {
		fmt.Fprintln(os.Stderr, "Error: -model is required")
		flag.Usage()
		os.Exit(1)
	}

	cfg, files, err := config.LoadModelDir(*modelDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load model dir: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Model: %s  layers=%d heads=%d head_dim=%d hidden=%d vocab=%d\n",
		cfg.ModelType, cfg.Layers, cfg.Heads, cfg.HeadDim, cfg.Hidden, cfg.VocabSize)
	fmt.Printf("Tokens: start=%d eos=%d pad=%d  max_positions=%d\n",
		cfg.DecoderStartTokenID, cfg.EOSTokenID, cfg.PadTokenID, cfg.MaxPositions)

	ins, outs, err := onnx.Inspect(files.Encoder, *ortLib)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to inspect encoder: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\n=== Encoder %s ===\n", files.Encoder)
	printIO(ins, outs)

	dec, err := onnx.Open(files.Decoder, onnx.Options{LibraryPath: *ortLib})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open decoder: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\n=== Decoder %s ===\n", files.Decoder)
	printIO(dec.Inputs(), dec.Outputs())

	fmt.Printf("\nExpected %d inputs, %d outputs for %d layers\n",
		cfg.NumDecoderInputs(), cfg.NumDecoderOutputs(), cfg.Layers)
	layout, err := engine.ResolveLayout(dec, cfg.Layers)
	dec.Close()
	if err != nil {
		fmt.Printf("Layout: INCOMPATIBLE: %v\n", err)
		os.Exit(2)
	}
	fmt.Printf("Layout: %s naming, flag input %q\n", layout.Scheme, layout.FlagName())
}

func printIO(ins, outs []onnx.IOInfo) {
	for i, in := range ins {
		fmt.Printf("  in  %3d  %s\n", i, in)
	}
	for i, out := range outs {
		fmt.Printf("  out %3d  %s\n", i, out)
	}
}
