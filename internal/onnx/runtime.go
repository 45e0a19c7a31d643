package onnx

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/23skdu/longbow-nmt/internal/logger"
)

// Library search order when no path is configured
var libraryCandidates = []string{
	"/usr/local/lib/libonnxruntime.so",
	"/usr/lib/libonnxruntime.so",
	"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
	"/opt/homebrew/lib/libonnxruntime.dylib",
	"/usr/local/lib/libonnxruntime.dylib",
}

var (
	envMu   sync.Mutex
	envRefs int
)

// FindLibrary returns path if set, then $ONNXRUNTIME_LIB, then the first
// existing well-known location
func FindLibrary(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("ONNXRUNTIME_LIB"); env != "" {
		return env
	}
	for _, c := range libraryCandidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// acquireEnv initializes the process-wide ORT environment on first use.
// Each successful call must be paired with releaseEnv.
func acquireEnv(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 && !ort.IsInitialized() {
		lib := FindLibrary(libPath)
		if lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("onnxruntime init (library %q): %w", lib, err)
		}
		logger.Log.Info("ONNX Runtime initialized", "library", lib, "version", ort.GetVersion())
	}
	envRefs++
	return nil
}

func releaseEnv() error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		return nil
	}
	envRefs--
	if envRefs > 0 || !ort.IsInitialized() {
		return nil
	}
	logger.Log.Debug("ONNX Runtime environment destroyed")
	return ort.DestroyEnvironment()
}
