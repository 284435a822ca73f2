package models

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	onnxruntime "github.com/yalue/onnxruntime_go"
)

var (
	envMu   sync.Mutex
	envRefs int
)

// sharedLibraryCandidates lists places the ONNX Runtime library is usually found.
func sharedLibraryCandidates() []string {
	if runtime.GOOS == "darwin" {
		return []string{
			"./libonnxruntime.dylib",
			"./build/libonnxruntime.dylib",
			"/opt/homebrew/lib/libonnxruntime.dylib",
			"/usr/local/lib/libonnxruntime.dylib",
		}
	}
	return []string{
		"./libonnxruntime.so",
		"./build/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/libonnxruntime.so",
		"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
	}
}

// resolveSharedLibrary picks the configured path, then the environment, then
// the first candidate that exists. An empty result leaves the library
// default in place.
func resolveSharedLibrary(configured string) string {
	if configured != "" {
		return configured
	}
	if env := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); env != "" {
		return env
	}
	for _, path := range sharedLibraryCandidates() {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// acquireEnvironment initializes ONNX Runtime on first use. Every successful
// call must be paired with releaseEnvironment.
func acquireEnvironment(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs == 0 && !onnxruntime.IsInitialized() {
		if path := resolveSharedLibrary(libraryPath); path != "" {
			onnxruntime.SetSharedLibraryPath(path)
		}
		if err := onnxruntime.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX Runtime environment: %w", err)
		}
	}
	envRefs++
	return nil
}

// releaseEnvironment tears the environment down once the last session is gone.
func releaseEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs == 0 {
		return nil
	}
	envRefs--
	if envRefs == 0 && onnxruntime.IsInitialized() {
		if err := onnxruntime.DestroyEnvironment(); err != nil {
			return fmt.Errorf("failed to destroy environment: %w", err)
		}
	}
	return nil
}
