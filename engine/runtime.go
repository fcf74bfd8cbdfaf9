package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"FaceDetServer/logger"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// LibraryEnv overrides the shared library search.
const LibraryEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

var (
	envMu   sync.Mutex
	envRefs int
)

func libraryName() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	}
	return "libonnxruntime.so"
}

// FindSharedLibrary resolves the onnxruntime shared library. An explicit path
// wins, then LibraryEnv, then the executable directory and the working
// directory (each also with its src/ and lib/ children).
func FindSharedLibrary(preferred string) (string, error) {
	var tried []string
	check := func(p string) bool {
		tried = append(tried, p)
		st, err := os.Stat(p)
		return err == nil && !st.IsDir()
	}
	for _, p := range []string{preferred, os.Getenv(LibraryEnv)} {
		if p != "" && check(p) {
			return p, nil
		}
	}

	var dirs []string
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	if cwd, err := os.Getwd(); err == nil {
		dirs = append(dirs, cwd)
	}
	name := libraryName()
	for _, dir := range dirs {
		for _, sub := range []string{"", "src", "lib"} {
			if p := filepath.Join(dir, sub, name); check(p) {
				return p, nil
			}
		}
	}
	return "", fmt.Errorf("%s not found, tried: %s", name, strings.Join(tried, ", "))
}

// acquireEnvironment initializes onnxruntime on first use. Every successful
// call must be paired with releaseEnvironment.
func acquireEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 && !ort.IsInitialized() {
		path, err := FindSharedLibrary(libPath)
		if err != nil {
			return err
		}
		ort.SetSharedLibraryPath(path)
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("initialize onnxruntime: %w", err)
		}
		logger.Named("engine").Info("onnxruntime initialized",
			zap.String("library", path),
			zap.String("version", ort.GetVersion()))
	}
	envRefs++
	return nil
}

func releaseEnvironment() {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		return
	}
	envRefs--
	if envRefs == 0 {
		if err := ort.DestroyEnvironment(); err != nil {
			logger.Named("engine").Warn("destroy onnxruntime environment", zap.Error(err))
		}
	}
}
