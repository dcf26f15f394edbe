package onnxexec

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// resolveORTLibPath locates the ONNX Runtime shared library.
//
// Search order:
//  1. ASR_ORT_LIB_PATH environment variable (explicit override)
//  2. lib/<goos>-<goarch>/<filename> relative to the executable
//  3. ../lib/<goos>-<goarch>/<filename> relative to the executable
//  4. the same two, relative to CWD, only when ASR_DEV_MODE=1
//
// CWD-based lookup is disabled by default to avoid shared-library hijacking
// via a malicious library planted in the working directory.
func resolveORTLibPath() (string, error) {
	if envPath := os.Getenv("ASR_ORT_LIB_PATH"); envPath != "" {
		info, err := os.Stat(envPath)
		if err != nil {
			return "", fmt.Errorf("onnxexec: ASR_ORT_LIB_PATH=%q does not exist", envPath)
		}
		if info.IsDir() {
			return "", fmt.Errorf("onnxexec: ASR_ORT_LIB_PATH=%q is a directory, expected a file", envPath)
		}
		return envPath, nil
	}

	filename := ortLibFilename()
	libRel := filepath.Join("lib", runtime.GOOS+"-"+runtime.GOARCH, filename)
	libRelParent := filepath.Join("..", "lib", runtime.GOOS+"-"+runtime.GOARCH, filename)

	if exePath, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exePath)
		for _, rel := range []string{libRel, libRelParent} {
			path := filepath.Join(exeDir, rel)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}
	}

	if os.Getenv("ASR_DEV_MODE") == "1" {
		if dir, err := os.Getwd(); err == nil {
			for _, rel := range []string{libRel, libRelParent} {
				path := filepath.Join(dir, rel)
				if _, err := os.Stat(path); err == nil {
					return path, nil
				}
			}
		}
	}

	return "", fmt.Errorf("onnxexec: shared library not found; searched lib/<os>-<arch>/%s relative to executable (set ASR_ORT_LIB_PATH to override, or ASR_DEV_MODE=1 to enable CWD lookup)", filename)
}

func ortLibFilename() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}
