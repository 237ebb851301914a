package inference

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sys/cpu"
)

// libraryName is the ONNX Runtime shared library file name for this OS.
func libraryName() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}

// librarySearchPath lists where ResolveLibrary looks when no path is configured.
func librarySearchPath() []string {
	name := libraryName()
	dirs := []string{"lib", "/usr/local/lib", "/usr/lib", "/opt/onnxruntime/lib"}
	if exe, err := os.Executable(); err == nil {
		dirs = append([]string{filepath.Join(filepath.Dir(exe), "lib")}, dirs...)
	}
	paths := make([]string, 0, len(dirs))
	for _, d := range dirs {
		paths = append(paths, filepath.Join(d, name))
	}
	return paths
}

// ResolveLibrary returns an absolute path to the ONNX Runtime shared library.
// An explicit path must exist; otherwise the default locations are searched.
func ResolveLibrary(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("onnxruntime library: %w", err)
		}
		return filepath.Abs(path)
	}
	for _, candidate := range librarySearchPath() {
		if _, err := os.Stat(candidate); err == nil {
			return filepath.Abs(candidate)
		}
	}
	return "", fmt.Errorf("onnxruntime library %s not found: %w", libraryName(), os.ErrNotExist)
}

// CPUFeatures reports the SIMD extensions the host offers the CPU execution
// provider.
func CPUFeatures() []string {
	var features []string
	switch runtime.GOARCH {
	case "amd64", "386":
		if cpu.X86.HasSSE41 {
			features = append(features, "sse4.1")
		}
		if cpu.X86.HasAVX2 {
			features = append(features, "avx2")
		}
		if cpu.X86.HasFMA {
			features = append(features, "fma")
		}
		if cpu.X86.HasAVX512F {
			features = append(features, "avx512f")
		}
		if cpu.X86.HasAVX512VNNI {
			features = append(features, "avx512vnni")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			features = append(features, "asimd")
		}
		if cpu.ARM64.HasFPHP {
			features = append(features, "fphp")
		}
		if cpu.ARM64.HasASIMDDP {
			features = append(features, "asimddp")
		}
	}
	return features
}
