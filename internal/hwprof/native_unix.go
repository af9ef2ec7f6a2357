//go:build darwin || freebsd || linux || netbsd

package hwprof

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/ebitengine/purego"
)

var (
	cudaLibraries   = []string{"libcuda.so.1", "libcuda.so"}
	vulkanLibraries = map[string][]string{
		"darwin": {"libvulkan.1.dylib", "libMoltenVK.dylib"},
	}
)

// probeCUDADriver talks to the driver API directly. libcuda stays loaded;
// unloading it after cuInit is not safe.
func probeCUDADriver() (int, int, error) {
	var lastErr error
	for _, name := range cudaLibraries {
		h, err := purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_LOCAL)
		if err != nil {
			lastErr = err
			continue
		}

		var (
			cuInit             func(flags uint32) int32
			cuDeviceGetCount   func(count *int32) int32
			cuDriverGetVersion func(version *int32) int32
		)
		for sym, fn := range map[string]any{
			"cuInit":             &cuInit,
			"cuDeviceGetCount":   &cuDeviceGetCount,
			"cuDriverGetVersion": &cuDriverGetVersion,
		} {
			addr, err := purego.Dlsym(h, sym)
			if err != nil {
				return 0, 0, fmt.Errorf("%s: %w", name, err)
			}
			purego.RegisterFunc(fn, addr)
		}

		if rc := cuInit(0); rc != 0 {
			return 0, 0, fmt.Errorf("cuInit returned %d", rc)
		}
		var count int32
		if rc := cuDeviceGetCount(&count); rc != 0 {
			return 0, 0, fmt.Errorf("cuDeviceGetCount returned %d", rc)
		}
		var version int32
		_ = cuDriverGetVersion(&version)
		return int(count), int(version), nil
	}
	if lastErr == nil {
		lastErr = errors.New("no CUDA driver library")
	}
	return 0, 0, lastErr
}

// probeVulkanLoader checks that a Vulkan loader can be opened and exports
// vkGetInstanceProcAddr.
func probeVulkanLoader() error {
	names, ok := vulkanLibraries[runtime.GOOS]
	if !ok {
		names = []string{"libvulkan.so.1", "libvulkan.so"}
	}
	var lastErr error
	for _, name := range names {
		h, err := purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_LOCAL)
		if err != nil {
			lastErr = err
			continue
		}
		_, err = purego.Dlsym(h, "vkGetInstanceProcAddr")
		_ = purego.Dlclose(h)
		return err
	}
	return lastErr
}
