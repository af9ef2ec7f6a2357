//go:build windows

package hwprof

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

func probeCUDADriver() (int, int, error) {
	dll, err := windows.LoadDLL("nvcuda.dll")
	if err != nil {
		return 0, 0, err
	}

	call := func(name string, args ...uintptr) (uintptr, error) {
		proc, err := dll.FindProc(name)
		if err != nil {
			return 0, err
		}
		rc, _, _ := proc.Call(args...)
		return rc, nil
	}

	if rc, err := call("cuInit", 0); err != nil {
		return 0, 0, err
	} else if rc != 0 {
		return 0, 0, fmt.Errorf("cuInit returned %d", rc)
	}
	var count int32
	if rc, err := call("cuDeviceGetCount", uintptr(unsafe.Pointer(&count))); err != nil {
		return 0, 0, err
	} else if rc != 0 {
		return 0, 0, fmt.Errorf("cuDeviceGetCount returned %d", rc)
	}
	var version int32
	_, _ = call("cuDriverGetVersion", uintptr(unsafe.Pointer(&version)))
	return int(count), int(version), nil
}

func probeVulkanLoader() error {
	dll, err := windows.LoadDLL("vulkan-1.dll")
	if err != nil {
		return err
	}
	defer dll.Release()
	_, err = dll.FindProc("vkGetInstanceProcAddr")
	return err
}

func platformRAM() uint64 {
	var st windows.MemoryStatusEx
	st.Length = uint32(unsafe.Sizeof(st))
	if err := windows.GlobalMemoryStatusEx(&st); err != nil {
		return 0
	}
	return st.TotalPhys
}

func freeBytes(dir string) (uint64, bool) {
	p, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return 0, false
	}
	var free uint64
	if err := windows.GetDiskFreeSpaceEx(p, &free, nil, nil); err != nil {
		return 0, false
	}
	return free, true
}
