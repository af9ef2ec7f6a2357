package hwprof

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

const (
	vendorAMD    uint32 = 0x1002
	vendorNVIDIA uint32 = 0x10de
	vendorIntel  uint32 = 0x8086
	vendorApple  uint32 = 0x106b
)

// softwareDrivers are DRM drivers with no compute capable hardware behind
// them.
var softwareDrivers = []string{"simpledrm", "vgem", "vkms", "bochs-drm", "cirrus", "qxl", "efifb"}

func vendorName(id uint32) string {
	switch id {
	case vendorAMD:
		return "AMD"
	case vendorNVIDIA:
		return "NVIDIA"
	case vendorIntel:
		return "Intel"
	case vendorApple:
		return "Apple"
	case 0:
		return "Unknown"
	default:
		return fmt.Sprintf("0x%04x", id)
	}
}

// isCardDevice matches card0, card1, ... but not connectors like card0-DP-1.
func isCardDevice(name string) bool {
	suffix, ok := strings.CutPrefix(name, "card")
	if !ok || suffix == "" {
		return false
	}
	for _, c := range suffix {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// enumerateDRM lists GPUs under /sys/class/drm. Cards sharing a PCI slot are
// reported once.
func enumerateDRM(drmRoot string) []GPUInfo {
	entries, err := os.ReadDir(drmRoot)
	if err != nil {
		return nil
	}

	var (
		gpus  []GPUInfo
		slots = map[string]bool{}
	)
	for _, e := range entries {
		if !isCardDevice(e.Name()) {
			continue
		}
		dev := filepath.Join(drmRoot, e.Name(), "device")
		vendorID, deviceID, slot := parsePCIUevent(dev)
		if slot != "" {
			if slots[slot] {
				continue
			}
			slots[slot] = true
		}

		driver := readDriverName(dev)
		g := GPUInfo{
			VendorID:  vendorID,
			DeviceID:  deviceID,
			Vendor:    vendorName(vendorID),
			VRAMBytes: readSysfsUint(filepath.Join(dev, "mem_info_vram_total")),
			Driver:    DriverInfo{Kernel: driver},
		}
		g.Name = readSysfsString(filepath.Join(dev, "label"))
		if g.Name == "" {
			g.Name = fmt.Sprintf("%s GPU 0x%04x", g.Vendor, deviceID)
		}
		if slices.Contains(softwareDrivers, driver) || vendorID == 0 {
			g.SoftwareRenderer = true
			g.SoftwareReason = driver
			if g.SoftwareReason == "" {
				g.SoftwareReason = "no_pci_device"
			}
		}
		switch vendorID {
		case vendorIntel:
			g.Integrated = driver == "i915"
		case vendorAMD:
			// APUs carve a small VRAM window out of system memory.
			g.Integrated = g.VRAMBytes > 0 && g.VRAMBytes < 2<<30
		}
		gpus = append(gpus, g)
	}
	return gpus
}

// parsePCIUevent reads PCI_ID and PCI_SLOT_NAME from a device uevent file.
func parsePCIUevent(devicePath string) (vendorID, deviceID uint32, slot string) {
	data, err := os.ReadFile(filepath.Join(devicePath, "uevent"))
	if err != nil {
		return 0, 0, ""
	}
	for line := range strings.Lines(string(data)) {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "PCI_ID":
			v, d, ok := strings.Cut(value, ":")
			if !ok {
				continue
			}
			vendorID = parseHex32(v)
			deviceID = parseHex32(d)
		case "PCI_SLOT_NAME":
			slot = value
		}
	}
	return vendorID, deviceID, slot
}

func parseHex32(s string) uint32 {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}

func readDriverName(devicePath string) string {
	link, err := os.Readlink(filepath.Join(devicePath, "driver"))
	if err != nil {
		return ""
	}
	return filepath.Base(link)
}

func readSysfsString(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func readSysfsUint(path string) uint64 {
	v, err := strconv.ParseUint(readSysfsString(path), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// readCPUModel returns the first "model name" in /proc/cpuinfo.
func readCPUModel(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if ok && strings.TrimSpace(key) == "model name" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// readMemTotal returns MemTotal from /proc/meminfo in bytes.
func readMemTotal(path string) uint64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		rest, ok := strings.CutPrefix(sc.Text(), "MemTotal:")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return 0
		}
		kb, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}

// countPhysicalCores counts unique (package, core) pairs under
// /sys/devices/system/cpu.
func countPhysicalCores(cpuBase string) int {
	entries, err := os.ReadDir(cpuBase)
	if err != nil {
		return 0
	}
	type coreKey struct{ pkg, core string }
	unique := map[coreKey]struct{}{}
	for _, e := range entries {
		suffix, ok := strings.CutPrefix(e.Name(), "cpu")
		if !ok || suffix == "" || suffix[0] < '0' || suffix[0] > '9' {
			continue
		}
		topo := filepath.Join(cpuBase, e.Name(), "topology")
		pkg := readSysfsString(filepath.Join(topo, "physical_package_id"))
		core := readSysfsString(filepath.Join(topo, "core_id"))
		if pkg != "" && core != "" {
			unique[coreKey{pkg, core}] = struct{}{}
		}
	}
	return len(unique)
}
