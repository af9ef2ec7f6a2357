package hwprof

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeSyntheticFile(t *testing.T, root, path, content string) {
	t.Helper()
	full := filepath.Join(root, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(full), err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", full, err)
	}
}

func linkDriver(t *testing.T, root, card, driver string) {
	t.Helper()
	dev := filepath.Join(root, "sys/class/drm", card, "device")
	if err := os.MkdirAll(dev, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join("../../../bus/pci/drivers", driver), filepath.Join(dev, "driver")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
}

// syntheticHost lays out an AMD discrete card, a connector, a duplicate
// node for the same PCI slot and a simpledrm framebuffer.
func syntheticHost(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	writeSyntheticFile(t, root, "sys/class/drm/card0/device/uevent",
		"DRIVER=amdgpu\nPCI_ID=1002:744C\nPCI_SLOT_NAME=0000:03:00.0\n")
	writeSyntheticFile(t, root, "sys/class/drm/card0/device/mem_info_vram_total", "25753026560\n")
	linkDriver(t, root, "card0", "amdgpu")
	writeSyntheticFile(t, root, "sys/class/drm/card0-DP-1/status", "connected\n")
	writeSyntheticFile(t, root, "sys/class/drm/card2/device/uevent",
		"PCI_ID=1002:744C\nPCI_SLOT_NAME=0000:03:00.0\n")
	writeSyntheticFile(t, root, "sys/class/drm/card1/device/uevent", "DRIVER=simpledrm\n")
	linkDriver(t, root, "card1", "simpledrm")

	writeSyntheticFile(t, root, "proc/cpuinfo",
		"processor\t: 0\nmodel name\t: AMD Ryzen 9 7950X 16-Core Processor\n\n")
	writeSyntheticFile(t, root, "proc/meminfo", "MemTotal:       65536000 kB\nMemFree: 1 kB\n")
	for i, core := range []string{"0", "1", "0", "1"} {
		dir := filepath.Join("sys/devices/system/cpu", "cpu"+string(rune('0'+i)), "topology")
		writeSyntheticFile(t, root, filepath.Join(dir, "physical_package_id"), "0")
		writeSyntheticFile(t, root, filepath.Join(dir, "core_id"), core)
	}
	writeSyntheticFile(t, root, "dev/kfd", "")
	return root
}

func clearDisableEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"CUDA", "ROCM", "VULKAN", "METAL"} {
		t.Setenv(EnvDisablePrefix+name, "")
	}
}

func detector(root string) *Detector {
	return &Detector{
		SysRoot:      filepath.Join(root, "sys"),
		ProcRoot:     filepath.Join(root, "proc"),
		DevRoot:      filepath.Join(root, "dev"),
		GOOS:         "linux",
		GOARCH:       "amd64",
		Timeout:      time.Second,
		CUDA:         func() (int, int, error) { return 0, 0, errors.New("libcuda.so.1: not found") },
		VulkanLoader: func() error { return nil },
		Now:          func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	}
}

func TestEnumerateDRM(t *testing.T) {
	t.Parallel()

	root := syntheticHost(t)
	gpus := enumerateDRM(filepath.Join(root, "sys/class/drm"))
	if len(gpus) != 2 {
		t.Fatalf("expected 2 gpus, got %d: %+v", len(gpus), gpus)
	}

	amd := gpus[0]
	if amd.VendorID != vendorAMD || amd.DeviceID != 0x744c || amd.Vendor != "AMD" {
		t.Fatalf("unexpected amd identity: %+v", amd)
	}
	if amd.VRAMBytes != 25753026560 || amd.Integrated || amd.SoftwareRenderer {
		t.Fatalf("unexpected amd details: %+v", amd)
	}
	if amd.Driver.Kernel != "amdgpu" {
		t.Fatalf("kernel driver = %q", amd.Driver.Kernel)
	}

	fb := gpus[1]
	if !fb.SoftwareRenderer || fb.SoftwareReason != "simpledrm" {
		t.Fatalf("expected simpledrm to be flagged as software: %+v", fb)
	}
}

func TestIsCardDevice(t *testing.T) {
	t.Parallel()

	for name, want := range map[string]bool{
		"card0": true, "card12": true, "card": false, "card0-DP-1": false, "renderD128": false,
	} {
		if got := isCardDevice(name); got != want {
			t.Errorf("isCardDevice(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestDetectSyntheticLinux(t *testing.T) {
	clearDisableEnv(t)

	root := syntheticHost(t)
	p, err := detector(root).Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}

	if p.CPU.Brand != "AMD Ryzen 9 7950X 16-Core Processor" || p.CPU.PhysicalCores != 2 {
		t.Fatalf("unexpected cpu: %+v", p.CPU)
	}
	if p.RAMGB != 63 {
		t.Fatalf("RAMGB = %d, want 63", p.RAMGB)
	}
	want := Backends{CPU: true, ROCm: true, Vulkan: true}
	if p.Backends != want {
		t.Fatalf("backends = %+v, want %+v", p.Backends, want)
	}
	if !strings.HasPrefix(p.Reasons.CUDA, "probe_error:") {
		t.Fatalf("cuda reason = %q", p.Reasons.CUDA)
	}
	if p.Reasons.Metal != ReasonUnsupportedOS {
		t.Fatalf("metal reason = %q", p.Reasons.Metal)
	}
	if got := p.Preference(); got != "rocm" {
		t.Fatalf("Preference = %q, want rocm", got)
	}
	if got := p.Available(); got != "rocm,vulkan,cpu" {
		t.Fatalf("Available = %q", got)
	}
	if p.Fingerprint == "" || p.Fingerprint != ComputeFingerprint(p) {
		t.Fatal("fingerprint not set")
	}
}

func TestDetectCUDAVersion(t *testing.T) {
	clearDisableEnv(t)

	root := t.TempDir()
	writeSyntheticFile(t, root, "sys/class/drm/card0/device/uevent",
		"PCI_ID=10DE:2684\nPCI_SLOT_NAME=0000:01:00.0\n")
	linkDriver(t, root, "card0", "nvidia")

	d := detector(root)
	d.CUDA = func() (int, int, error) { return 1, 12040, nil }
	p, err := d.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !p.Backends.CUDA || p.Preference() != "cuda" {
		t.Fatalf("expected cuda preference, got %+v", p.Backends)
	}
	if len(p.GPUs) != 1 || p.GPUs[0].Driver.CUDA != "12.4" {
		t.Fatalf("cuda version not attached: %+v", p.GPUs)
	}
	if p.Backends.ROCm || p.Reasons.ROCm != ReasonNoDevice {
		t.Fatalf("rocm should be unavailable without /dev/kfd: %+v", p.Reasons)
	}
}

func TestDetectCUDAWithoutDRMCard(t *testing.T) {
	clearDisableEnv(t)

	d := detector(t.TempDir())
	d.CUDA = func() (int, int, error) { return 2, 12020, nil }
	p, err := d.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(p.GPUs) != 2 || p.GPUs[1].Driver.CUDA != "12.2" {
		t.Fatalf("expected two synthesized NVIDIA entries, got %+v", p.GPUs)
	}
}

func TestProbeTimeout(t *testing.T) {
	clearDisableEnv(t)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	d := detector(t.TempDir())
	d.Timeout = 50 * time.Millisecond
	d.CUDA = func() (int, int, error) {
		<-release
		return 1, 0, nil
	}
	p, err := d.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if p.Backends.CUDA || p.Reasons.CUDA != ReasonTimeout {
		t.Fatalf("expected cuda timeout, got %+v / %+v", p.Backends, p.Reasons)
	}
}

func TestProbeDisabledByEnv(t *testing.T) {
	clearDisableEnv(t)
	t.Setenv(EnvDisablePrefix+"VULKAN", "true")
	t.Setenv(EnvDisablePrefix+"ROCM", "1")

	p, err := detector(syntheticHost(t)).Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if p.Backends.Vulkan || p.Reasons.Vulkan != ReasonDisabled {
		t.Fatalf("vulkan should be disabled: %+v", p.Reasons)
	}
	if p.Backends.ROCm || p.Reasons.ROCm != ReasonDisabled {
		t.Fatalf("rocm should be disabled: %+v", p.Reasons)
	}
	if p.Preference() != "cpu" {
		t.Fatalf("Preference = %q, want cpu", p.Preference())
	}
}

func TestVulkanSoftwareOnly(t *testing.T) {
	clearDisableEnv(t)

	root := t.TempDir()
	writeSyntheticFile(t, root, "sys/class/drm/card0/device/uevent", "DRIVER=simpledrm\n")
	linkDriver(t, root, "card0", "simpledrm")

	p, err := detector(root).Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if p.Backends.Vulkan || p.Reasons.Vulkan != ReasonSoftwareRenderer {
		t.Fatalf("expected software renderer reason, got %+v", p.Reasons)
	}
}

func TestDetectMetal(t *testing.T) {
	clearDisableEnv(t)

	d := detector(t.TempDir())
	d.GOOS, d.GOARCH = "darwin", "arm64"
	d.VulkanLoader = func() error { return errors.New("no loader") }
	p, err := d.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !p.Backends.Metal || p.Preference() != "metal" {
		t.Fatalf("expected metal, got %+v", p.Backends)
	}
	if p.Reasons.CUDA != ReasonUnsupportedOS || p.Reasons.Vulkan != ReasonNoLoader {
		t.Fatalf("unexpected reasons: %+v", p.Reasons)
	}
}

func TestTimeoutFromEnv(t *testing.T) {
	tests := []struct {
		val  string
		want time.Duration
	}{
		{"", 2 * time.Second},
		{"500", 500 * time.Millisecond},
		{"199", 2 * time.Second},
		{"soon", 2 * time.Second},
	}
	for _, tc := range tests {
		t.Setenv(EnvTimeout, tc.val)
		if got := TimeoutFromEnv(); got != tc.want {
			t.Errorf("TimeoutFromEnv(%q) = %v, want %v", tc.val, got, tc.want)
		}
	}
}

func TestFingerprintIgnoresVolatileFields(t *testing.T) {
	t.Parallel()

	a := &Profile{OS: "linux", Arch: "amd64", CPU: CPUInfo{Brand: "x", Threads: 8}, Backends: Backends{CPU: true}}
	b := *a
	b.CreatedAt = time.Now()
	b.Reasons.CUDA = ReasonTimeout
	b.Probes.Total = 99
	if ComputeFingerprint(a) != ComputeFingerprint(&b) {
		t.Fatal("fingerprint changed with volatile fields")
	}
	b.Backends.CUDA = true
	if ComputeFingerprint(a) == ComputeFingerprint(&b) {
		t.Fatal("fingerprint ignored backend support")
	}
}

func TestCacheLifecycle(t *testing.T) {
	clearDisableEnv(t)

	root := syntheticHost(t)
	d := detector(root)
	c := &Cache{Path: filepath.Join(t.TempDir(), "hwprof", profileFile), Detector: d}

	if _, err := c.Load(); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Load on empty cache: %v", err)
	}

	first, err := c.LoadOrDetect(context.Background())
	if err != nil {
		t.Fatalf("LoadOrDetect: %v", err)
	}
	created := first.CreatedAt

	loaded, err := c.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Fingerprint != first.Fingerprint || !loaded.CreatedAt.Equal(created) {
		t.Fatalf("round trip mismatch: %+v vs %+v", loaded, first)
	}

	same, changed, err := c.ValidateOrRedetect(context.Background())
	if err != nil || changed {
		t.Fatalf("ValidateOrRedetect on unchanged host: changed=%v err=%v", changed, err)
	}
	if same.Fingerprint != first.Fingerprint {
		t.Fatal("fingerprint moved without a hardware change")
	}

	later := created.Add(time.Hour)
	d.Now = func() time.Time { return later }
	d.CUDA = func() (int, int, error) { return 1, 12040, nil }
	updated, changed, err := c.ValidateOrRedetect(context.Background())
	if err != nil || !changed {
		t.Fatalf("expected a rewrite after hardware change: changed=%v err=%v", changed, err)
	}
	if !updated.CreatedAt.Equal(created) || !updated.UpdatedAt.Equal(later) {
		t.Fatalf("timestamps: created=%v updated=%v", updated.CreatedAt, updated.UpdatedAt)
	}
	if reloaded, _ := c.Load(); reloaded == nil || !reloaded.Backends.CUDA {
		t.Fatal("cache was not rewritten")
	}
}

func TestLoadOrDetectReplacesCorruptCache(t *testing.T) {
	clearDisableEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, profileFile)
	writeSyntheticFile(t, dir, profileFile, "{not json")

	c := &Cache{Path: path, Detector: detector(t.TempDir())}
	p, err := c.LoadOrDetect(context.Background())
	if err != nil {
		t.Fatalf("LoadOrDetect: %v", err)
	}
	if p.Schema != SchemaMajor {
		t.Fatalf("schema = %d", p.Schema)
	}
	if _, err := c.Load(); err != nil {
		t.Fatalf("cache not replaced: %v", err)
	}
}
