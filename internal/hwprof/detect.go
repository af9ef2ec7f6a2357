package hwprof

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/cpu"

	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/paths"
)

const (
	EnvTimeout       = "STRATA_HWPROF_TIMEOUT_MS"
	EnvDisablePrefix = "STRATA_HWPROF_DISABLE_"

	defaultTimeout = 2 * time.Second
	minTimeout     = 200 * time.Millisecond
)

var errProbeTimeout = errors.New("probe timed out")

// CUDAProbe initializes the CUDA driver and reports the device count and
// the driver version as encoded by cuDriverGetVersion.
type CUDAProbe func() (devices, version int, err error)

// Detector gathers a Profile. Roots default to the live system and can be
// pointed at a synthetic tree in tests.
type Detector struct {
	SysRoot  string
	ProcRoot string
	DevRoot  string
	GOOS     string
	GOARCH   string
	DataRoot string

	Timeout time.Duration
	Log     logger.Logger

	CUDA         CUDAProbe
	VulkanLoader func() error
	Now          func() time.Time
}

// NewDetector returns a Detector for the running host. The probe timeout
// comes from STRATA_HWPROF_TIMEOUT_MS.
func NewDetector(log logger.Logger) *Detector {
	if log == nil {
		log = logger.Default()
	}
	root, _ := paths.Root()
	return &Detector{
		SysRoot:      "/sys",
		ProcRoot:     "/proc",
		DevRoot:      "/dev",
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		DataRoot:     root,
		Timeout:      TimeoutFromEnv(),
		Log:          log.With("component", "hwprof"),
		CUDA:         probeCUDADriver,
		VulkanLoader: probeVulkanLoader,
		Now:          time.Now,
	}
}

// TimeoutFromEnv reads the per-probe timeout. Values below 200ms or
// unparsable values fall back to 2s.
func TimeoutFromEnv() time.Duration {
	v := strings.TrimSpace(os.Getenv(EnvTimeout))
	if v == "" {
		return defaultTimeout
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultTimeout
	}
	d := time.Duration(ms) * time.Millisecond
	if d < minTimeout {
		return defaultTimeout
	}
	return d
}

// Disabled reports whether STRATA_HWPROF_DISABLE_<NAME> is set to 1 or true.
func Disabled(name string) bool {
	v := os.Getenv(EnvDisablePrefix + strings.ToUpper(name))
	return v == "1" || strings.EqualFold(v, "true")
}

type probeResult[T any] struct {
	val T
	err error
}

// runProbe runs fn on its own goroutine and gives up after timeout. A probe
// that hangs in native code is abandoned, not interrupted.
func runProbe[T any](ctx context.Context, timeout time.Duration, fn func() (T, error)) (T, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	ch := make(chan probeResult[T], 1)
	go func() {
		v, err := fn()
		ch <- probeResult[T]{val: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.val, time.Since(start), r.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, time.Since(start), errProbeTimeout
		}
		return zero, time.Since(start), ctx.Err()
	}
}

func reasonFor(err error) string {
	if errors.Is(err, errProbeTimeout) {
		return ReasonTimeout
	}
	return "probe_error:" + err.Error()
}

// Detect probes the host. It never fails because a probe fails; the reason
// is recorded instead. It returns an error only when ctx is cancelled.
func (d *Detector) Detect(ctx context.Context) (*Profile, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	log := d.Log
	if log == nil {
		log = logger.Discard()
	}

	p := &Profile{
		Schema:      SchemaMajor,
		SchemaMinor: SchemaMinor,
		OS:          d.GOOS,
		Arch:        d.GOARCH,
		CPU:         d.detectCPU(),
		RAMGB:       d.totalRAMGB(),
		Backends:    Backends{CPU: true},
	}
	if d.GOOS == "linux" {
		p.GPUs = enumerateDRM(filepath.Join(d.SysRoot, "class", "drm"))
	}

	d.probeCUDA(ctx, timeout, p)
	d.probeROCm(ctx, timeout, p)
	d.probeVulkan(ctx, timeout, p)
	d.probeMetal(p)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if d.DataRoot != "" {
		p.Storage = &Storage{DataRoot: d.DataRoot}
		if free, ok := freeBytes(d.DataRoot); ok {
			p.Storage.FreeBytes = free
		}
	}

	p.Probes.Total = p.Probes.CUDA + p.Probes.ROCm + p.Probes.Vulkan + p.Probes.Metal
	p.Fingerprint = ComputeFingerprint(p)

	log.Debug("hardware detected",
		"cpu", p.CPU.Brand,
		"gpus", len(p.GPUs),
		"preference", p.Preference(),
		"probe_ms", p.Probes.Total,
	)
	return p, nil
}

func (d *Detector) detectCPU() CPUInfo {
	info := CPUInfo{
		Brand:   readCPUModel(filepath.Join(d.ProcRoot, "cpuinfo")),
		Threads: runtime.NumCPU(),
	}
	if info.Brand == "" {
		info.Brand = d.GOARCH
	}
	info.PhysicalCores = countPhysicalCores(filepath.Join(d.SysRoot, "devices", "system", "cpu"))

	switch d.GOARCH {
	case "amd64", "386":
		info.AVX2 = cpu.X86.HasAVX2
		info.AVX512 = cpu.X86.HasAVX512F || cpu.X86.HasAVX512DQ || cpu.X86.HasAVX512CD ||
			cpu.X86.HasAVX512BW || cpu.X86.HasAVX512VL
	case "arm64":
		info.NEON = cpu.ARM64.HasASIMD || d.GOOS == "darwin"
	}
	return info
}

func (d *Detector) totalRAMGB() uint64 {
	bytes := readMemTotal(filepath.Join(d.ProcRoot, "meminfo"))
	if bytes == 0 && d.GOOS == runtime.GOOS {
		bytes = platformRAM()
	}
	const gib = 1 << 30
	return (bytes + gib/2) / gib
}

func (d *Detector) probeCUDA(ctx context.Context, timeout time.Duration, p *Profile) {
	if Disabled("cuda") {
		p.Reasons.CUDA = ReasonDisabled
		return
	}
	if d.CUDA == nil || d.GOOS == "darwin" {
		p.Reasons.CUDA = ReasonUnsupportedOS
		return
	}

	type cudaInfo struct{ devices, version int }
	res, took, err := runProbe(ctx, timeout, func() (cudaInfo, error) {
		n, v, err := d.CUDA()
		return cudaInfo{n, v}, err
	})
	p.Probes.CUDA = took.Milliseconds()
	switch {
	case err != nil:
		p.Reasons.CUDA = reasonFor(err)
		return
	case res.devices <= 0:
		p.Reasons.CUDA = ReasonNoDevice
		return
	}

	p.Backends.CUDA = true
	version := cudaVersionString(res.version)
	seen := false
	for i := range p.GPUs {
		if p.GPUs[i].VendorID == vendorNVIDIA {
			p.GPUs[i].Driver.CUDA = version
			seen = true
		}
	}
	if !seen {
		// The proprietary driver does not always expose a DRM card.
		for range res.devices {
			p.GPUs = append(p.GPUs, GPUInfo{
				VendorID: vendorNVIDIA,
				Vendor:   vendorName(vendorNVIDIA),
				Name:     "NVIDIA GPU",
				Driver:   DriverInfo{CUDA: version},
			})
		}
	}
}

// cudaVersionString renders 12040 as "12.4".
func cudaVersionString(v int) string {
	if v <= 0 {
		return ""
	}
	return fmt.Sprintf("%d.%d", v/1000, (v%1000)/10)
}

func (d *Detector) probeROCm(ctx context.Context, timeout time.Duration, p *Profile) {
	if Disabled("rocm") {
		p.Reasons.ROCm = ReasonDisabled
		return
	}
	if d.GOOS != "linux" {
		p.Reasons.ROCm = ReasonUnsupportedOS
		return
	}

	kfd := filepath.Join(d.DevRoot, "kfd")
	ok, took, err := runProbe(ctx, timeout, func() (bool, error) {
		_, err := os.Stat(kfd)
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return err == nil, err
	})
	p.Probes.ROCm = took.Milliseconds()
	switch {
	case err != nil:
		p.Reasons.ROCm = reasonFor(err)
	case !ok || !hasHardware(p.GPUs, vendorAMD):
		p.Reasons.ROCm = ReasonNoDevice
	default:
		p.Backends.ROCm = true
	}
}

func (d *Detector) probeVulkan(ctx context.Context, timeout time.Duration, p *Profile) {
	if Disabled("vulkan") {
		p.Reasons.Vulkan = ReasonDisabled
		return
	}
	if d.VulkanLoader == nil {
		p.Reasons.Vulkan = ReasonNoLoader
		return
	}

	_, took, err := runProbe(ctx, timeout, func() (struct{}, error) {
		return struct{}{}, d.VulkanLoader()
	})
	p.Probes.Vulkan = took.Milliseconds()
	if err != nil {
		if errors.Is(err, errProbeTimeout) {
			p.Reasons.Vulkan = ReasonTimeout
		} else {
			p.Reasons.Vulkan = ReasonNoLoader
		}
		return
	}

	switch {
	case d.GOOS != "linux":
		// Only linux enumerates devices; elsewhere the loader is the signal.
		p.Backends.Vulkan = true
	case hasHardware(p.GPUs, 0):
		p.Backends.Vulkan = true
	case len(p.GPUs) > 0:
		p.Reasons.Vulkan = ReasonSoftwareRenderer
	default:
		p.Reasons.Vulkan = ReasonNoSupported
	}
}

func (d *Detector) probeMetal(p *Profile) {
	if Disabled("metal") {
		p.Reasons.Metal = ReasonDisabled
		return
	}
	if d.GOOS != "darwin" || d.GOARCH != "arm64" {
		p.Reasons.Metal = ReasonUnsupportedOS
		return
	}
	p.Backends.Metal = true
	p.GPUs = append(p.GPUs, GPUInfo{
		VendorID:   vendorApple,
		Vendor:     vendorName(vendorApple),
		Name:       "Apple GPU",
		Integrated: true,
	})
}

// hasHardware reports whether gpus holds a non-software device, optionally
// restricted to one vendor.
func hasHardware(gpus []GPUInfo, vendor uint32) bool {
	for _, g := range gpus {
		if g.SoftwareRenderer {
			continue
		}
		if vendor == 0 || g.VendorID == vendor {
			return true
		}
	}
	return false
}
