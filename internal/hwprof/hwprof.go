// Package hwprof detects the CPU, GPUs and usable inference backends of the
// host and caches the result between runs.
package hwprof

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/samcharles93/strata/internal/backend"
)

// Schema versions of the cached profile. Minor bumps are additive.
const (
	SchemaMajor = 1
	SchemaMinor = 1
)

// Reasons recorded when a backend is unavailable.
const (
	ReasonDisabled         = "disabled_env"
	ReasonTimeout          = "timeout"
	ReasonNoDevice         = "no_device"
	ReasonNoLoader         = "no_loader"
	ReasonSoftwareRenderer = "software_renderer"
	ReasonNoSupported      = "no_supported_device"
	ReasonUnsupportedOS    = "unsupported_os"
)

type Profile struct {
	Schema      int    `json:"schema"`
	SchemaMinor int    `json:"schema_minor"`
	OS          string `json:"os"`
	Arch        string `json:"arch"`

	CPU      CPUInfo    `json:"cpu"`
	RAMGB    uint64     `json:"ram_gb"`
	GPUs     []GPUInfo  `json:"gpus"`
	Backends Backends   `json:"backends"`
	Reasons  Reasons    `json:"backend_reasons"`
	Storage  *Storage   `json:"storage,omitempty"`
	Probes   ProbeTimes `json:"probe_times"`

	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type CPUInfo struct {
	Brand         string `json:"brand"`
	Threads       int    `json:"threads"`
	PhysicalCores int    `json:"physical_cores,omitempty"`
	AVX2          bool   `json:"avx2"`
	AVX512        bool   `json:"avx512"`
	NEON          bool   `json:"neon,omitempty"`
}

type GPUInfo struct {
	VendorID         uint32     `json:"vendor_id"`
	DeviceID         uint32     `json:"device_id"`
	Vendor           string     `json:"vendor"`
	Name             string     `json:"name"`
	VRAMBytes        uint64     `json:"vram_bytes,omitempty"`
	Integrated       bool       `json:"integrated"`
	SoftwareRenderer bool       `json:"software_renderer"`
	SoftwareReason   string     `json:"software_reason,omitempty"`
	Driver           DriverInfo `json:"driver"`
}

// DriverInfo holds whatever driver versions the probes could read.
type DriverInfo struct {
	Kernel string `json:"kernel,omitempty"`
	CUDA   string `json:"cuda,omitempty"`
	Vulkan string `json:"vulkan,omitempty"`
	ROCm   string `json:"rocm,omitempty"`
	Metal  string `json:"metal,omitempty"`
}

type Backends struct {
	CPU    bool `json:"cpu"`
	CUDA   bool `json:"cuda"`
	ROCm   bool `json:"rocm"`
	Vulkan bool `json:"vulkan"`
	Metal  bool `json:"metal"`
}

// Reasons explains why a backend is false. Empty means available or not
// probed.
type Reasons struct {
	CUDA   string `json:"cuda,omitempty"`
	ROCm   string `json:"rocm,omitempty"`
	Vulkan string `json:"vulkan,omitempty"`
	Metal  string `json:"metal,omitempty"`
}

type Storage struct {
	DataRoot  string `json:"data_root"`
	FreeBytes uint64 `json:"free_bytes,omitempty"`
}

// ProbeTimes are per-probe durations in milliseconds.
type ProbeTimes struct {
	CUDA   int64 `json:"cuda_ms"`
	ROCm   int64 `json:"rocm_ms"`
	Vulkan int64 `json:"vulkan_ms"`
	Metal  int64 `json:"metal_ms"`
	Total  int64 `json:"total_ms"`
}

// Has reports whether the profile supports a backend variant.
func (p *Profile) Has(variant string) bool {
	switch variant {
	case backend.CPU:
		return true
	case backend.CUDA:
		return p.Backends.CUDA
	case backend.ROCm:
		return p.Backends.ROCm
	case backend.Vulkan:
		return p.Backends.Vulkan
	case backend.Metal:
		return p.Backends.Metal
	default:
		return false
	}
}

// Preference returns the fastest supported variant. CPU is the fallback.
func (p *Profile) Preference() string {
	for _, v := range backend.Variants() {
		if p.Has(v) {
			return v
		}
	}
	return backend.CPU
}

// Available lists the supported variants in preference order.
func (p *Profile) Available() string {
	return backend.Available(p.Has)
}

// ComputeFingerprint hashes the stable identity of the machine: platform,
// CPU, backend support and GPU identity. Timestamps, reasons and timings are
// excluded.
func ComputeFingerprint(p *Profile) string {
	h := sha256.New()
	str := func(s string) {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}
	u64 := func(v uint64) {
		_, _ = h.Write(binary.LittleEndian.AppendUint64(nil, v))
	}
	flag := func(b bool) {
		if b {
			_, _ = h.Write([]byte{1})
		} else {
			_, _ = h.Write([]byte{0})
		}
	}

	str(p.OS)
	str(p.Arch)
	str(p.CPU.Brand)
	u64(uint64(p.CPU.Threads))
	flag(p.Backends.CPU)
	flag(p.Backends.CUDA)
	flag(p.Backends.ROCm)
	flag(p.Backends.Vulkan)
	flag(p.Backends.Metal)

	for _, g := range p.GPUs {
		u64(uint64(g.VendorID))
		u64(uint64(g.DeviceID))
		str(g.Vendor)
		str(g.Name)
		flag(g.Integrated)
		flag(g.SoftwareRenderer)
		u64(g.VRAMBytes)
		str(g.Driver.CUDA)
		str(g.Driver.Vulkan)
		str(g.Driver.ROCm)
		str(g.Driver.Metal)
	}
	return hex.EncodeToString(h.Sum(nil))
}
