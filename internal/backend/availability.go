package backend

import "strings"

// Variants lists the concrete backend variants in preference order, fastest
// first. CPU is always last because it is always usable.
func Variants() []string {
	return []string{CUDA, ROCm, Metal, Vulkan, CPU}
}

// Available returns a comma-separated list of the variants for which has
// reports true. CPU is always included.
func Available(has func(variant string) bool) string {
	entries := make([]string, 0, len(Variants()))
	for _, v := range Variants() {
		if v == CPU || (has != nil && has(v)) {
			entries = append(entries, v)
		}
	}
	return strings.Join(entries, ",")
}
