//go:build !darwin && !windows

package hwprof

// Linux reads MemTotal from procfs instead.
func platformRAM() uint64 { return 0 }
