package hwprof

import "golang.org/x/sys/unix"

func platformRAM() uint64 {
	v, err := unix.SysctlUint64("hw.memsize")
	if err != nil {
		return 0
	}
	return v
}
