//go:build freebsd || netbsd

package hwprof

func freeBytes(string) (uint64, bool) { return 0, false }
