//go:build linux

package wingcache

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// processRSSBytes reports VmRSS from /proc/self/status.
func processRSSBytes() (uint64, bool) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		rest, found := strings.CutPrefix(sc.Text(), "VmRSS:")
		if !found {
			continue
		}
		// "   123456 kB"
		num, unit, _ := strings.Cut(strings.TrimSpace(rest), " ")
		kb, err := strconv.ParseUint(num, 10, 64)
		if err != nil || strings.TrimSpace(unit) != "kB" {
			return 0, false
		}
		return kb << 10, true
	}
	return 0, false
}
