package fsutil

import (
	"os"
	"strconv"
	"strings"
	"syscall"
)

// GetSystemMemory returns available memory in MB
func GetSystemMemory() (int64, error) {
	// Try to read /proc/meminfo for more accurate available memory
	content, err := os.ReadFile("/proc/meminfo")
	if err == nil {
		lines := strings.Split(string(content), "\n")
		for _, line := range lines {
			if strings.HasPrefix(line, "MemAvailable:") {
				fields := strings.Fields(line)
				if len(fields) >= 2 {
					if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
						return kb / 1024, nil
					}
				}
			}
		}
	}

	var sysinfo syscall.Sysinfo_t
	if err := syscall.Sysinfo(&sysinfo); err != nil {
		return 0, err
	}
	availableBytes := int64(sysinfo.Freeram) * int64(sysinfo.Unit)
	return availableBytes / (1024 * 1024), nil
}

// PlaneMemoryMB estimates the working set of one frame in flight: the
// original, the descaled intermediate and its transposes, the rescaled plane
// and the difference, all float64.
func PlaneMemoryMB(width, height int) int64 {
	const planesInFlight = 6
	bytes := int64(width) * int64(height) * 8 * planesInFlight
	mb := bytes / (1024 * 1024)
	if mb < 1 {
		mb = 1
	}
	return mb
}

// FitWorkers caps workers so that the frames in flight use at most half of
// the available memory. It never returns less than one.
func FitWorkers(workers int, width, height int, availableMB int64) int {
	if workers < 1 {
		return 1
	}
	if availableMB <= 0 {
		return workers
	}
	per := PlaneMemoryMB(width, height)
	limit := int((availableMB / 2) / per)
	if limit < 1 {
		limit = 1
	}
	if workers > limit {
		return limit
	}
	return workers
}
