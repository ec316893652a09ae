package frontend

import (
	"os"
	"strconv"
	"strings"
)

// LoadAverage returns the one-minute system load average, or 0 when it
// cannot be read (non-Linux hosts, restricted /proc), which makes the
// frontend behave as never overloaded rather than always shedding.
func LoadAverage() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return load
}
