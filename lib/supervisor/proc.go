package supervisor

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// procRoot is where procfs is expected to be mounted.
var procRoot = "/proc"

// procStat holds the fields of /proc/<pid>/stat we care about.
type procStat struct {
	state     byte
	startTime uint64
}

func readProcStat(pid int) (*procStat, error) {
	data, err := os.ReadFile(procRoot + "/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return nil, err
	}
	// comm may contain spaces and parens; fields resume after the last ')'
	s := string(data)
	end := strings.LastIndexByte(s, ')')
	if end < 0 || end+2 >= len(s) {
		return nil, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(s[end+2:])
	// fields[0] is field 3 (state); starttime is field 22
	if len(fields) < 20 || len(fields[0]) == 0 {
		return nil, fmt.Errorf("short stat for pid %d", pid)
	}
	start, err := strconv.ParseUint(fields[19], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse starttime for pid %d: %w", pid, err)
	}
	return &procStat{state: fields[0][0], startTime: start}, nil
}

// StartTime returns the start time of pid in clock ticks since boot, or 0
// when /proc is unavailable.
func StartTime(pid int) uint64 {
	st, err := readProcStat(pid)
	if err != nil {
		return 0
	}
	return st.startTime
}

// IsAlive reports whether pid exists, is not a zombie, and, when startTime
// is non-zero, is the same process that was recorded.
func IsAlive(pid int, startTime uint64) bool {
	if pid <= 0 {
		return false
	}
	if err := unix.Kill(pid, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}

	st, err := readProcStat(pid)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && procMounted() {
			// exited between kill(0) and the read
			return false
		}
		// No usable /proc: kill(0) is all we have
		return true
	}
	if st.state == 'Z' || st.state == 'X' {
		return false
	}
	if startTime != 0 && st.startTime != startTime {
		return false
	}
	return true
}

// procMounted reports whether procfs is readable at all, as opposed to a
// single pid having vanished from it.
func procMounted() bool {
	_, err := os.Stat(procRoot + "/self/stat")
	return err == nil
}
