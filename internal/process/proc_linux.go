//go:build linux

package process

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
)

// commLen is the kernel's TASK_COMM_LEN minus the terminator.
const commLen = 15

// Alive reports whether pid is a running, non-zombie process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	state, ok := procState(pid)
	return ok && state != 'Z' && state != 'X'
}

// FindByName returns the pids of running processes whose command name
// matches name. Names longer than the kernel's comm field are compared on
// the truncated prefix.
func FindByName(name string) ([]int, error) {
	if len(name) > commLen {
		name = name[:commLen]
	}

	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}

	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || !e.IsDir() {
			continue
		}
		comm, err := os.ReadFile(filepath.Join("/proc", e.Name(), "comm"))
		if err != nil {
			continue // exited while scanning
		}
		if string(bytes.TrimSpace(comm)) == name && Alive(pid) {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

// procState returns the state letter from /proc/<pid>/stat.
func procState(pid int) (byte, bool) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0, false
	}
	// The command name is parenthesised and may itself contain ')'.
	i := bytes.LastIndexByte(data, ')')
	if i < 0 || i+2 >= len(data) {
		return 0, false
	}
	return data[i+2], true
}
