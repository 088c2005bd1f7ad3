//go:build windows

package process

import (
	"errors"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"
)

// stillActive is the exit code reported for a running process.
const stillActive = 259

// Alive reports whether pid is a running process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h) //nolint:errcheck // Handle is only queried

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}

// FindByName returns the pids of processes whose image name matches name,
// with or without the .exe extension, ignoring case.
func FindByName(name string) ([]int, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(snap) //nolint:errcheck // Snapshot handle

	want := strings.TrimSuffix(strings.ToLower(name), ".exe")

	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))

	var pids []int
	err = windows.Process32First(snap, &entry)
	for err == nil {
		exe := strings.ToLower(windows.UTF16ToString(entry.ExeFile[:]))
		if strings.TrimSuffix(exe, ".exe") == want {
			pids = append(pids, int(entry.ProcessID))
		}
		err = windows.Process32Next(snap, &entry)
	}
	if !errors.Is(err, windows.ERROR_NO_MORE_FILES) {
		return nil, err
	}
	return pids, nil
}
