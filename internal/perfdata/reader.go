// ABOUTME: Locates and memory-maps per-process hsperfdata files on the host or in a container root.
// ABOUTME: Returns nothing for missing, inaccessible, or non-attachable buffers so callers fall back.

package perfdata

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"golang.org/x/sys/unix"
)

// TempDirs are the locations HotSpot writes hsperfdata_<user> directories to.
var TempDirs = []string{"/tmp", "/var/tmp"}

func tempDirs(root string) []string {
	dirs := make([]string, 0, len(TempDirs)+1)
	for _, d := range TempDirs {
		dirs = append(dirs, filepath.Join(root, d))
	}
	if root == "" {
		if tmp := os.TempDir(); tmp != "/tmp" && tmp != "/var/tmp" {
			dirs = append(dirs, tmp)
		}
	}
	return dirs
}

// Locate finds the perfdata file for nsPID beneath root ("" for the host).
func Locate(nsPID int, root string) (string, bool) {
	name := strconv.Itoa(nsPID)
	for _, dir := range tempDirs(root) {
		matches, _ := filepath.Glob(filepath.Join(dir, "hsperfdata_*", name))
		for _, m := range matches {
			if fi, err := os.Stat(m); err == nil && fi.Mode().IsRegular() {
				return m, true
			}
		}
	}
	return "", false
}

// Read returns the identity facts for nsPID beneath root. A nil Info with a
// nil error means no usable buffer exists: missing, still initializing, or
// the runtime does not accept dynamic attach.
func Read(nsPID int, root string) (*Info, error) {
	path, ok := Locate(nsPID, root)
	if !ok {
		return nil, nil
	}
	d, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !d.Accessible || !d.Attachable() {
		return nil, nil
	}
	return d.Info(), nil
}

// ReadFile memory-maps and parses a single perfdata file.
func ReadFile(path string) (*Data, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening perfdata: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat perfdata: %w", err)
	}
	size := int(fi.Size())
	if size < prologueSize {
		return nil, ErrTruncated
	}

	buf, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mapping perfdata: %w", err)
	}
	defer func() { _ = unix.Munmap(buf) }()

	return Parse(buf)
}

// ScanPIDs lists the namespace PIDs that currently have a perfdata file
// beneath root.
func ScanPIDs(root string) []int {
	seen := make(map[int]bool)
	for _, dir := range tempDirs(root) {
		userDirs, _ := filepath.Glob(filepath.Join(dir, "hsperfdata_*"))
		for _, ud := range userDirs {
			entries, err := os.ReadDir(ud)
			if err != nil {
				continue
			}
			for _, e := range entries {
				if pid, err := strconv.Atoi(e.Name()); err == nil && pid > 0 {
					seen[pid] = true
				}
			}
		}
	}

	pids := make([]int, 0, len(seen))
	for pid := range seen {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}
