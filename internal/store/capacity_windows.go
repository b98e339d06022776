//go:build windows

package store

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// VolumeStats returns total, used and available bytes of the volume holding
// path.
func VolumeStats(path string) (total, used, available int64, err error) {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("utf16 path: %w", err)
	}
	var freeAvailable, totalBytes, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(pathPtr, &freeAvailable, &totalBytes, &totalFree); err != nil {
		return 0, 0, 0, fmt.Errorf("GetDiskFreeSpaceEx %s: %w", path, err)
	}
	total = int64(totalBytes)
	available = int64(freeAvailable)
	used = total - int64(totalFree)
	return total, used, available, nil
}
