package main

import "fmt"

// sizeUnit is one step of the binary size ladder used by formatSize.
type sizeUnit struct {
	threshold int64
	suffix    string
}

// sizeLadder is ordered largest-first so formatSize can pick the first unit
// the value clears.
var sizeLadder = []sizeUnit{
	{1 << 40, "TB"},
	{1 << 30, "GB"},
	{1 << 20, "MB"},
	{1 << 10, "KB"},
}

// formatSize returns a human-readable size string (e.g. "1.2 MB"), used for
// verbose bytes-sent/received logging (spec §6.5).
func formatSize(bytes int64) string {
	for _, u := range sizeLadder {
		if bytes >= u.threshold {
			return fmt.Sprintf("%.1f %s", float64(bytes)/float64(u.threshold), u.suffix)
		}
	}

	return fmt.Sprintf("%d B", bytes)
}
