// Package guard implements the admission checks run on every staged input
// and the validation applied to final PDFs. All checks answer with a plain
// bool; the caller owns the routing of rejected files and the metric bump.
package guard

import (
	"bytes"
	"io"
	"os"
	"syscall"
)

// Archive magic numbers. CBZ is ZIP, CBR is RAR (v4 or v5).
var (
	sigZIP  = []byte{0x50, 0x4B, 0x03, 0x04}
	sigRAR4 = []byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x00}
	sigRAR5 = []byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x01, 0x00}
)

// CheckInputSize reports whether the file exists and its size does not
// exceed maxMB mebibytes. The cap itself is inclusive.
func CheckInputSize(path string, maxMB float64) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return float64(info.Size()) <= maxMB*1024*1024
}

// CheckFileSignature reports whether the file starts with a ZIP, RAR4 or
// RAR5 magic number. A missing or short file fails the check.
func CheckFileSignature(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	head := make([]byte, 8)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return false
	}
	head = head[:n]

	return bytes.HasPrefix(head, sigZIP) ||
		bytes.HasPrefix(head, sigRAR4) ||
		bytes.HasPrefix(head, sigRAR5)
}

// diskFree probes the free bytes available on the filesystem holding dir.
// Replaced in tests.
var diskFree = func(dir string) (uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}

// CheckDiskSpace reports whether the filesystem holding dir has at least
// sizeBytes × factor free. A probe failure admits the file: rejecting on a
// broken probe would wedge the whole inbox.
func CheckDiskSpace(dir string, sizeBytes int64, factor float64) bool {
	free, err := diskFree(dir)
	if err != nil {
		return true
	}
	return float64(free) >= float64(sizeBytes)*factor
}

// ValidatePDF reports whether path exists, has at least minSizeBytes, and
// starts with the %PDF- header. Any I/O error is a failure.
func ValidatePDF(path string, minSizeBytes int64) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if info.Size() < minSizeBytes {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	head := make([]byte, 5)
	if _, err := io.ReadFull(f, head); err != nil {
		return false
	}
	return bytes.Equal(head, []byte("%PDF-"))
}
