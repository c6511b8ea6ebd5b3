// Package fsio provides the filesystem primitives the orchestrator is built
// on: atomic JSON writes, corruption-tolerant JSON reads, streamed hashing,
// and rename-based moves with a cross-device fallback.
package fsio

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

// dirPerm is the permission for orchestrator-managed directories.
const dirPerm = 0750

// filePerm is the permission for orchestrator-written files.
const filePerm = 0600

// EnsureDir creates dir and any missing parents. Idempotent.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	return nil
}

// AtomicWriteJSON marshals v with two-space indentation and writes it to
// path via a temp file in the same directory followed by a rename. Readers
// never observe a partial document.
func AtomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, filePerm); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp: %w", err)
	}
	return nil
}

// SafeLoadJSON reads a JSON object without ever propagating a failure as an
// error. The reason string classifies the miss: "absent" when the file does
// not exist, "json_corrupt: …" on decode failure, "os_error: …" on I/O
// failure. Corruption is a first-class outcome, not an exception.
func SafeLoadJSON(path string) (data map[string]any, ok bool, reason string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, "absent"
		}
		return nil, false, fmt.Sprintf("os_error: %v", err)
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, false, fmt.Sprintf("json_corrupt: %v", err)
	}
	return data, true, ""
}

// ReadJSON decodes path into v. A missing file returns (false, nil); a
// present file that fails to decode returns the decode error.
func ReadJSON(path string, v any) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

// SHA256File returns the hex SHA-256 of the file's bytes, streamed.
func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MoveAtomic moves src to dst, creating dst's parent directory first.
// Rename is the claim primitive; when it fails with EXDEV (cross-device
// link, common with bind mounts) the move falls back to copy + remove.
func MoveAtomic(src, dst string) error {
	if err := EnsureDir(filepath.Dir(dst)); err != nil {
		return err
	}
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) || errno != syscall.EXDEV {
		return err
	}
	if err := CopyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// CopyFile copies src to dst preserving permissions.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
