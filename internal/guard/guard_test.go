package guard

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
}

func TestCheckInputSize(t *testing.T) {
	dir := t.TempDir()

	small := filepath.Join(dir, "small.cbz")
	writeFile(t, small, bytes.Repeat([]byte{0}, 1024*1024))
	if !CheckInputSize(small, 500) {
		t.Error("1 MiB file under a 500 MB cap must pass")
	}

	// Exactly at the cap is accepted, one byte over is rejected.
	exact := filepath.Join(dir, "exact.cbz")
	writeFile(t, exact, bytes.Repeat([]byte{0}, 2*1024*1024))
	if !CheckInputSize(exact, 2) {
		t.Error("file exactly at the cap must pass")
	}
	over := filepath.Join(dir, "over.cbz")
	writeFile(t, over, bytes.Repeat([]byte{0}, 2*1024*1024+1))
	if CheckInputSize(over, 2) {
		t.Error("file one byte over the cap must fail")
	}

	if CheckInputSize(filepath.Join(dir, "absent.cbz"), 500) {
		t.Error("missing file must fail")
	}
}

func TestCheckFileSignature(t *testing.T) {
	dir := t.TempDir()

	cases := []struct {
		name string
		data []byte
		want bool
	}{
		{"zip.cbz", append([]byte{0x50, 0x4B, 0x03, 0x04}, bytes.Repeat([]byte{0}, 100)...), true},
		{"rar4.cbr", append([]byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x00}, bytes.Repeat([]byte{0}, 100)...), true},
		{"rar5.cbr", append([]byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x01, 0x00}, bytes.Repeat([]byte{0}, 100)...), true},
		{"text.cbz", []byte("This is not a zip file!\n"), false},
		{"pdf.cbz", []byte("%PDF-1.4\nsome pdf content here"), false},
		{"empty.cbz", nil, false},
	}
	for _, c := range cases {
		path := filepath.Join(dir, c.name)
		writeFile(t, path, c.data)
		if got := CheckFileSignature(path); got != c.want {
			t.Errorf("CheckFileSignature(%s) = %v, want %v", c.name, got, c.want)
		}
	}

	if CheckFileSignature(filepath.Join(dir, "absent.cbz")) {
		t.Error("missing file must fail")
	}
}

func TestCheckDiskSpace(t *testing.T) {
	dir := t.TempDir()

	// Real probe: one byte with factor 2 always fits.
	if !CheckDiskSpace(dir, 1, 2.0) {
		t.Error("tiny requirement must pass against the real filesystem")
	}

	orig := diskFree
	defer func() { diskFree = orig }()

	diskFree = func(string) (uint64, error) { return 100, nil }
	if CheckDiskSpace(dir, 1000, 2.0) {
		t.Error("100 bytes free cannot hold 1000×2")
	}

	// A probe failure fails open.
	diskFree = func(string) (uint64, error) { return 0, errors.New("disk error") }
	if !CheckDiskSpace(dir, 1000, 2.0) {
		t.Error("probe failure must admit the file")
	}
}

func TestValidatePDF(t *testing.T) {
	dir := t.TempDir()

	ok := filepath.Join(dir, "ok.pdf")
	writeFile(t, ok, append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte{'x'}, 2048)...))
	if !ValidatePDF(ok, 512) {
		t.Error("valid header and size must pass")
	}

	badHeader := filepath.Join(dir, "bad.pdf")
	writeFile(t, badHeader, append([]byte("NOTPDF\n"), bytes.Repeat([]byte{'x'}, 2048)...))
	if ValidatePDF(badHeader, 512) {
		t.Error("wrong header must fail")
	}

	tiny := filepath.Join(dir, "tiny.pdf")
	writeFile(t, tiny, []byte("%PDF-1.4\nxxxxxxxxxx"))
	if ValidatePDF(tiny, 1024) {
		t.Error("undersized PDF must fail")
	}

	empty := filepath.Join(dir, "empty.pdf")
	writeFile(t, empty, nil)
	if ValidatePDF(empty, 1) {
		t.Error("empty file must fail")
	}

	if ValidatePDF(filepath.Join(dir, "absent.pdf"), 1) {
		t.Error("missing file must fail")
	}
}
