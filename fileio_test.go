package mktdata

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dsnet/compress/bzip2"
)

func TestFileManagerCreateCaptureWriter(t *testing.T) {
	tempDir := filepath.Join(t.TempDir(), "nested", "captures")

	fm := NewFileManager(tempDir)
	writer, file, err := fm.CreateCaptureWriter("session-1")
	if err != nil {
		t.Fatalf("Failed to create capture writer: %v", err)
	}
	defer file.Close()

	expectedPath := filepath.Join(tempDir, "session-1.jsonl")
	if fm.CapturePath("session-1") != expectedPath {
		t.Errorf("Expected capture path %s, got %s", expectedPath, fm.CapturePath("session-1"))
	}

	testData := "{\"eventType\":\"ADMIN\"}\n"
	writer.WriteString(testData)
	writer.Flush()

	content, err := os.ReadFile(expectedPath)
	if err != nil {
		t.Fatalf("Failed to read capture file: %v", err)
	}
	if string(content) != testData {
		t.Errorf("Expected '%s', got '%s'", testData, string(content))
	}
}

func TestFileManagerDefaultOutputPath(t *testing.T) {
	fm := NewFileManager("")
	if got := fm.CompressedPath("abc"); got != filepath.Join("captures", "abc.jsonl.bz2") {
		t.Errorf("Expected default captures directory, got %s", got)
	}
}

func TestCompressToBzip2(t *testing.T) {
	tempDir := t.TempDir()
	fm := NewFileManager(tempDir)

	inputFile := filepath.Join(tempDir, "input.jsonl")
	outputFile := filepath.Join(tempDir, "output.jsonl.bz2")
	testData := strings.Repeat("{\"eventType\":\"SUBSCRIPTION_DATA\"}\n", 100)

	if err := os.WriteFile(inputFile, []byte(testData), 0644); err != nil {
		t.Fatalf("Failed to create input file: %v", err)
	}
	if err := fm.CompressToBzip2(inputFile, outputFile); err != nil {
		t.Fatalf("Failed to compress file: %v", err)
	}

	compressed, err := os.Open(outputFile)
	if err != nil {
		t.Fatalf("Failed to open compressed file: %v", err)
	}
	defer compressed.Close()

	bz2Reader, err := bzip2.NewReader(compressed, nil)
	if err != nil {
		t.Fatalf("Failed to create bzip2 reader: %v", err)
	}
	defer bz2Reader.Close()

	decompressed, err := io.ReadAll(bz2Reader)
	if err != nil {
		t.Fatalf("Failed to decompress: %v", err)
	}
	if string(decompressed) != testData {
		t.Error("Decompressed data doesn't match original")
	}
}

func TestCompressToBzip2MissingInput(t *testing.T) {
	tempDir := t.TempDir()
	fm := NewFileManager(tempDir)
	err := fm.CompressToBzip2(filepath.Join(tempDir, "missing.jsonl"), filepath.Join(tempDir, "out.bz2"))
	if err == nil || !strings.Contains(err.Error(), "open input file") {
		t.Errorf("Expected open error, got %v", err)
	}
}

func TestOpenCapture(t *testing.T) {
	tempDir := t.TempDir()
	fm := NewFileManager(tempDir)
	testData := "{\"eventType\":\"RESPONSE\"}\n"

	plain := fm.CapturePath("s1")
	if err := os.WriteFile(plain, []byte(testData), 0644); err != nil {
		t.Fatal(err)
	}
	compressed := fm.CompressedPath("s1")
	if err := fm.CompressToBzip2(plain, compressed); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{plain, compressed} {
		r, err := OpenCapture(path)
		if err != nil {
			t.Fatalf("OpenCapture(%s): %v", path, err)
		}
		data, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if string(data) != testData {
			t.Errorf("OpenCapture(%s) = %q", path, data)
		}
	}

	if _, err := OpenCapture(filepath.Join(tempDir, "missing.jsonl")); err == nil {
		t.Error("Expected error for a missing capture")
	}
}

func TestNewCaptureReaderRejectsPlainData(t *testing.T) {
	r := io.NopCloser(strings.NewReader("not bzip2 data"))
	cr, err := NewCaptureReader(r, true)
	if err == nil {
		// dsnet validates the header lazily on first read.
		defer cr.Close()
		if _, err := io.ReadAll(cr); err == nil {
			t.Error("Expected an error decompressing plain data")
		}
	}
}

func TestCleanupFiles(t *testing.T) {
	tempDir := t.TempDir()
	fm := NewFileManager(tempDir)

	a := filepath.Join(tempDir, "a.jsonl")
	b := filepath.Join(tempDir, "b.jsonl.bz2")
	for _, f := range []string{a, b} {
		if err := os.WriteFile(f, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	fm.CleanupFiles(a, b, filepath.Join(tempDir, "never-existed"))
	for _, f := range []string{a, b} {
		if _, err := os.Stat(f); !os.IsNotExist(err) {
			t.Errorf("File %s should be removed", f)
		}
	}
}

func TestNewCaptureInfo(t *testing.T) {
	started := time.Date(2024, time.March, 5, 23, 30, 0, 0, time.FixedZone("AEST", 10*3600))
	info := NewCaptureInfo("abc", started)

	// 23:30 AEST is 13:30 UTC on the same day.
	if info.Year != "2024" || info.Month != "Mar" || info.Day != "05" {
		t.Errorf("Unexpected capture date %s/%s/%s", info.Year, info.Month, info.Day)
	}

	early := NewCaptureInfo("abc", time.Date(2024, time.March, 5, 5, 0, 0, 0, time.FixedZone("AEST", 10*3600)))
	if early.Day != "04" {
		t.Errorf("Expected the UTC day 04, got %s", early.Day)
	}
}
