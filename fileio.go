package mktdata

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dsnet/compress/bzip2"
)

const (
	captureExt    = ".jsonl"
	compressedExt = ".bz2"
)

// FileManager owns the local directory that event captures are written to.
type FileManager struct {
	outputPath string
}

func NewFileManager(outputPath string) *FileManager {
	if outputPath == "" {
		outputPath = "captures"
	}
	return &FileManager{
		outputPath: outputPath,
	}
}

func (fm *FileManager) CreateCaptureWriter(name string) (*bufio.Writer, *os.File, error) {
	if err := os.MkdirAll(fm.outputPath, 0755); err != nil {
		return nil, nil, fmt.Errorf("create capture directory: %w", err)
	}

	file, err := os.Create(fm.CapturePath(name))
	if err != nil {
		return nil, nil, err
	}

	writer := bufio.NewWriter(file)
	return writer, file, nil
}

func (fm *FileManager) CapturePath(name string) string {
	return filepath.Join(fm.outputPath, name+captureExt)
}

func (fm *FileManager) CompressedPath(name string) string {
	return filepath.Join(fm.outputPath, name+captureExt+compressedExt)
}

func (fm *FileManager) CompressToBzip2(inputFile, outputFile string) error {
	input, err := os.Open(inputFile)
	if err != nil {
		return fmt.Errorf("open input file: %w", err)
	}
	defer input.Close()

	output, err := os.Create(outputFile)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer output.Close()

	bz2Writer, err := bzip2.NewWriter(output, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
	if err != nil {
		return fmt.Errorf("create bzip2 writer: %w", err)
	}

	if _, err := io.Copy(bz2Writer, input); err != nil {
		bz2Writer.Close()
		return fmt.Errorf("compress data: %w", err)
	}
	if err := bz2Writer.Close(); err != nil {
		return fmt.Errorf("finish bzip2 stream: %w", err)
	}

	return nil
}

func (fm *FileManager) CleanupFiles(files ...string) {
	for _, file := range files {
		_ = os.Remove(file)
	}
}

// OpenCapture opens a capture file, decompressing .bz2 files on the fly.
func OpenCapture(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	if !strings.HasSuffix(path, compressedExt) {
		return file, nil
	}
	return NewCaptureReader(file, true)
}

// NewCaptureReader wraps r, decompressing when compressed is set. Closing
// the result closes r.
func NewCaptureReader(r io.ReadCloser, compressed bool) (io.ReadCloser, error) {
	if !compressed {
		return r, nil
	}
	bz2Reader, err := bzip2.NewReader(r, nil)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("create bzip2 reader: %w", err)
	}
	return &captureReader{Reader: bz2Reader, bz: bz2Reader, under: r}, nil
}

type captureReader struct {
	io.Reader
	bz    *bzip2.Reader
	under io.Closer
}

func (c *captureReader) Close() error {
	bzErr := c.bz.Close()
	if err := c.under.Close(); err != nil {
		return err
	}
	return bzErr
}

// CaptureInfo identifies one recorded session.
type CaptureInfo struct {
	SessionID string
	Year      string
	Month     string
	Day       string
}

func NewCaptureInfo(sessionID string, started time.Time) *CaptureInfo {
	started = started.UTC()
	return &CaptureInfo{
		SessionID: sessionID,
		Year:      started.Format("2006"),
		Month:     started.Format("Jan"),
		Day:       started.Format("02"),
	}
}
