package mktdata

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CaptureRecord is one line of a capture file.
type CaptureRecord struct {
	Received time.Time `json:"received"`
	Event
}

// DecodeCaptureLine parses one capture line.
func DecodeCaptureLine(line []byte) (CaptureRecord, error) {
	var rec CaptureRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return CaptureRecord{}, &ProtocolError{Op: "capture", Err: err}
	}
	return rec, nil
}

// Recorder appends every observed event to a capture file named after the
// session. Close compresses the capture and uploads it when storage is set.
type Recorder struct {
	logger  zerolog.Logger
	files   *FileManager
	storage *S3Storage
	info    *CaptureInfo
	now     func() time.Time

	mu     sync.Mutex
	writer *bufio.Writer
	file   *os.File
	events int
	closed bool
}

// NewRecorder opens <path>/<sessionID>.jsonl. storage may be nil.
func NewRecorder(files *FileManager, storage *S3Storage, sessionID string, logger zerolog.Logger) (*Recorder, error) {
	writer, file, err := files.CreateCaptureWriter(sessionID)
	if err != nil {
		return nil, fmt.Errorf("open capture for session %s: %w", sessionID, err)
	}
	return &Recorder{
		logger:  logger.With().Str("component", "recorder").Str("capture", sessionID).Logger(),
		files:   files,
		storage: storage,
		info:    NewCaptureInfo(sessionID, time.Now()),
		now:     time.Now,
		writer:  writer,
		file:    file,
	}, nil
}

// Observe implements EventObserver.
func (r *Recorder) Observe(ev Event) error {
	payload, err := json.Marshal(CaptureRecord{Received: r.now().UTC(), Event: ev})
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRecorderClosed
	}
	if _, err := r.writer.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write capture: %w", err)
	}
	if err := r.writer.Flush(); err != nil {
		return fmt.Errorf("flush capture: %w", err)
	}
	r.events++
	return nil
}

func (r *Recorder) Events() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events
}

// Close finishes the capture. With storage configured the compressed file
// is uploaded and local copies removed; otherwise both stay on disk.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	flushErr := r.writer.Flush()
	closeErr := r.file.Close()
	events := r.events
	r.mu.Unlock()

	if err := errors.Join(flushErr, closeErr); err != nil {
		return fmt.Errorf("close capture: %w", err)
	}

	name := r.info.SessionID
	inputFile := r.files.CapturePath(name)
	compressedFile := r.files.CompressedPath(name)

	if err := r.files.CompressToBzip2(inputFile, compressedFile); err != nil {
		return fmt.Errorf("compress capture: %w", err)
	}
	r.logger.Info().Int("events", events).Str("file", compressedFile).Msg("compressed capture")

	if r.storage == nil {
		return nil
	}

	s3Key, err := r.storage.UploadCapture(ctx, compressedFile, r.info, events)
	if err != nil {
		r.logger.Error().Err(err).Str("s3_key", s3Key).Msg("failed to upload capture to S3")
		return err
	}
	r.logger.Info().Str("s3_key", s3Key).Msg("uploaded capture to S3")
	r.files.CleanupFiles(inputFile, compressedFile)
	return nil
}
