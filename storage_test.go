package mktdata

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// mockS3 records uploaded objects in memory.
type mockS3 struct {
	mu      sync.Mutex
	objects map[string]*s3.PutObjectInput
	data    map[string][]byte
	err     error
}

func newMockS3() *mockS3 {
	return &mockS3{objects: make(map[string]*s3.PutObjectInput), data: make(map[string][]byte)}
}

func (m *mockS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := aws.ToString(params.Key)
	m.objects[key] = params
	m.data[key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[key]
	return data, ok
}

func TestS3StorageUploadCapture(t *testing.T) {
	client := newMockS3()
	storage := NewS3StorageWithClient(client, "test-bucket", "prod")
	info := NewCaptureInfo("sess-1", time.Date(2024, time.March, 5, 12, 0, 0, 0, time.UTC))

	file := filepath.Join(t.TempDir(), "sess-1.jsonl.bz2")
	if err := os.WriteFile(file, []byte("payload"), 0644); err != nil {
		t.Fatal(err)
	}

	key, err := storage.UploadCapture(context.Background(), file, info, 42)
	if err != nil {
		t.Fatalf("UploadCapture failed: %v", err)
	}
	if key != "prod/CAPTURE/2024/Mar/05/sess-1.jsonl.bz2" {
		t.Errorf("Unexpected key %s", key)
	}
	data, ok := client.object(key)
	if !ok || string(data) != "payload" {
		t.Errorf("Expected uploaded payload, got %q (%v)", data, ok)
	}

	input := client.objects[key]
	if aws.ToString(input.Bucket) != "test-bucket" {
		t.Errorf("Expected bucket test-bucket, got %s", aws.ToString(input.Bucket))
	}
	if aws.ToString(input.ContentType) != "application/x-bzip2" {
		t.Errorf("Expected bzip2 content type, got %s", aws.ToString(input.ContentType))
	}
	if input.Metadata["session-id"] != "sess-1" || input.Metadata["events"] != "42" {
		t.Errorf("Unexpected metadata %v", input.Metadata)
	}
}

func TestCaptureContentType(t *testing.T) {
	if got := captureContentType("a/sess.jsonl"); got != "application/x-ndjson" {
		t.Errorf("plain capture: got %s", got)
	}
	if got := captureContentType("a/sess.jsonl.bz2"); got != "application/x-bzip2" {
		t.Errorf("compressed capture: got %s", got)
	}
}

func TestS3StorageUploadCaptureErrors(t *testing.T) {
	client := newMockS3()
	storage := NewS3StorageWithClient(client, "test-bucket", "")
	info := NewCaptureInfo("sess-1", time.Now())

	if _, err := storage.UploadCapture(context.Background(), filepath.Join(t.TempDir(), "missing"), info, 0); err == nil {
		t.Error("Expected error for a missing file")
	}

	file := filepath.Join(t.TempDir(), "sess-1.jsonl.bz2")
	if err := os.WriteFile(file, []byte("payload"), 0644); err != nil {
		t.Fatal(err)
	}
	client.err = errors.New("access denied")
	key, err := storage.UploadCapture(context.Background(), file, info, 0)
	if err == nil || !errors.Is(err, client.err) {
		t.Errorf("Expected wrapped access denied, got %v", err)
	}
	if key == "" {
		t.Error("Expected the attempted key on failure")
	}
}

func TestNewS3StorageRequiresBucket(t *testing.T) {
	if _, err := NewS3Storage(context.Background(), "", ""); err == nil {
		t.Error("Expected error without a bucket")
	}
}

func TestBuildS3Key(t *testing.T) {
	info := NewCaptureInfo("sess-1", time.Date(2024, time.March, 5, 12, 0, 0, 0, time.UTC))

	tests := []struct {
		basePath string
		want     string
	}{
		{"", "mktdata_captures/CAPTURE/2024/Mar/05/sess-1.jsonl.bz2"},
		{"prod", "prod/CAPTURE/2024/Mar/05/sess-1.jsonl.bz2"},
		{"prod/eu/", "prod/eu/CAPTURE/2024/Mar/05/sess-1.jsonl.bz2"},
	}
	for _, tt := range tests {
		storage := NewS3StorageWithClient(newMockS3(), "bucket", tt.basePath)
		if got := storage.BuildS3Key(info, "sess-1.jsonl.bz2"); got != tt.want {
			t.Errorf("BuildS3Key(base %q) = %s, want %s", tt.basePath, got, tt.want)
		}
	}
}

func TestParseS3URI(t *testing.T) {
	tests := []struct {
		uri        string
		wantBucket string
		wantKey    string
		wantErr    bool
	}{
		{"s3://bucket/prefix/CAPTURE/2024", "bucket", "prefix/CAPTURE/2024", false},
		{"s3://bucket/file.jsonl.bz2", "bucket", "file.jsonl.bz2", false},
		{"s3://bucket", "bucket", "", false},
		{"s3://bucket/", "bucket", "", false},
		{"s3:///key", "", "", true},
		{"/local/path", "", "", true},
	}
	for _, tt := range tests {
		bucket, key, err := ParseS3URI(tt.uri)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseS3URI(%q) expected error", tt.uri)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseS3URI(%q) unexpected error: %v", tt.uri, err)
			continue
		}
		if bucket != tt.wantBucket || key != tt.wantKey {
			t.Errorf("ParseS3URI(%q) = %q, %q; want %q, %q", tt.uri, bucket, key, tt.wantBucket, tt.wantKey)
		}
	}

	if !IsS3URI("s3://b/k") || IsS3URI("captures/file.jsonl") {
		t.Error("IsS3URI misclassified a path")
	}
}
