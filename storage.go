package mktdata

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const defaultS3BasePath = "mktdata_captures"

// S3API is the subset of the S3 client used to upload captures.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Storage uploads finished captures to a bucket.
type S3Storage struct {
	client   S3API
	bucket   string
	basePath string
}

func NewS3Storage(ctx context.Context, bucket, basePath string) (*S3Storage, error) {
	if bucket == "" {
		return nil, errors.New("S3_BUCKET not configured")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return NewS3StorageWithClient(s3.NewFromConfig(awsCfg), bucket, basePath), nil
}

func NewS3StorageWithClient(client S3API, bucket, basePath string) *S3Storage {
	return &S3Storage{
		client:   client,
		bucket:   bucket,
		basePath: basePath,
	}
}

// UploadCapture puts a compressed capture under its dated key and returns
// the key. The session id and event count travel as object metadata.
func (s *S3Storage) UploadCapture(ctx context.Context, filePath string, info *CaptureInfo, events int) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("open capture: %w", err)
	}
	defer file.Close()

	key := s.BuildS3Key(info, path.Base(filePath))
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String(captureContentType(filePath)),
		Metadata: map[string]string{
			"session-id": info.SessionID,
			"events":     strconv.Itoa(events),
		},
	})
	if err != nil {
		return key, fmt.Errorf("upload s3://%s/%s: %w", s.bucket, key, err)
	}
	return key, nil
}

func captureContentType(filePath string) string {
	if strings.HasSuffix(filePath, compressedExt) {
		return "application/x-bzip2"
	}
	return "application/x-ndjson"
}

// BuildS3Key lays captures out by UTC start day: <base>/CAPTURE/yyyy/Mon/dd/<file>.
func (s *S3Storage) BuildS3Key(info *CaptureInfo, filename string) string {
	basePath := s.basePath
	if basePath == "" {
		basePath = defaultS3BasePath
	}
	return path.Join(basePath, "CAPTURE", info.Year, info.Month, info.Day, filename)
}

// ParseS3URI splits s3://bucket/key. The key may be empty or a prefix.
func ParseS3URI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 uri: %q", uri)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("s3 uri has no bucket: %q", uri)
	}
	return bucket, key, nil
}

func IsS3URI(p string) bool {
	return strings.HasPrefix(p, "s3://")
}
