package replay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	mktdata "github.com/felixmccuaig/mktdata-go"
)

const maxLineBytes = 16 << 20

// S3Client is the subset of the S3 API replay reads captures through.
type S3Client interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// LoadS3Client builds a client from the default AWS configuration chain.
func LoadS3Client(ctx context.Context) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// TopicState accumulates what a capture says about one topic or request.
type TopicState struct {
	Topic          string
	Status         string
	Messages       int
	DataTicks      int
	StatusMessages int
	Responses      int
	First          time.Time
	Last           time.Time
	LastValues     map[string]string
}

// Processor replays capture files into per-topic summaries.
type Processor struct {
	FileLimit int
	Workers   int
	S3Client  S3Client

	logger         zerolog.Logger
	mu             sync.Mutex
	topics         map[string]*TopicState
	filesProcessed int
	badLines       int
}

func NewProcessor(fileLimit, workers int, logger zerolog.Logger) *Processor {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Processor{
		FileLimit: fileLimit,
		Workers:   workers,
		logger:    logger.With().Str("component", "replay").Logger(),
		topics:    make(map[string]*TopicState),
	}
}

// ProcessPath accepts a capture file, a directory of captures, or an
// s3:// object or prefix.
func (p *Processor) ProcessPath(ctx context.Context, inputPath string) error {
	if mktdata.IsS3URI(inputPath) {
		return p.processS3Path(ctx, inputPath)
	}

	info, err := os.Stat(inputPath)
	if err != nil {
		return fmt.Errorf("path does not exist: %s", inputPath)
	}

	if info.IsDir() {
		return p.processDirectory(ctx, inputPath)
	}

	if isSupportedFile(inputPath) {
		return p.ProcessFile(ctx, inputPath)
	}

	p.logger.Warn().Str("path", inputPath).Msg("skipping unsupported file type")
	return nil
}

func (p *Processor) ProcessFile(ctx context.Context, filePath string) error {
	if p.limitReached() {
		p.logger.Info().Int("limit", p.FileLimit).Str("file", filePath).Msg("file limit reached; skipping")
		return nil
	}

	if mktdata.IsS3URI(filePath) {
		return p.processS3File(ctx, filePath)
	}

	reader, err := mktdata.OpenCapture(filePath)
	if err != nil {
		return err
	}
	defer reader.Close()

	return p.ProcessReader(ctx, reader, filePath)
}

// ProcessReader folds every capture line of r into the topic states.
func (p *Processor) ProcessReader(ctx context.Context, r io.Reader, sourceName string) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	lineCount := 0
	bad := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		lineCount++

		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		rec, err := mktdata.DecodeCaptureLine(line)
		if err != nil {
			bad++
			continue
		}
		p.apply(rec)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", sourceName, err)
	}

	p.mu.Lock()
	p.filesProcessed++
	p.badLines += bad
	p.mu.Unlock()

	p.logger.Info().Str("source", sourceName).Int("lines", lineCount).Int("bad_lines", bad).Msg("capture processed")
	return nil
}

func (p *Processor) apply(rec mktdata.CaptureRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, msg := range rec.Messages {
		key := topicKey(msg)
		if key == "" {
			continue
		}
		state, ok := p.topics[key]
		if !ok {
			state = &TopicState{Topic: key, First: rec.Received, LastValues: make(map[string]string)}
			p.topics[key] = state
		}
		state.Messages++
		if rec.Received.After(state.Last) {
			state.Last = rec.Received
		}

		switch rec.Type {
		case mktdata.EventSubscriptionData:
			state.DataTicks++
			for _, f := range msg.Body.Fields() {
				if f.IsNull() || !f.Type.IsScalar() {
					continue
				}
				state.LastValues[f.Name] = mktdata.FormatValue(f)
			}
		case mktdata.EventSubscriptionStatus, mktdata.EventRequestStatus:
			state.StatusMessages++
			state.Status = msg.Type
		case mktdata.EventResponse, mktdata.EventPartialResponse:
			state.Responses++
			if rec.Type == mktdata.EventResponse {
				state.Status = "Response"
			}
		}
	}
}

// topicKey names a message's summary row. Uncorrelated administrative
// messages have no row.
func topicKey(msg mktdata.Message) string {
	if msg.Topic != "" {
		return msg.Topic
	}
	if cid := msg.CorrelationID(); cid != 0 {
		return fmt.Sprintf("cid:%d", cid)
	}
	return ""
}

func (p *Processor) limitReached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.FileLimit > 0 && p.filesProcessed >= p.FileLimit
}

func (p *Processor) FilesProcessed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.filesProcessed
}

// Topics returns a snapshot of the states sorted by topic.
func (p *Processor) Topics() []TopicState {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]TopicState, 0, len(p.topics))
	for _, st := range p.topics {
		cp := *st
		cp.LastValues = make(map[string]string, len(st.LastValues))
		for k, v := range st.LastValues {
			cp.LastValues[k] = v
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

func (p *Processor) processDirectory(ctx context.Context, dirPath string) error {
	var supportedFiles []string

	err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && isSupportedFile(path) {
			supportedFiles = append(supportedFiles, path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	sort.Strings(supportedFiles)

	if len(supportedFiles) == 0 {
		p.logger.Warn().Str("dir", dirPath).Msg("no supported files found")
		return nil
	}

	return p.processFilesParallel(ctx, supportedFiles)
}

func (p *Processor) processFilesParallel(ctx context.Context, filePaths []string) error {
	filesToProcess := filePaths
	if p.FileLimit > 0 && len(filePaths) > p.FileLimit {
		filesToProcess = filePaths[:p.FileLimit]
	}

	filesCh := make(chan string, len(filesToProcess))
	for _, filePath := range filesToProcess {
		filesCh <- filePath
	}
	close(filesCh)

	errorsCh := make(chan error, len(filesToProcess))
	var wg sync.WaitGroup
	for i := 0; i < p.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for filePath := range filesCh {
				if err := p.ProcessFile(ctx, filePath); err != nil {
					p.logger.Error().Err(err).Str("file", filePath).Msg("error processing file")
					errorsCh <- fmt.Errorf("%s: %w", filePath, err)
				}
			}
		}()
	}

	wg.Wait()
	close(errorsCh)

	var errs []error
	for err := range errorsCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *Processor) processS3File(ctx context.Context, s3Path string) error {
	if p.S3Client == nil {
		return errors.New("S3 client not initialized")
	}

	bucket, key, err := mktdata.ParseS3URI(s3Path)
	if err != nil {
		return err
	}

	result, err := p.S3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("get S3 object %s: %w", s3Path, err)
	}

	reader, err := mktdata.NewCaptureReader(result.Body, strings.HasSuffix(key, ".bz2"))
	if err != nil {
		return err
	}
	defer reader.Close()

	return p.ProcessReader(ctx, reader, s3Path)
}

// processS3Path handles an object key or a "directory" prefix.
func (p *Processor) processS3Path(ctx context.Context, s3Path string) error {
	if p.S3Client == nil {
		return errors.New("S3 client not initialized")
	}

	bucket, prefix, err := mktdata.ParseS3URI(s3Path)
	if err != nil {
		return err
	}
	if isSupportedFile(prefix) {
		return p.ProcessFile(ctx, s3Path)
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var supportedFiles []string
	paginator := s3.NewListObjectsV2Paginator(p.S3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list S3 objects: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil || strings.HasSuffix(*obj.Key, "/") {
				continue
			}
			if isSupportedFile(*obj.Key) {
				supportedFiles = append(supportedFiles, fmt.Sprintf("s3://%s/%s", bucket, *obj.Key))
			}
		}
	}

	if len(supportedFiles) == 0 {
		p.logger.Warn().Str("prefix", s3Path).Msg("no supported files found")
		return nil
	}

	p.logger.Info().Int("files", len(supportedFiles)).Str("prefix", s3Path).Msg("processing S3 captures")
	return p.processFilesParallel(ctx, supportedFiles)
}

func isSupportedFile(filePath string) bool {
	if strings.HasPrefix(filepath.Base(filePath), ".") {
		return false
	}
	ext := filepath.Ext(filePath)
	return ext == ".bz2" || ext == ".jsonl" || ext == ".json"
}
