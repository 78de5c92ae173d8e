package replay

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

var summaryHeader = []string{
	"topic", "status", "messages", "data_ticks", "status_messages", "responses",
	"first_received", "last_received", "last_values",
}

func (p *Processor) BadLines() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.badLines
}

// WriteCSV writes one summary row per topic to w.
func (p *Processor) WriteCSV(w io.Writer) error {
	writer := csv.NewWriter(w)

	if err := writer.Write(summaryHeader); err != nil {
		return err
	}
	for _, st := range p.Topics() {
		record := []string{
			st.Topic,
			st.Status,
			strconv.Itoa(st.Messages),
			strconv.Itoa(st.DataTicks),
			strconv.Itoa(st.StatusMessages),
			strconv.Itoa(st.Responses),
			formatTime(st.First),
			formatTime(st.Last),
			formatValues(st.LastValues),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// SaveCSV writes the summary to outputPath, creating parent directories.
func (p *Processor) SaveCSV(outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	file, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	if err := p.WriteCSV(file); err != nil {
		file.Close()
		return fmt.Errorf("write %s: %w", outputPath, err)
	}
	if err := file.Close(); err != nil {
		return err
	}

	p.logger.Info().Str("file", outputPath).Int("files", p.FilesProcessed()).Msg("summary written")
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// formatValues renders k=v pairs sorted by key, separated by semicolons.
func formatValues(values map[string]string) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+values[k])
	}
	return strings.Join(parts, ";")
}
