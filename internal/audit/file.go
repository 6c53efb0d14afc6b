// Package audit содержит приемники журнала аудита.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"iomt-ars/internal/metrics"
	"iomt-ars/internal/models"
)

// FileSink журнал в формате JSON lines, одна запись на строку
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewFileSink открывает файл журнала на дозапись
func NewFileSink(path string) (*FileSink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create audit dir: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &FileSink{file: file, path: path}, nil
}

// Record дописывает запись в журнал
func (s *FileSink) Record(_ context.Context, rec models.AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		metrics.AuditWrites.WithLabelValues("file", "error").Inc()
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Write(data); err != nil {
		metrics.AuditWrites.WithLabelValues("file", "error").Inc()
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	metrics.AuditWrites.WithLabelValues("file", "success").Inc()
	return nil
}

// History читает журнал и возвращает последние записи, новые первыми.
// Пустой deviceIP означает все устройства. Битые строки пропускаются.
func (s *FileSink) History(_ context.Context, deviceIP string, limit int) ([]models.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	var all []models.AuditRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec models.AuditRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if deviceIP != "" && rec.DeviceIP != deviceIP {
			continue
		}
		all = append(all, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}

	return newestFirst(all, limit), nil
}

// Close закрывает файл
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

func newestFirst(recs []models.AuditRecord, limit int) []models.AuditRecord {
	out := make([]models.AuditRecord, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, recs[i])
	}
	return out
}
