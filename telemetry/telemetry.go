// Package telemetry provides tracing and the tool-call audit log.
package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// AuditLog records one event per tool call.
type AuditLog interface {
	LogEvent(name string, data map[string]interface{})
	Flush() error
	Close() error
}

// Event is one audit log line.
type Event struct {
	Name      string                 `json:"name"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewAuditLog returns a JSONL file log for path, or a no-op log when path is
// empty.
func NewAuditLog(path string) (AuditLog, error) {
	if path == "" {
		return NewNoopAuditLog(), nil
	}
	return NewFileAuditLog(path)
}

// FileAuditLog appends JSON lines to a file.
type FileAuditLog struct {
	file *os.File
	mu   sync.Mutex
	now  func() time.Time
}

// NewFileAuditLog opens path for appending, creating it if needed.
func NewFileAuditLog(path string) (*FileAuditLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &FileAuditLog{file: file, now: time.Now}, nil
}

func (e *FileAuditLog) LogEvent(name string, data map[string]interface{}) {
	line, err := json.Marshal(Event{
		Name:      name,
		Timestamp: e.now().UTC(),
		Data:      data,
	})
	if err != nil {
		return
	}
	line = append(line, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	e.file.Write(line)
}

func (e *FileAuditLog) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.file.Sync()
}

func (e *FileAuditLog) Close() error {
	e.Flush()
	return e.file.Close()
}

// NoopAuditLog discards all events.
type NoopAuditLog struct{}

// NewNoopAuditLog creates a new no-op audit log.
func NewNoopAuditLog() *NoopAuditLog {
	return &NoopAuditLog{}
}

func (NoopAuditLog) LogEvent(name string, data map[string]interface{}) {}
func (NoopAuditLog) Flush() error                                      { return nil }
func (NoopAuditLog) Close() error                                      { return nil }
