package n2k

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// JSONLSink appends decoded messages as one JSON object per line to a
// file. Safe for concurrent Write calls from multiple dispatch goroutines.
type JSONLSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewJSONLSink opens (creating if needed) path in append mode.
func NewJSONLSink(path string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("jsonl sink: %w", err)
	}
	return &JSONLSink{file: f}, nil
}

// Write appends one JSON-encoded line for msg.
func (s *JSONLSink) Write(msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("jsonl sink: marshal: %w", err)
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.file.Write(b)
	return err
}

func (s *JSONLSink) Close() error {
	return s.file.Close()
}
