// Package requestlog records the intermediate stages of each scan and
// aggregation request.
package requestlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ahrav/go-guardrail/internal/ports"
)

const bufferSize = 1024

// Record is the on-disk form of one request log.
type Record struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Stages    []Stage   `json:"stages"`
}

// Stage is one logged stage.
type Stage struct {
	Stage     string          `json:"stage"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// FileSink writes each request log to <dir>/request_<id>.json.
// Stage data is encoded when logged, so callers may reuse their values;
// files are written by a background goroutine once the log is closed.
// Write failures are logged and dropped.
type FileSink struct {
	dir     string
	logger  *zap.Logger
	buffer  chan *Record
	done    chan struct{}
	flushed chan struct{}
	once    sync.Once

	// mu orders enqueues against Close: a record is either sent before
	// closed is set, and so drained, or rejected.
	mu     sync.RWMutex
	closed bool
}

var _ ports.StageSink = (*FileSink)(nil)

// NewFileSink creates dir if needed and starts the writer loop.
func NewFileSink(dir string, logger *zap.Logger) (*FileSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir %s: %w", dir, err)
	}

	s := &FileSink{
		dir:     dir,
		logger:  logger.Named("requestlog"),
		buffer:  make(chan *Record, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

// Begin implements ports.StageSink.
func (s *FileSink) Begin(requestID string) ports.StageLog {
	return &fileLog{
		sink: s,
		rec:  &Record{RequestID: requestID, Timestamp: time.Now().UTC(), Stages: []Stage{}},
	}
}

// Path returns the file a request's log is written to.
func (s *FileSink) Path(requestID string) string {
	return filepath.Join(s.dir, "request_"+filepath.Base(requestID)+".json")
}

// Close drains queued logs and stops the writer loop.
func (s *FileSink) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.done)
		s.mu.Unlock()
		<-s.flushed
	})
}

func (s *FileSink) enqueue(rec *Record) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.logger.Warn("request log closed, dropping record", zap.String("request_id", rec.RequestID))
		return
	}
	select {
	case s.buffer <- rec:
	default:
		s.logger.Warn("request log buffer full, dropping record",
			zap.String("request_id", rec.RequestID),
		)
	}
}

func (s *FileSink) writeLoop() {
	defer close(s.flushed)

	for {
		select {
		case rec := <-s.buffer:
			s.write(rec)
		case <-s.done:
			for {
				select {
				case rec := <-s.buffer:
					s.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (s *FileSink) write(rec *Record) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		s.logger.Error("failed to encode request log",
			zap.Error(ports.NewSinkError(rec.RequestID, "encode", err)))
		return
	}
	if err := os.WriteFile(s.Path(rec.RequestID), data, 0o644); err != nil {
		s.logger.Error("failed to write request log",
			zap.Error(ports.NewSinkError(rec.RequestID, "write", err)))
	}
}

type fileLog struct {
	sink *FileSink

	mu     sync.Mutex
	rec    *Record
	closed bool
}

func (l *fileLog) Log(stage string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		l.sink.logger.Warn("failed to encode stage",
			zap.String("stage", stage),
			zap.Error(ports.NewSinkError(l.rec.RequestID, "encode", err)))
		raw, _ = json.Marshal(map[string]string{"encode_error": err.Error()})
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.rec.Stages = append(l.rec.Stages, Stage{Stage: stage, Timestamp: time.Now().UTC(), Data: raw})
}

func (l *fileLog) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	rec := l.rec
	l.mu.Unlock()

	l.sink.enqueue(rec)
	return nil
}
