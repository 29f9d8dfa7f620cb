// Package journal appends every published game event to hourly
// zstd-compressed JSONL files, one directory per game.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"stockworks/internal/game"
)

type Writer struct {
	baseDir string
	log     *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	files map[string]*segment
}

type segment struct {
	hour string
	f    *os.File
	enc  *zstd.Encoder
	w    *bufio.Writer
}

func NewWriter(baseDir string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		baseDir: baseDir,
		log:     logger,
		now:     time.Now,
		files:   make(map[string]*segment),
	}
}

// Publish implements game.Notifier. Write failures are logged and dropped.
func (w *Writer) Publish(gameID string, ev game.Event) {
	if err := w.Append(gameID, ev); err != nil {
		w.log.Error("journal append failed", "game_id", gameID, "kind", ev.Kind, "err", err)
	}
}

func (w *Writer) Append(gameID string, ev game.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	seg := w.files[gameID]
	if seg == nil || seg.hour != hour {
		if seg != nil {
			if err := seg.close(); err != nil {
				w.log.Warn("journal segment close", "game_id", gameID, "err", err)
			}
		}
		seg, err = w.open(gameID, hour)
		if err != nil {
			delete(w.files, gameID)
			return err
		}
		w.files[gameID] = seg
	}
	if _, err := seg.w.Write(b); err != nil {
		return err
	}
	if err := seg.w.WriteByte('\n'); err != nil {
		return err
	}
	return seg.w.Flush()
}

func (w *Writer) open(gameID, hour string) (*segment, error) {
	path := w.pathFor(gameID, hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segment{hour: hour, f: f, enc: enc, w: bufio.NewWriterSize(enc, 64*1024)}, nil
}

func (w *Writer) pathFor(gameID, hour string) string {
	return filepath.Join(w.baseDir, gameID, fmt.Sprintf("events-%s.jsonl.zst", hour))
}

func (s *segment) close() error {
	_ = s.w.Flush()
	err := s.enc.Close()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var first error
	for id, seg := range w.files {
		if err := seg.close(); err != nil && first == nil {
			first = err
		}
		delete(w.files, id)
	}
	return first
}

// ReadAll decodes every event in a journal file, in write order. Files holding
// several concatenated zstd frames (one per process run) decode as one stream.
func ReadAll(path string) ([]game.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []game.Event
	jd := json.NewDecoder(dec)
	for {
		var ev game.Event
		if err := jd.Decode(&ev); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, err
		}
		out = append(out, ev)
	}
}
