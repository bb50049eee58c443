package journal

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"crypto-futures-trader/internal/model"
)

// CSVJournal 每个事件追加一行到 CSV 文件；文件不存在时写入表头
type CSVJournal struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

func NewCSVJournal(path string) (*CSVJournal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	return &CSVJournal{path: path, now: time.Now}, nil
}

func (j *CSVJournal) Append(_ context.Context, e model.TradeLogEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat journal: %w", err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(Header); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	if err := w.Write(Record(e)); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	w.Flush()
	return w.Error()
}

func (j *CSVJournal) Recent(_ context.Context, symbol string) ([]model.TradeLogEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	cutoff := j.now().Add(-Window)
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var out []model.TradeLogEntry
	for line := 1; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, fmt.Errorf("read journal line %d: %w", line, err)
		}
		if line == 1 && len(rec) > 0 && rec[0] == Header[0] {
			continue
		}
		e, err := ParseRecord(rec, time.Local)
		if err != nil {
			// 损坏的行跳过，不影响其他记录
			continue
		}
		if e.Timestamp.Before(cutoff) || (symbol != "" && e.Symbol != symbol) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (j *CSVJournal) Close() error { return nil }
