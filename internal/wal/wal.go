// Package wal implements the append-only durability log. Every record is
// fsynced before the write returns; replay hands records back in offset
// order so recovery is deterministic.
package wal

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RecordType enumerates the durable record kinds.
type RecordType string

const (
	RecordStateChanged       RecordType = "STATE_CHANGED"
	RecordOrderIntent        RecordType = "ORDER_INTENT"
	RecordOrderIntentAborted RecordType = "ORDER_INTENT_ABORTED"
	RecordOrderResult        RecordType = "ORDER_RESULT"
	RecordCancelIntent       RecordType = "CANCEL_INTENT"
	RecordCancelResult       RecordType = "CANCEL_RESULT"
)

// Record is one durable log entry. Offset is assigned at append time and is
// the replay order.
type Record struct {
	Offset    int64           `json:"offset"`
	Type      RecordType      `json:"type"`
	TsUnixMs  int64           `json:"ts_unix_ms"`
	OrderID   string          `json:"order_id,omitempty"`
	MarketID  string          `json:"market_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Checksum  string          `json:"checksum"`
}

// Log is a single-writer append-only file. The mutex serializes appends;
// reads for replay open their own handle.
type Log struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	offset int64
}

// Open creates or opens the log and positions the append offset after the
// last complete record.
func Open(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create wal dir: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}

	l := &Log{path: path, file: f}

	records, err := readAll(path)
	if err != nil {
		f.Close()
		return nil, err
	}
	if n := len(records); n > 0 {
		l.offset = records[n-1].Offset + 1
	}

	log.Info().Str("path", path).Int64("next_offset", l.offset).Msg("WAL opened")
	return l, nil
}

// Append durably writes one record. The fsync happens before return; a
// failed write or sync is a fatal durability error for the caller.
func (l *Log) Append(recordType RecordType, orderID, marketID string, payload any) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Record{}, fmt.Errorf("marshal wal payload: %w", err)
		}
		raw = data
	}

	rec := Record{
		Offset:   l.offset,
		Type:     recordType,
		TsUnixMs: time.Now().UnixMilli(),
		OrderID:  orderID,
		MarketID: marketID,
		Payload:  raw,
	}
	rec.Checksum = checksum(rec)

	line, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("marshal wal record: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return Record{}, fmt.Errorf("wal write: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return Record{}, fmt.Errorf("wal fsync: %w", err)
	}

	l.offset++
	return rec, nil
}

// Replay yields every complete record in offset order.
func (l *Log) Replay() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return readAll(l.path)
}

// Close releases the file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

func readAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open wal for replay: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			// A torn final line from a crash mid-append is tolerated; a torn
			// line in the middle of the file is corruption.
			if scanner.Scan() {
				return nil, fmt.Errorf("wal corrupt at line %d: %w", lineNo, err)
			}
			log.Warn().Int("line", lineNo).Msg("WAL tail record incomplete, dropped")
			break
		}
		if checksum(rec) != rec.Checksum {
			return nil, fmt.Errorf("wal checksum mismatch at offset %d", rec.Offset)
		}
		if n := len(records); n > 0 && rec.Offset != records[n-1].Offset+1 {
			return nil, fmt.Errorf("wal offset gap: %d after %d", rec.Offset, records[n-1].Offset)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan wal: %w", err)
	}
	return records, nil
}

func checksum(rec Record) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%d|%s|%s|", rec.Offset, rec.Type, rec.TsUnixMs, rec.OrderID, rec.MarketID)
	h.Write(rec.Payload)
	return hex.EncodeToString(h.Sum(nil))
}
