// Package audit keeps a tamper-evident record of destructive device
// operations. Each JSONL record carries the SHA-256 of its predecessor.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/devrestore/internal/logging"
)

var log = logging.L("audit")

const fileName = "audit.jsonl"

const genesisHash = "genesis"

// Event types for audit logging.
const (
	EventRestoreStarted         = "restore_started"
	EventRestoreFinished        = "restore_finished"
	EventRestoreCancelRequested = "restore_cancel_requested"
	EventRecoveryExit           = "recovery_exit"
	EventServiceStart           = "service_start"
	EventServiceStop            = "service_stop"
	EventLogRotated             = "log_rotated"
)

// criticalEvents are fsynced after writing.
var criticalEvents = map[string]bool{
	EventRestoreStarted:  true,
	EventRestoreFinished: true,
	EventRecoveryExit:    true,
}

// ErrChainBroken is returned by Verify when a record does not link to its predecessor.
var ErrChainBroken = errors.New("audit hash chain broken")

// Entry is a single audit log record.
type Entry struct {
	Timestamp   string         `json:"timestamp"`
	EventType   string         `json:"eventType"`
	OperationID string         `json:"operationId,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	PrevHash    string         `json:"prevHash"`
	EntryHash   string         `json:"entryHash"`
}

// Logger writes audit records. A nil *Logger is valid and discards everything,
// which is how a disabled audit trail is represented.
type Logger struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	maxSize    int64
	maxBackups int
	written    int64
	prevHash   string
	dropped    atomic.Int64
}

// NewLogger opens {dataDir}/audit.jsonl for appending. When the file already
// holds records the chain continues from the last one.
func NewLogger(dataDir string, maxSizeMB, maxBackups int) (*Logger, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create audit data dir: %w", err)
	}

	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}

	l := &Logger{
		filePath:   filepath.Join(dataDir, fileName),
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		prevHash:   genesisHash,
	}

	if last, err := lastHash(l.filePath); err != nil {
		log.Warn("could not resume audit chain, starting a new one", "path", l.filePath, "error", err)
	} else if last != "" {
		l.prevHash = last
	}

	if err := l.openFile(); err != nil {
		return nil, err
	}

	log.Info("audit logger started", "path", l.filePath)
	return l, nil
}

// Path returns the active audit file, or "" for a nil logger.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.filePath
}

// Log appends one record. The chain only advances after a successful write.
func (l *Logger) Log(eventType, operationID string, details map[string]any) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		EventType:   eventType,
		OperationID: operationID,
		Details:     details,
		PrevHash:    l.prevHash,
	}
	if err := l.writeLocked(entry, criticalEvents[eventType], true); err != nil {
		log.Error("failed to write audit entry", logging.KeyError, err, "eventType", eventType)
		l.dropped.Add(1)
	}
}

func (l *Logger) writeLocked(entry Entry, fsync, allowRotate bool) error {
	hash, err := computeHash(entry)
	if err != nil {
		return err
	}
	entry.EntryHash = hash

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	data = append(data, '\n')

	if allowRotate && l.written > 0 && l.written+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate: %w", err)
		}
		// The sentinel moved the chain; relink and rehash.
		entry.PrevHash = l.prevHash
		return l.writeLocked(entry, fsync, false)
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	l.written += int64(n)
	l.prevHash = entry.EntryHash

	if fsync {
		if err := l.file.Sync(); err != nil {
			log.Warn("audit fsync failed", logging.KeyError, err)
		}
	}
	return nil
}

// Close flushes and closes the audit file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// DroppedCount returns the number of records that failed to write, or -1 for
// a nil logger.
func (l *Logger) DroppedCount() int64 {
	if l == nil {
		return -1
	}
	return l.dropped.Load()
}

// computeHash length-prefixes every field so no two field combinations
// serialize to the same byte stream.
func computeHash(entry Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{entry.Timestamp, entry.EventType, entry.OperationID, entry.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if entry.Details != nil {
		detailBytes, err := json.Marshal(entry.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(detailBytes))
		h.Write(detailBytes)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *Logger) openFile() error {
	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}

	l.file = f
	l.written = info.Size()
	return nil
}

// rotate shifts backups (.2 → .3, .1 → .2, current → .1) and starts the new
// file with a sentinel that links back to the old file's last record.
func (l *Logger) rotate() error {
	if l.file != nil {
		l.file.Close()
	}

	for i := l.maxBackups; i >= 2; i-- {
		src, dst := l.backupName(i-1), l.backupName(i)
		if i == l.maxBackups {
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				log.Warn("audit rotation: failed to remove oldest backup", "path", dst, logging.KeyError, err)
			}
		}
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			log.Warn("audit rotation: failed to rename backup", "src", src, "dst", dst, logging.KeyError, err)
		}
	}
	if err := os.Rename(l.filePath, l.backupName(1)); err != nil && !os.IsNotExist(err) {
		log.Warn("audit rotation: failed to rename current log", logging.KeyError, err)
	}

	if err := l.openFile(); err != nil {
		return err
	}

	sentinel := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: EventLogRotated,
		PrevHash:  l.prevHash,
		Details:   map[string]any{"previousFile": l.backupName(1)},
	}
	return l.writeLocked(sentinel, true, false)
}

func (l *Logger) backupName(index int) string {
	if index == 0 {
		return l.filePath
	}
	return fmt.Sprintf("%s.%d", l.filePath, index)
}

// lastHash returns the entryHash of the final record in path, or "" when the
// file is missing or empty.
func lastHash(path string) (string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()

	var last string
	err = scanEntries(f, func(e Entry) error {
		last = e.EntryHash
		return nil
	})
	return last, err
}

// Verify reads a single audit file and checks that every record hashes
// correctly and links to the record before it. It returns the number of
// records checked.
func Verify(r io.Reader) (int, error) {
	count := 0
	prev := ""
	err := scanEntries(r, func(e Entry) error {
		count++
		want, err := computeHash(e)
		if err != nil {
			return err
		}
		if want != e.EntryHash {
			return fmt.Errorf("record %d: %w: hash mismatch", count, ErrChainBroken)
		}
		if prev != "" && e.PrevHash != prev {
			return fmt.Errorf("record %d: %w: prevHash does not match", count, ErrChainBroken)
		}
		prev = e.EntryHash
		return nil
	})
	return count, err
}

func scanEntries(r io.Reader, fn func(Entry) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return sc.Err()
}
