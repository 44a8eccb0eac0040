package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// rw-r--r--
	FileModeReadOnly fs.FileMode = 0644
	// rwxr-xr-x (目錄)
	FileModeDir fs.FileMode = 0755
)

// maxLine 單行上限，超過視為檔案損壞
const maxLine = 1 << 20

// Record 檔案中的一行
type Record struct {
	Seq  uint64          `json:"seq"`
	Kind string          `json:"kind"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Kinded 自帶紀錄種類的型別，Write 會用它當 Record.Kind
type Kinded interface {
	JournalKind() string
}

type Option func(*WAL)

// WithMaxBytes 目前檔案超過 n bytes 時輪替為 path.1，0 代表不輪替
func WithMaxBytes(n int64) Option {
	return func(w *WAL) {
		w.maxBytes = n
	}
}

// WithBackups 輪替時保留的舊檔數量 (path.1 最新 ... path.n 最舊)
func WithBackups(n int) Option {
	return func(w *WAL) {
		if n > 0 {
			w.backups = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *WAL) {
		w.now = now
	}
}

// WAL append-only 的 JSON lines 檔案，每行一個 Record
// 對帳發現的不一致會寫在這裡，人工處理前不會被覆寫 (輪替只搬移，超過保留數量才丟棄最舊的)
type WAL struct {
	path     string
	maxBytes int64
	backups  int
	now      func() time.Time

	mu   sync.Mutex
	file *os.File
	size int64
	seq  uint64
}

// NewWAL 開啟或建立檔案 (O_APPEND)，上層目錄不存在時一併建立
// 會掃過既有的檔案接續 Seq
func NewWAL(path string, opts ...Option) (*WAL, error) {
	w := &WAL{
		path:    path,
		backups: 1,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, FileModeDir); err != nil {
			return nil, fmt.Errorf("wal dir: %w", err)
		}
	}
	if err := w.replay(func(r Record) error {
		w.seq = max(w.seq, r.Seq)
		return nil
	}); err != nil {
		return nil, err
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WAL) open() error {
	file, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, FileModeReadOnly)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return err
	}
	w.file = file
	w.size = info.Size()
	return nil
}

// Write 以 Kinded 或 Go 型別名稱當種類寫入
func (w *WAL) Write(v any) error {
	kind := fmt.Sprintf("%T", v)
	if k, ok := v.(Kinded); ok {
		kind = k.JournalKind()
	}
	_, err := w.Append(kind, v)
	return err
}

// Append 寫入一筆並 fsync，回傳實際寫入的 Record
func (w *WAL) Append(kind string, v any) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("wal encode %s: %w", kind, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return Record{}, os.ErrClosed
	}

	rec := Record{Seq: w.seq + 1, Kind: kind, At: w.now().UTC(), Data: data}
	line, err := json.Marshal(rec)
	if err != nil {
		return Record{}, err
	}
	line = append(line, '\n')

	if w.maxBytes > 0 && w.size > 0 && w.size+int64(len(line)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return Record{}, fmt.Errorf("wal rotate: %w", err)
		}
	}
	n, err := w.file.Write(line)
	w.size += int64(n)
	if err != nil {
		return Record{}, err
	}
	if err := w.file.Sync(); err != nil {
		return Record{}, err
	}
	w.seq = rec.Seq
	return rec, nil
}

// rotate path -> path.1 -> ... -> path.backups，最舊的被覆蓋
func (w *WAL) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil
	for i := w.backups - 1; i >= 1; i-- {
		err := os.Rename(backupPath(w.path, i), backupPath(w.path, i+1))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if err := os.Rename(w.path, backupPath(w.path, 1)); err != nil {
		return err
	}
	return w.open()
}

func backupPath(path string, i int) string {
	return fmt.Sprintf("%s.%d", path, i)
}

// Size 目前檔案大小 (不含輪替出去的舊檔)
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Replay 由舊到新逐筆讀取 (含輪替出去的舊檔)，fn 回傳錯誤時中止
func (w *WAL) Replay(fn func(Record) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.replay(fn)
}

func (w *WAL) replay(fn func(Record) error) error {
	paths := make([]string, 0, w.backups+1)
	for i := w.backups; i >= 1; i-- {
		paths = append(paths, backupPath(w.path, i))
	}
	paths = append(paths, w.path)
	for _, p := range paths {
		if err := replayFile(p, fn); err != nil {
			return err
		}
	}
	return nil
}

func replayFile(path string, fn func(Record) error) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return fmt.Errorf("%s line %d: %w", path, line, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return sc.Err()
}
