// Package store is the local fallback store used while the bus is unreachable.
//
// Layout under the base directory:
//
//	<base>/<CATEGORY>/        message files
//	<base>/<CATEGORY>-ACKS/   acknowledgment files
//	<base>/processed/         replayed files of every category
//
// The message and ack of one record are written as two independent files.
// A crash between the two writes leaves one without the other.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minasoft/hl7-gateway/internal/metrics"
)

const (
	// ProcessedDir is the shared archive folder name.
	ProcessedDir = "processed"
	// AckDirSuffix is appended to a category to form its ack folder name.
	AckDirSuffix = "-ACKS"

	fileExt = ".hl7"
)

type Store struct {
	base string
	now  func() time.Time
}

func New(base string) *Store {
	return &Store{
		base: filepath.Clean(base),
		now:  time.Now,
	}
}

// Base returns the base directory.
func (s *Store) Base() string {
	return s.base
}

// MessageDir returns the message folder of a category.
func (s *Store) MessageDir(category string) string {
	return filepath.Join(s.base, category)
}

// AckDir returns the ack folder of a category.
func (s *Store) AckDir(category string) string {
	return filepath.Join(s.base, category+AckDirSuffix)
}

// ArchiveDir returns the processed folder.
func (s *Store) ArchiveDir() string {
	return filepath.Join(s.base, ProcessedDir)
}

// FileName builds "<kind>_<unixmillis>_<id>.hl7". The id keeps names unique
// when several records are written within the same millisecond.
func FileName(kind Kind, id string, t time.Time) string {
	return fmt.Sprintf("%s_%d_%s%s", kind, t.UnixMilli(), id, fileExt)
}

// ParseFileName splits a name produced by FileName.
func ParseFileName(name string) (Kind, string, bool) {
	base := strings.TrimSuffix(name, fileExt)
	if base == name {
		return "", "", false
	}
	parts := strings.SplitN(base, "_", 3)
	if len(parts) != 3 || parts[2] == "" {
		return "", "", false
	}
	if _, err := strconv.ParseInt(parts[1], 10, 64); err != nil {
		return "", "", false
	}
	switch Kind(parts[0]) {
	case KindMessage, KindAck:
		return Kind(parts[0]), parts[2], true
	}
	return "", "", false
}

// Save writes the message and, when present, the ack of rec. The two writes
// are attempted independently; all failures are returned joined. A failure
// here has no further fallback and is logged as critical.
func (s *Store) Save(rec Record) error {
	if rec.Category == "" {
		return fmt.Errorf("kategori boş")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	var errs []error
	if len(rec.Message) > 0 {
		dir := s.MessageDir(rec.Category)
		if err := s.saveToFolder(dir, FileName(KindMessage, rec.ID, rec.CreatedAt), rec.Message); err != nil {
			errs = append(errs, err)
		}
	}
	if len(rec.Ack) > 0 {
		dir := s.AckDir(rec.Category)
		if err := s.saveToFolder(dir, FileName(KindAck, rec.ID, rec.CreatedAt), rec.Ack); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) saveToFolder(dir, name string, content []byte) error {
	folder := filepath.Base(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		metrics.FallbackWrites.WithLabelValues(folder, "error").Inc()
		slog.Error("KRİTİK: yerel depoya yazılamadı, VERİ KAYBI", "severity", "CRITICAL", "folder", dir, "error", err)
		return fmt.Errorf("dizin oluşturulamadı %s: %w", dir, err)
	}

	path := filepath.Join(dir, name)
	if err := writeFile(path, content); err != nil {
		metrics.FallbackWrites.WithLabelValues(folder, "error").Inc()
		slog.Error("KRİTİK: yerel depoya yazılamadı, VERİ KAYBI", "severity", "CRITICAL", "path", path, "error", err)
		return fmt.Errorf("dosya yazılamadı %s: %w", path, err)
	}

	metrics.FallbackWrites.WithLabelValues(folder, "ok").Inc()
	slog.Info("Yerel depoya kaydedildi", "path", path)
	return nil
}

func writeFile(path string, content []byte) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	if _, err = f.Write(content); err != nil {
		return err
	}
	return f.Sync()
}

// List returns the regular file names in dir, oldest first. A missing folder
// is not an error.
func (s *Store) List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("dizin okunamadı %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Read returns the contents of a stored file.
func (s *Store) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dosya okunamadı %s: %w", path, err)
	}
	return data, nil
}

// Archive moves a file into the processed folder. Files are never deleted;
// a name clash in the archive gets a unique suffix.
func (s *Store) Archive(path string) (string, error) {
	archive := s.ArchiveDir()
	if err := os.MkdirAll(archive, 0o755); err != nil {
		return "", fmt.Errorf("arşiv dizini oluşturulamadı %s: %w", archive, err)
	}

	target := filepath.Join(archive, filepath.Base(path))
	if _, err := os.Stat(target); err == nil {
		target = fmt.Sprintf("%s.%s", target, uuid.NewString()[:8])
	}

	if err := os.Rename(path, target); err != nil {
		return "", fmt.Errorf("dosya arşivlenemedi %s: %w", path, err)
	}
	return target, nil
}

// Folders reports every category folder with its pending file count.
func (s *Store) Folders() ([]FolderInfo, error) {
	entries, err := os.ReadDir(s.base)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("depo okunamadı %s: %w", s.base, err)
	}

	var folders []FolderInfo
	for _, e := range entries {
		if !e.IsDir() || e.Name() == ProcessedDir {
			continue
		}
		dir := filepath.Join(s.base, e.Name())
		names, err := s.List(dir)
		if err != nil {
			return nil, err
		}
		folders = append(folders, FolderInfo{Name: e.Name(), Path: dir, Pending: len(names)})
	}
	return folders, nil
}
