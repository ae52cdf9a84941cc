// Package registry persists device registrations to a JSON file or SQLite.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/couchcryptid/eews-aggregator/internal/domain"
	"github.com/jonboulle/clockwork"
)

// fileDocument is the on-disk layout of the device list.
type fileDocument struct {
	Devices   []fileRecord `json:"devices"`
	UpdatedAt timestamp    `json:"updated_at"`
}

// fileRecord is one registration as stored in the document.
type fileRecord struct {
	DeviceID     string    `json:"device_id"`
	AuthSeed     string    `json:"auth_seed"`
	Latitude     *float64  `json:"latitude"`
	Longitude    *float64  `json:"longitude"`
	Location     string    `json:"location"`
	RegisteredAt timestamp `json:"registered_at"`
}

func recordFrom(reg domain.Registration) fileRecord {
	return fileRecord{
		DeviceID:     reg.DeviceID,
		AuthSeed:     reg.AuthSeed,
		Latitude:     reg.Latitude,
		Longitude:    reg.Longitude,
		Location:     reg.Location,
		RegisteredAt: timestamp{reg.RegisteredAt},
	}
}

func (r fileRecord) registration() domain.Registration {
	return domain.Registration{
		DeviceID:     r.DeviceID,
		AuthSeed:     r.AuthSeed,
		Latitude:     r.Latitude,
		Longitude:    r.Longitude,
		Location:     r.Location,
		RegisteredAt: r.RegisteredAt.Time,
	}
}

// naiveLayout matches timestamps written without a zone offset, as in
// 2025-03-14T09:30:00.123456. They are read in the local time zone.
const naiveLayout = "2006-01-02T15:04:05.999999999"

// timestamp decodes RFC 3339 values as well as zone-less ones. Empty
// strings and null decode to the zero time.
type timestamp struct {
	time.Time
}

func (t timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time)
}

func (t *timestamp) UnmarshalJSON(data []byte) error {
	var s *string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if s == nil || *s == "" {
		t.Time = time.Time{}
		return nil
	}
	if v, err := time.Parse(time.RFC3339Nano, *s); err == nil {
		t.Time = v
		return nil
	}
	v, err := time.ParseInLocation(naiveLayout, *s, time.Local)
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", *s, err)
	}
	t.Time = v
	return nil
}

// File stores registrations in a single JSON document. Writes replace the
// file atomically so concurrent readers never see a partial document.
type File struct {
	path  string
	clock clockwork.Clock
	mu    sync.Mutex // serializes read-modify-write cycles
}

// NewFile creates a file-backed registry. The file need not exist yet.
func NewFile(path string, clock clockwork.Clock) *File {
	return &File{path: path, clock: domain.ClockOrReal(clock)}
}

// List returns every registration. A missing file is an empty registry.
func (f *File) List(_ context.Context) ([]domain.Registration, error) {
	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	regs := make([]domain.Registration, len(doc.Devices))
	for i, r := range doc.Devices {
		regs[i] = r.registration()
	}
	return regs, nil
}

// Upsert replaces the registration with the same device id, or appends it.
func (f *File) Upsert(_ context.Context, reg domain.Registration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return err
	}

	replaced := false
	for i := range doc.Devices {
		if doc.Devices[i].DeviceID == reg.DeviceID {
			doc.Devices[i] = recordFrom(reg)
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Devices = append(doc.Devices, recordFrom(reg))
	}
	doc.UpdatedAt = timestamp{f.clock.Now()}

	return f.write(doc)
}

func (f *File) read() (fileDocument, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return fileDocument{Devices: []fileRecord{}}, nil
	}
	if err != nil {
		return fileDocument{}, fmt.Errorf("read device registry: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fileDocument{}, fmt.Errorf("decode device registry %s: %w", f.path, err)
	}
	if doc.Devices == nil {
		doc.Devices = []fileRecord{}
	}
	return doc, nil
}

func (f *File) write(doc fileDocument) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode device registry: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".eews_devices-*.json")
	if err != nil {
		return fmt.Errorf("create temp registry: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp registry: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace device registry: %w", err)
	}
	return nil
}
