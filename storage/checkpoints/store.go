// Package checkpoints persists progress records and finds the newest one on
// restart.
package checkpoints

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path"
	"strings"
	"sync"

	"reduction.dev/chunkcdc/splits"
	"reduction.dev/chunkcdc/storage/locations"
	"reduction.dev/chunkcdc/telemetry"
)

const fileExt = ".progress"

// StateCorruptionError means the newest progress record cannot be trusted.
// Recovery requires a fresh snapshot.
type StateCorruptionError struct {
	URI string
	Err error
}

func (e *StateCorruptionError) Error() string {
	return fmt.Sprintf("progress record %s is corrupt: %v", e.URI, e.Err)
}

func (e *StateCorruptionError) Unwrap() error {
	return e.Err
}

// Checkpoint is a persisted progress record.
type Checkpoint struct {
	ID       uint64
	URI      string
	Progress *splits.Progress
}

type Store struct {
	location locations.StorageLocation
	dir      string
	lastID   uint64
	log      *slog.Logger
	mu       sync.Mutex
}

type NewStoreParams struct {
	Location locations.StorageLocation
	// Dir is the path under the location holding progress records.
	// Defaults to "checkpoints".
	Dir    string
	Logger *slog.Logger
}

func NewStore(params NewStoreParams) *Store {
	dir := params.Dir
	if dir == "" {
		dir = "checkpoints"
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.With("instanceID", "checkpoints")
	}
	return &Store{
		location: params.Location,
		dir:      dir,
		log:      logger,
	}
}

// Save writes a progress record and removes every older one. IDs must
// increase across calls.
func (s *Store) Save(ctx context.Context, id uint64, p *splits.Progress) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id <= s.lastID {
		return "", fmt.Errorf("checkpoint %d is not newer than checkpoint %d", id, s.lastID)
	}

	uri, err := s.location.Write(ctx, s.pathFor(id), splits.MarshalProgress(p))
	if err != nil {
		return "", fmt.Errorf("writing checkpoint %d: %w", id, err)
	}
	s.lastID = id
	telemetry.CheckpointsWritten.Inc()

	// When a new checkpoint is written, all previous checkpoints are obsolete.
	var obsolete []string
	for fileURI, err := range s.location.List(ctx) {
		if err != nil {
			s.log.Warn("listing obsolete checkpoints", "err", err)
			break
		}
		if fileID, ok := parseID(fileURI); ok && s.inDir(fileURI) && fileID < id {
			obsolete = append(obsolete, fileURI)
		}
	}
	if len(obsolete) > 0 {
		if err := s.location.Remove(ctx, obsolete...); err != nil {
			s.log.Error("failed to remove obsolete checkpoint files", "paths", obsolete, "err", err)
		}
	}

	s.log.Info("store wrote checkpoint", "id", id, "uri", uri, "splits", len(p.Splits))
	return uri, nil
}

// LoadLatest returns the newest checkpoint, or nil when none exists. A record
// that fails its integrity check is a StateCorruptionError.
func (s *Store) LoadLatest(ctx context.Context) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Obsolete records may survive a crash between write and removal
	var latestURI string
	var latestID uint64
	for fileURI, err := range s.location.List(ctx) {
		if err != nil {
			return nil, fmt.Errorf("listing checkpoints: %w", err)
		}
		if id, ok := parseID(fileURI); ok && s.inDir(fileURI) && id > latestID {
			latestURI, latestID = fileURI, id
		}
	}
	if latestURI == "" {
		return nil, nil
	}

	data, err := s.location.Read(ctx, latestURI)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint %s: %w", latestURI, err)
	}
	p, err := splits.UnmarshalProgress(data)
	if err != nil {
		return nil, &StateCorruptionError{URI: latestURI, Err: err}
	}

	s.lastID = max(s.lastID, latestID)
	s.log.Info("loaded checkpoint", "id", latestID, "uri", latestURI)
	return &Checkpoint{ID: latestID, URI: latestURI, Progress: p}, nil
}

// LastID is the highest checkpoint ID saved or loaded.
func (s *Store) LastID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

func (s *Store) pathFor(id uint64) string {
	return path.Join(s.dir, pathSegment(id)+fileExt)
}

func (s *Store) inDir(uri string) bool {
	dir := path.Dir(uri)
	return dir == s.dir || strings.HasSuffix(dir, "/"+s.dir)
}

var ErrInvalidSegment = errors.New("invalid checkpoint path segment")

// pathSegment encodes an ID so that lexicographic order is descending and
// later checkpoints appear first in a file list.
func pathSegment(id uint64) string {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.MaxUint64-id)
	return hex.EncodeToString(buf)
}

func parseSegment(segment string) (uint64, error) {
	buf, err := hex.DecodeString(segment)
	if err != nil || len(buf) != 8 {
		return 0, ErrInvalidSegment
	}
	return math.MaxUint64 - binary.BigEndian.Uint64(buf), nil
}

func parseID(uri string) (uint64, bool) {
	name := path.Base(uri)
	if !strings.HasSuffix(name, fileExt) {
		return 0, false
	}
	id, err := parseSegment(strings.TrimSuffix(name, fileExt))
	return id, err == nil
}
