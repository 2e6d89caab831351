// Package filestore implements the content-addressed-by-identifier file
// store: each record is two sibling files on disk, `<id>` holding the raw
// bytes and `<id>.meta.json` holding its metadata. Identifiers are UUIDs
// (google/uuid).
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"code.cloudfoundry.org/lager/v3"
	"code.cloudfoundry.org/lager/v3/lagerctx"
	"github.com/google/uuid"

	"github.com/sandboxd/sandboxd/sandbox"
	"github.com/sandboxd/sandboxd/sandbox/metric"
)

const metaSuffix = ".meta.json"

// Metadata is the JSON-serializable sidecar record for a stored file.
type Metadata struct {
	FileID     string  `json:"file_id"`
	Filename   string  `json:"filename"`
	SizeBytes  int     `json:"size_bytes"`
	UploadTime float64 `json:"upload_time"`
}

// Store is a directory-backed file store. A zero Store is not usable; use
// New.
type Store struct {
	dir string
}

// New creates (if necessary) dir and returns a Store rooted there.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating file store directory %q: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) contentPath(id string) string {
	return filepath.Join(s.dir, id)
}

func (s *Store) metaPath(id string) string {
	return filepath.Join(s.dir, id+metaSuffix)
}

// Put stores content under a freshly generated identifier and returns it.
func (s *Store) Put(ctx context.Context, content []byte, filename string) (string, error) {
	log := lagerctx.FromContext(ctx).Session("filestore-put", lager.Data{"filename": filename})

	id := uuid.New().String()
	if err := os.WriteFile(s.contentPath(id), content, 0o644); err != nil {
		log.Error("write-content-failed", err)
		return "", fmt.Errorf("writing file content: %w", err)
	}

	meta := Metadata{
		FileID:     id,
		Filename:   filename,
		SizeBytes:  len(content),
		UploadTime: nowSeconds(),
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		log.Error("marshal-metadata-failed", err)
		return "", fmt.Errorf("marshaling metadata: %w", err)
	}
	if err := os.WriteFile(s.metaPath(id), metaBytes, 0o644); err != nil {
		log.Error("write-metadata-failed", err)
		return "", fmt.Errorf("writing file metadata: %w", err)
	}

	metric.RecordFileStoreOp(ctx, "put")
	log.Info("stored", lager.Data{"file_id": id, "size_bytes": len(content)})
	return id, nil
}

// Get retrieves a record's content and metadata. If the content file exists
// but its metadata sidecar is missing, a synthetic record with
// filename "unknown" is returned instead of failing, matching the
// original's fallback behavior.
func (s *Store) Get(ctx context.Context, id string) ([]byte, Metadata, error) {
	log := lagerctx.FromContext(ctx).Session("filestore-get", lager.Data{"file_id": id})

	content, err := os.ReadFile(s.contentPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Metadata{}, &sandbox.NotFound{ID: id}
		}
		log.Error("read-content-failed", err)
		return nil, Metadata{}, fmt.Errorf("reading file content: %w", err)
	}

	metaBytes, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error("read-metadata-failed", err)
			return nil, Metadata{}, fmt.Errorf("reading file metadata: %w", err)
		}
		info, statErr := os.Stat(s.contentPath(id))
		uploadTime := nowSeconds()
		if statErr == nil {
			uploadTime = float64(info.ModTime().Unix())
		}
		metric.RecordFileStoreOp(ctx, "get")
		return content, Metadata{
			FileID:     id,
			Filename:   "unknown",
			SizeBytes:  len(content),
			UploadTime: uploadTime,
		}, nil
	}

	var meta Metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		log.Error("unmarshal-metadata-failed", err)
		return nil, Metadata{}, fmt.Errorf("parsing file metadata: %w", err)
	}

	metric.RecordFileStoreOp(ctx, "get")
	return content, meta, nil
}

// Delete removes a record's content and metadata, reporting whether it
// existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	log := lagerctx.FromContext(ctx).Session("filestore-delete", lager.Data{"file_id": id})

	_, err := os.Stat(s.contentPath(id))
	existed := err == nil
	if err != nil && !os.IsNotExist(err) {
		log.Error("stat-content-failed", err)
		return false, fmt.Errorf("stat file content: %w", err)
	}

	if existed {
		if err := os.Remove(s.contentPath(id)); err != nil && !os.IsNotExist(err) {
			log.Error("remove-content-failed", err)
			return false, fmt.Errorf("removing file content: %w", err)
		}
	}
	if err := os.Remove(s.metaPath(id)); err != nil && !os.IsNotExist(err) {
		log.Error("remove-metadata-failed", err)
		return false, fmt.Errorf("removing file metadata: %w", err)
	}

	metric.RecordFileStoreOp(ctx, "delete")
	return existed, nil
}

// List returns metadata for every record whose sidecar file parses.
// Unparseable sidecars are skipped rather than failing the whole listing.
func (s *Store) List(ctx context.Context) ([]Metadata, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading file store directory: %w", err)
	}

	var out []Metadata
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), metaSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var meta Metadata
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		out = append(out, meta)
	}

	metric.RecordFileStoreOp(ctx, "list")
	return out, nil
}

// Sweep deletes every record whose age exceeds maxAge and returns how many
// were removed. Records whose sidecar is unreadable, unparseable, or
// already gone by the time deletion runs are skipped, tolerating
// concurrent Put/Get/Delete activity.
func (s *Store) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	log := lagerctx.FromContext(ctx).Session("filestore-sweep")

	metas, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	now := nowSeconds()
	deleted := 0
	for _, meta := range metas {
		if now-meta.UploadTime <= maxAge.Seconds() {
			continue
		}
		existed, err := s.Delete(ctx, meta.FileID)
		if err != nil {
			log.Error("sweep-delete-failed", err, lager.Data{"file_id": meta.FileID})
			continue
		}
		if existed {
			deleted++
		}
	}

	metric.RecordFileStoreOp(ctx, "sweep")
	log.Info("swept", lager.Data{"deleted": deleted})
	return deleted, nil
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
