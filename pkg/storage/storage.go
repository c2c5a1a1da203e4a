// Package storage holds uploaded spreadsheets between the API accepting them
// and the import worker consuming them.
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

// ImportPrefix is the key prefix for uploaded import files.
const ImportPrefix = "imports/"

// BlobStorage is the temporary upload store.
type BlobStorage interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// Fetch exposes the object as a local file. release drops any local copy
	// made for the caller; it does not delete the stored object.
	Fetch(ctx context.Context, key string) (localPath string, release func(), err error)
	Delete(ctx context.Context, key string) error
	// Sweep deletes objects under prefix last modified before cutoff.
	Sweep(ctx context.Context, prefix string, cutoff time.Time) (int, error)
}

// ImportKey builds the storage key for an uploaded file of one import job.
func ImportKey(jobID, filename string) string {
	return path.Join(strings.TrimSuffix(ImportPrefix, "/"), jobID, SanitizeFilename(filename))
}

// SanitizeFilename keeps the base name and replaces characters that are
// awkward in paths and object keys.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '.' || r == '-' || r == '_':
			return r
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			return r
		default:
			return '_'
		}
	}, strings.TrimSpace(name))
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return "upload"
	}
	if len(name) > 120 {
		ext := filepath.Ext(name)
		if len(ext) > 10 {
			ext = ""
		}
		name = name[:120-len(ext)] + ext
	}
	return name
}

// Options selects and configures a BlobStorage backend.
type Options struct {
	// Driver is "local" or "minio".
	Driver string
	Dir    string
	Minio  MinioConfig
}

// Open builds the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (BlobStorage, error) {
	switch opts.Driver {
	case "", "local":
		return NewFileStore(opts.Dir)
	case "minio":
		return NewMinioStore(ctx, opts.Minio)
	}
	return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
}
