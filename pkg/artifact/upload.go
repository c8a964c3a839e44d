package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// UploadResult summarises an UploadDir call.
type UploadResult struct {
	FileCount  int
	TotalBytes int64
}

// Manifest is written last to seal a deployment prefix.
type Manifest struct {
	DeploymentID string    `json:"deploymentId"`
	ProjectID    string    `json:"projectId"`
	CommitSHA    string    `json:"commitSha"`
	Framework    string    `json:"framework"`
	FileCount    int       `json:"fileCount"`
	TotalBytes   int64     `json:"totalBytes"`
	CreatedAt    time.Time `json:"createdAt"`
}

// UploadDir uploads every regular file below dir under prefix. Git metadata,
// the reserved metadata directory and symlinks are skipped. A sealed prefix
// is refused before anything is written.
func UploadDir(ctx context.Context, store Store, prefix, dir string) (UploadResult, error) {
	var result UploadResult
	sealed, err := Sealed(ctx, store, prefix)
	if err != nil {
		return result, err
	}
	if sealed {
		return result, fmt.Errorf("upload %s: %w", prefix, ErrSealed)
	}

	prefix = strings.TrimSuffix(prefix, "/")
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" || rel == ReservedDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		n, err := uploadFile(ctx, store, prefix+"/"+filepath.ToSlash(rel), path, info.Size())
		if err != nil {
			return err
		}
		result.FileCount++
		result.TotalBytes += n
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("upload %s: %w", dir, err)
	}
	return result, nil
}

func uploadFile(ctx context.Context, store Store, key, path string, size int64) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if err := store.Put(ctx, key, io.LimitReader(f, size), size, ContentType(path)); err != nil {
		return 0, err
	}
	return size, nil
}

// ContentType guesses a MIME type from the file extension.
func ContentType(name string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// Seal writes manifest under prefix. Sealing an already sealed prefix fails with ErrSealed.
func Seal(ctx context.Context, store Store, prefix string, manifest Manifest) error {
	sealed, err := Sealed(ctx, store, prefix)
	if err != nil {
		return err
	}
	if sealed {
		return fmt.Errorf("seal %s: %w", prefix, ErrSealed)
	}
	payload, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return store.Put(ctx, ManifestKey(prefix), bytes.NewReader(payload), int64(len(payload)), "application/json")
}

// Sealed reports whether prefix already carries a manifest.
func Sealed(ctx context.Context, store Store, prefix string) (bool, error) {
	ok, err := store.Exists(ctx, ManifestKey(prefix))
	if err != nil {
		return false, fmt.Errorf("check manifest %s: %w", prefix, err)
	}
	return ok, nil
}

// ReadManifest loads the manifest sealing prefix.
func ReadManifest(ctx context.Context, store Store, prefix string) (Manifest, error) {
	var manifest Manifest
	rc, err := store.Get(ctx, ManifestKey(prefix))
	if err != nil {
		return manifest, err
	}
	defer rc.Close()
	if err := json.NewDecoder(rc).Decode(&manifest); err != nil {
		return manifest, fmt.Errorf("decode manifest: %w", err)
	}
	return manifest, nil
}
