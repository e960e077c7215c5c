package object

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/lattice/internal/interfaces"
)

// metaSuffix marks the sidecar file carrying content metadata for a stored
// object. The filesystem backend mirrors what S3 keeps as object headers.
const metaSuffix = ".objmeta"

type objectMeta struct {
	ContentType     string `json:"content_type,omitempty"`
	ContentEncoding string `json:"content_encoding,omitempty"`
}

// FilesystemStore implements interfaces.ObjectStore over a local directory.
// It serves development and tests; the path schema is identical to the S3
// backend so gateway behavior does not diverge.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore creates the store rooted at dir
func NewFilesystemStore(dir string) (*FilesystemStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create object store root: %w", err)
	}
	return &FilesystemStore{root: dir}, nil
}

func (f *FilesystemStore) resolve(path string) string {
	return filepath.Join(f.root, filepath.FromSlash(path))
}

func (f *FilesystemStore) Put(ctx context.Context, path string, obj *interfaces.Object) error {
	full := f.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}
	if err := os.WriteFile(full, obj.Data, 0644); err != nil {
		return fmt.Errorf("failed to write object %s: %w", path, err)
	}

	meta := objectMeta{ContentType: obj.ContentType, ContentEncoding: obj.ContentEncoding}
	if meta.ContentType != "" || meta.ContentEncoding != "" {
		data, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("failed to encode object metadata: %w", err)
		}
		if err := os.WriteFile(full+metaSuffix, data, 0644); err != nil {
			return fmt.Errorf("failed to write object metadata %s: %w", path, err)
		}
	}
	return nil
}

func (f *FilesystemStore) Get(ctx context.Context, path string) (*interfaces.Object, error) {
	full := f.resolve(path)
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, interfaces.ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to read object %s: %w", path, err)
	}

	obj := &interfaces.Object{Data: data, Size: int64(len(data))}
	if metaData, err := os.ReadFile(full + metaSuffix); err == nil {
		var meta objectMeta
		if err := json.Unmarshal(metaData, &meta); err == nil {
			obj.ContentType = meta.ContentType
			obj.ContentEncoding = meta.ContentEncoding
		}
	}
	return obj, nil
}

func (f *FilesystemStore) Copy(ctx context.Context, src, dst string) error {
	obj, err := f.Get(ctx, src)
	if err != nil {
		return err
	}
	return f.Put(ctx, dst, obj)
}

func (f *FilesystemStore) Delete(ctx context.Context, path string) error {
	full := f.resolve(path)
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete object %s: %w", path, err)
	}
	os.Remove(full + metaSuffix)
	return nil
}

func (f *FilesystemStore) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(f.resolve(path))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat object %s: %w", path, err)
	}
	return true, nil
}

func (f *FilesystemStore) List(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	err := filepath.Walk(f.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasSuffix(p, metaSuffix) {
			return nil
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			paths = append(paths, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects under %s: %w", prefix, err)
	}
	return paths, nil
}
