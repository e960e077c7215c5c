package interfaces

import (
	"context"
	"errors"
)

// ErrObjectNotFound is returned when an object does not exist at the path
var ErrObjectNotFound = errors.New("object not found")

// Object is a stored blob with its content metadata
type Object struct {
	Data            []byte
	ContentType     string
	ContentEncoding string
	Size            int64
}

// ObjectStore abstracts the artifact object store. The production backend is
// S3-compatible; a filesystem backend serves development and tests. Copy is
// a server-side operation and is the commit point of atomic writes.
type ObjectStore interface {
	Put(ctx context.Context, path string, obj *Object) error
	Get(ctx context.Context, path string) (*Object, error)
	Copy(ctx context.Context, src, dst string) error
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	// List returns object paths under the prefix
	List(ctx context.Context, prefix string) ([]string, error)
}
