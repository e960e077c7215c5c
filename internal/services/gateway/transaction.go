package gateway

import (
	"bytes"
	"context"
	"fmt"

	"github.com/klauspost/compress/gzip"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lattice/internal/common"
	"github.com/ternarybob/lattice/internal/interfaces"
)

// compressionThreshold is the minimum payload size before gzip kicks in
const compressionThreshold = 1024

// storageTransaction implements the atomic write protocol: stage everything
// under temp/{txn_id}/, validate, server-side copy to the canonical
// destinations, delete the temp objects. Any failure before the last copy
// rolls back every object written for this transaction.
type storageTransaction struct {
	id     string
	store  interfaces.ObjectStore
	logger arbor.ILogger
	staged []stagedFile
}

type stagedFile struct {
	tempPath string
	dstPath  string
}

func newTransaction(store interfaces.ObjectStore, logger arbor.ILogger) *storageTransaction {
	return &storageTransaction{
		id:     common.NewTxnID(),
		store:  store,
		logger: logger,
	}
}

// stage writes one file to the transaction's temp prefix, compressing when
// the destination filename is compressible and the payload is large enough.
func (t *storageTransaction) stage(ctx context.Context, dst string, data []byte, contentType string) error {
	if err := validateCanonical(dst); err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("refusing to stage empty object %s", dst)
	}

	obj := &interfaces.Object{Data: data, ContentType: contentType, Size: int64(len(data))}
	if len(data) > compressionThreshold && isCompressible(dst) {
		compressed, err := gzipBytes(data)
		if err != nil {
			return fmt.Errorf("failed to compress %s: %w", dst, err)
		}
		obj.Data = compressed
		obj.Size = int64(len(compressed))
		obj.ContentEncoding = "gzip"
	}

	temp := tempPath(t.id, dst)
	if err := t.store.Put(ctx, temp, obj); err != nil {
		return fmt.Errorf("failed to stage %s: %w", dst, err)
	}

	t.staged = append(t.staged, stagedFile{tempPath: temp, dstPath: dst})
	return nil
}

// commit validates the staged objects, copies them to their canonical
// destinations and removes the temp objects.
func (t *storageTransaction) commit(ctx context.Context) error {
	for _, f := range t.staged {
		exists, err := t.store.Exists(ctx, f.tempPath)
		if err != nil || !exists {
			t.rollback(ctx, 0)
			return fmt.Errorf("staged object %s missing before commit: %w", f.tempPath, err)
		}
	}

	for i, f := range t.staged {
		if err := t.store.Copy(ctx, f.tempPath, f.dstPath); err != nil {
			t.rollback(ctx, i)
			return fmt.Errorf("failed to finalize %s: %w", f.dstPath, err)
		}
	}

	for _, f := range t.staged {
		if err := t.store.Delete(ctx, f.tempPath); err != nil {
			t.logger.Warn().Err(err).Str("path", f.tempPath).Msg("Failed to delete temp object after commit")
		}
	}
	return nil
}

// rollback deletes every temp object plus the first `copied` canonical
// objects already finalized.
func (t *storageTransaction) rollback(ctx context.Context, copied int) {
	for _, f := range t.staged {
		if err := t.store.Delete(ctx, f.tempPath); err != nil {
			t.logger.Warn().Err(err).Str("path", f.tempPath).Msg("Rollback failed to delete temp object")
		}
	}
	for i := 0; i < copied && i < len(t.staged); i++ {
		if err := t.store.Delete(ctx, t.staged[i].dstPath); err != nil {
			t.logger.Warn().Err(err).Str("path", t.staged[i].dstPath).Msg("Rollback failed to delete canonical object")
		}
	}
	t.logger.Warn().
		Str("txn_id", t.id).
		Int("staged", len(t.staged)).
		Msg("Storage transaction rolled back")
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
