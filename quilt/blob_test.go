package quilt

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func newTestBlobStore(t *testing.T) *BlobStore {
	t.Helper()
	blobs, err := NewBlobStore(t.TempDir())
	assert.Equal(t, err, nil)
	t.Cleanup(func() {
		blobs.Close()
	})
	return blobs
}

func TestBlobPutGet(t *testing.T) {
	blobs := newTestBlobStore(t)

	data := []byte("xyz")
	hash, err := blobs.Put(data, "text/plain")
	assert.Equal(t, err, nil)

	sum := sha256.Sum256(data)
	assert.Equal(t, hash, hex.EncodeToString(sum[:]))

	read, contentType, err := blobs.Get(hash)
	assert.Equal(t, err, nil)
	assert.Equal(t, read, data)
	assert.Equal(t, contentType, "text/plain")
}

func TestBlobPutIdempotent(t *testing.T) {
	blobs := newTestBlobStore(t)

	data := []byte("same bytes")
	hash1, err := blobs.Put(data, "application/octet-stream")
	assert.Equal(t, err, nil)

	path := filepath.Join(blobs.root, "blobs", hash1)
	info1, err := os.Stat(path)
	assert.Equal(t, err, nil)

	hash2, err := blobs.Put(data, "application/octet-stream")
	assert.Equal(t, err, nil)
	assert.Equal(t, hash1, hash2)

	// the existing file was not rewritten
	info2, err := os.Stat(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, info1.ModTime(), info2.ModTime())
}

func TestBlobHead(t *testing.T) {
	blobs := newTestBlobStore(t)

	data := []byte("some attachment")
	hash, err := blobs.Put(data, "image/png")
	assert.Equal(t, err, nil)

	meta, err := blobs.Head(hash)
	assert.Equal(t, err, nil)
	assert.Equal(t, meta.Hash, hash)
	assert.Equal(t, meta.ContentType, "image/png")
	assert.Equal(t, meta.Size, int64(len(data)))
}

func TestBlobNotFound(t *testing.T) {
	blobs := newTestBlobStore(t)

	_, err := blobs.Head("deadbeef")
	assert.Equal(t, err, ErrBlobNotFound)

	_, _, err = blobs.Get("deadbeef")
	assert.Equal(t, err, ErrBlobNotFound)
}

func TestBlobContentTypeSniff(t *testing.T) {
	blobs := newTestBlobStore(t)

	hash, err := blobs.Put([]byte(`{"k":"v"}`), "")
	assert.Equal(t, err, nil)
	meta, err := blobs.Head(hash)
	assert.Equal(t, err, nil)
	assert.NotEqual(t, meta.ContentType, "")
}
