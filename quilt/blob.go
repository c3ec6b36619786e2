package quilt

import (
	"bytes"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/golang/glog"
	_ "modernc.org/sqlite"
)

var ErrBlobNotFound = errors.New("blob not found")

type BlobMeta struct {
	Hash        string `json:"hash"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// BlobStore is the content-addressed attachment store: raw bytes at
// <root>/blobs/<sha256 hex>, metadata in the SQLite index at
// <root>/blobs/_meta. Bytes at a path always hash to the path; a
// metadata row exists iff the file exists.
type BlobStore struct {
	root string
	db   *sql.DB
}

const blobMetaSchema = `
CREATE TABLE IF NOT EXISTS blobs (
	hash TEXT PRIMARY KEY,
	content_type TEXT NOT NULL,
	size INTEGER NOT NULL
);
`

func NewBlobStore(root string) (*BlobStore, error) {
	blobsDir := filepath.Join(root, "blobs")
	if err := os.MkdirAll(blobsDir, 0755); err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(blobsDir, "_meta"))
	if err != nil {
		return nil, fmt.Errorf("open blob meta index: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("open blob meta index: %w", err)
	}
	if _, err := db.Exec(blobMetaSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init blob meta index: %w", err)
	}
	return &BlobStore{
		root: root,
		db:   db,
	}, nil
}

func (self *BlobStore) Close() error {
	return self.db.Close()
}

func (self *BlobStore) blobPath(hash string) string {
	return filepath.Join(self.root, "blobs", hash)
}

// Put stores the bytes under their SHA-256 hash and upserts the metadata
// row. A second put of the same bytes is idempotent: the write-new-then-
// rename protocol makes concurrent puts of one hash converge on a single
// file, and the existing file is left untouched.
func (self *BlobStore) Put(data []byte, contentType string) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	finalPath := self.blobPath(hash)
	if _, err := os.Stat(finalPath); err != nil {
		tempFile, err := os.CreateTemp(filepath.Dir(finalPath), ".blob-*")
		if err != nil {
			return "", err
		}
		tempPath := tempFile.Name()
		if _, err := tempFile.Write(data); err != nil {
			tempFile.Close()
			os.Remove(tempPath)
			return "", err
		}
		if err := tempFile.Sync(); err != nil {
			tempFile.Close()
			os.Remove(tempPath)
			return "", err
		}
		if err := tempFile.Close(); err != nil {
			os.Remove(tempPath)
			return "", err
		}
		if err := os.Rename(tempPath, finalPath); err != nil {
			os.Remove(tempPath)
			return "", err
		}
		glog.V(1).Infof("[blob]stored %s (%d bytes)\n", hash, len(data))
	}

	_, err := self.db.Exec(
		`INSERT INTO blobs (hash, content_type, size) VALUES (?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET content_type = excluded.content_type, size = excluded.size`,
		hash,
		contentType,
		int64(len(data)),
	)
	if err != nil {
		return "", err
	}
	return hash, nil
}

func (self *BlobStore) Get(hash string) ([]byte, string, error) {
	meta, err := self.Head(hash)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(self.blobPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", ErrBlobNotFound
		}
		return nil, "", err
	}
	sum := sha256.Sum256(data)
	if !bytes.Equal(sum[:], mustDecodeHex(hash)) {
		return nil, "", fmt.Errorf("blob %s fails verification", hash)
	}
	return data, meta.ContentType, nil
}

func (self *BlobStore) Head(hash string) (*BlobMeta, error) {
	meta := &BlobMeta{
		Hash: hash,
	}
	err := self.db.QueryRow(
		`SELECT content_type, size FROM blobs WHERE hash = ?`,
		hash,
	).Scan(&meta.ContentType, &meta.Size)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBlobNotFound
		}
		return nil, err
	}
	return meta, nil
}

func mustDecodeHex(hexStr string) []byte {
	decoded, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil
	}
	return decoded
}
