package documents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/iago/claims-intake-back/internal/domain"
)

var ErrDocumentNotFound = errors.New("document not found")

// Store holds generated documents for the lifetime of one submission attempt.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// TempDirStore keeps documents as files under a private temporary directory.
type TempDirStore struct {
	root string
}

func NewTempDirStore(parent string) (*TempDirStore, error) {
	root, err := os.MkdirTemp(parent, "claim-documents-")
	if err != nil {
		return nil, fmt.Errorf("create document temp dir: %w", err)
	}
	return &TempDirStore{root: root}, nil
}

func (s *TempDirStore) Root() string {
	return s.root
}

func (s *TempDirStore) Put(_ context.Context, key string, data []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create document dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	return nil
}

func (s *TempDirStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("open document: %w", err)
	}
	return file, nil
}

func (s *TempDirStore) Delete(_ context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete document: %w", err)
	}
	// Drop the per-attempt directory once it is empty.
	if dir := filepath.Dir(path); dir != s.root {
		_ = os.Remove(dir)
	}
	return nil
}

// Close removes the whole temp directory.
func (s *TempDirStore) Close() error {
	return os.RemoveAll(s.root)
}

func (s *TempDirStore) path(key string) (string, error) {
	cleaned := filepath.Clean("/" + key)
	if strings.Contains(key, "..") || cleaned == "/" {
		return "", fmt.Errorf("invalid document key %q", key)
	}
	return filepath.Join(s.root, cleaned), nil
}

// ReadAll reads a stored document fully.
func ReadAll(ctx context.Context, store Store, key string) ([]byte, error) {
	reader, err := store.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var buffer bytes.Buffer
	if _, err := io.Copy(&buffer, reader); err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return buffer.Bytes(), nil
}

// StoreAttachments serves user uploads that were written to a Store by the
// intake API, keyed by AttachmentRef.Key.
type StoreAttachments struct {
	Store Store
}

func (s StoreAttachments) Fetch(ctx context.Context, ref domain.AttachmentRef) ([]byte, error) {
	if strings.TrimSpace(ref.Key) == "" {
		return nil, fmt.Errorf("attachment %s has no key", ref.ID)
	}
	return ReadAll(ctx, s.Store, ref.Key)
}
