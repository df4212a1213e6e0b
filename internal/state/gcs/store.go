// Package gcs stores the processing state as a single Cloud Storage object.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/pdf-watcher/internal/state"
)

// Config names the object holding the state.
type Config struct {
	Bucket string
	Object string
}

// Store is a GCS-backed state.Store.
type Store struct {
	client *storage.Client
	bucket string
	object string
}

// New constructs a Store.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	object := strings.TrimSpace(cfg.Object)
	if object == "" {
		object = "state/" + state.DefaultKey + ".json"
	}
	return &Store{client: client, bucket: cfg.Bucket, object: object}, nil
}

// Load implements state.Store.
func (s *Store) Load(ctx context.Context) ([]byte, error) {
	reader, err := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, state.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open state object: %w", err)
	}
	defer func() { _ = reader.Close() }()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read state object: %w", err)
	}
	return data, nil
}

// Save implements state.Store.
func (s *Store) Save(ctx context.Context, data []byte) error {
	writer := s.client.Bucket(s.bucket).Object(s.object).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write state object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write state object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Delete implements state.Store.
func (s *Store) Delete(ctx context.Context) error {
	err := s.client.Bucket(s.bucket).Object(s.object).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete state object: %w", err)
	}
	return nil
}
