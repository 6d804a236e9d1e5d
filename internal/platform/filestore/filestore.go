package filestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"

	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

// Store persists opaque blobs: uploaded files, tool-response images and
// CSVs. Ids are stable and referenced from documents and tool results.
type Store interface {
	Save(ctx context.Context, data []byte, contentType string, displayName string) (string, error)
	Load(ctx context.Context, id string) ([]byte, string, error)
	Delete(ctx context.Context, id string) error
}

type gcsStore struct {
	log    *logger.Logger
	client *storage.Client
	bucket string
	prefix string
}

func New(log *logger.Logger) (Store, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	bucket := strings.TrimSpace(os.Getenv("FILE_STORE_BUCKET"))
	if bucket == "" {
		return nil, fmt.Errorf("missing FILE_STORE_BUCKET")
	}
	prefix := strings.TrimSpace(os.Getenv("FILE_STORE_PREFIX"))
	if prefix == "" {
		prefix = "files"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}
	return &gcsStore{
		log:    log.With("service", "FileStore"),
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}, nil
}

func (s *gcsStore) objectName(id string) string {
	return s.prefix + "/" + id
}

func (s *gcsStore) Save(ctx context.Context, data []byte, contentType string, displayName string) (string, error) {
	id := uuid.New().String()
	obj := s.client.Bucket(s.bucket).Object(s.objectName(id))
	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	if displayName != "" {
		w.Metadata = map[string]string{"display_name": displayName}
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("filestore write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("filestore close: %w", err)
	}
	return id, nil
}

func (s *gcsStore) Load(ctx context.Context, id string) ([]byte, string, error) {
	obj := s.client.Bucket(s.bucket).Object(s.objectName(id))
	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("filestore read %s: %w", id, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", err
	}
	return data, r.Attrs.ContentType, nil
}

func (s *gcsStore) Delete(ctx context.Context, id string) error {
	return s.client.Bucket(s.bucket).Object(s.objectName(id)).Delete(ctx)
}

// memoryStore backs tests and single-node dev runs.
type memoryStore struct {
	blobs map[string]memBlob
}

type memBlob struct {
	data        []byte
	contentType string
}

func NewMemory() Store {
	return &memoryStore{blobs: map[string]memBlob{}}
}

func (s *memoryStore) Save(_ context.Context, data []byte, contentType string, _ string) (string, error) {
	id := uuid.New().String()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs[id] = memBlob{data: cp, contentType: contentType}
	return id, nil
}

func (s *memoryStore) Load(_ context.Context, id string) ([]byte, string, error) {
	b, ok := s.blobs[id]
	if !ok {
		return nil, "", fmt.Errorf("filestore: %s not found", id)
	}
	return b.data, b.contentType, nil
}

func (s *memoryStore) Delete(_ context.Context, id string) error {
	delete(s.blobs, id)
	return nil
}
