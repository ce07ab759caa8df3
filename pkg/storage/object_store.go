package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// AttachmentURLExpiry is how long presigned attachment links stay valid.
const AttachmentURLExpiry = time.Hour

// ErrObjectNotFound is returned by PresignGet for unknown keys in MemoryObjectStore.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore provides access to object storage for attachment blobs.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

// AttachmentKey lays out chat attachments by upload day:
// chat_attachments/YYYY/MM/DD/<attachmentID>/<filename>.
func AttachmentKey(at time.Time, attachmentID, filename string) string {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	if name == "" || name == "." || name == "/" || name == ".." {
		name = "attachment"
	}
	at = at.UTC()
	return fmt.Sprintf("chat_attachments/%04d/%02d/%02d/%s/%s", at.Year(), int(at.Month()), at.Day(), attachmentID, name)
}

// MinioConfig holds connection settings for MinIO or any S3 compatible endpoint.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStore implements ObjectStore for MinIO/S3 compatible storage.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to MinIO and ensures the bucket exists.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("minio endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads an object.
func (m *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// PresignGet generates a pre-signed GET URL.
func (m *MinioStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := m.client.PresignedGetObject(ctx, m.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return u.String(), nil
}

// Delete removes an object.
func (m *MinioStore) Delete(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

type memoryObject struct {
	data        []byte
	contentType string
}

// MemoryObjectStore keeps objects in memory. Presigned URLs point at BaseURL.
type MemoryObjectStore struct {
	BaseURL string

	mu      sync.Mutex
	objects map[string]memoryObject
}

// NewMemoryObjectStore returns an empty in-memory object store.
func NewMemoryObjectStore(baseURL string) *MemoryObjectStore {
	if baseURL == "" {
		baseURL = "http://objects.local/attachments"
	}
	return &MemoryObjectStore{BaseURL: strings.TrimRight(baseURL, "/"), objects: make(map[string]memoryObject)}
}

// Put stores a copy of r.
func (m *MemoryObjectStore) Put(_ context.Context, key string, r io.Reader, _ int64, contentType string) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	m.mu.Lock()
	m.objects[key] = memoryObject{data: buf.Bytes(), contentType: contentType}
	m.mu.Unlock()
	return nil
}

// PresignGet returns BaseURL/key with an expiry query parameter.
func (m *MemoryObjectStore) PresignGet(_ context.Context, key string, expiry time.Duration) (string, error) {
	m.mu.Lock()
	_, ok := m.objects[key]
	m.mu.Unlock()
	if !ok {
		return "", ErrObjectNotFound
	}
	q := url.Values{}
	q.Set("expires", fmt.Sprintf("%d", int64(expiry.Seconds())))
	return m.BaseURL + "/" + key + "?" + q.Encode(), nil
}

// Delete removes key.
func (m *MemoryObjectStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

// Object returns the stored bytes and content type for key.
func (m *MemoryObjectStore) Object(key string) ([]byte, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	return obj.data, obj.contentType, ok
}
