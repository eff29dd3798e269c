// Package storage keeps intake images in object storage.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

// DefaultURLTTL is how long a presigned image URL stays valid.
const DefaultURLTTL = 7 * 24 * time.Hour

var ErrNotFound = errors.New("storage: object not found")

// Object is a stored image.
type Object struct {
	Ref         string
	ContentType string
	Data        []byte
}

// ImageStore stores evaluation images under opaque refs.
type ImageStore interface {
	Put(ctx context.Context, evaluationID, name, contentType string, data []byte) (string, error)
	Get(ctx context.Context, ref string) (*Object, error)
	URL(ctx context.Context, ref string) (string, error)
}

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Store writes images to a bucket and hands out presigned GET URLs.
type S3Store struct {
	bucket    string
	client    s3API
	presigner presignAPI
	ttl       time.Duration
	logger    *logging.Logger
}

func NewS3Store(client *s3.Client, bucket string, ttl time.Duration, logger *logging.Logger) *S3Store {
	return newS3Store(client, s3.NewPresignClient(client), bucket, ttl, logger)
}

func newS3Store(client s3API, presigner presignAPI, bucket string, ttl time.Duration, logger *logging.Logger) *S3Store {
	if logger == nil {
		logger = logging.Default()
	}
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}
	return &S3Store{bucket: bucket, client: client, presigner: presigner, ttl: ttl, logger: logger}
}

func (s *S3Store) Put(ctx context.Context, evaluationID, name, contentType string, data []byte) (string, error) {
	key := objectKey(evaluationID, name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("storage: s3 put %s: %w", key, err)
	}
	s.logger.Debug("stored evaluation image", "evaluation_id", evaluationID, "key", key, "bytes", len(data))
	return key, nil
}

func (s *S3Store) Get(ctx context.Context, ref string) (*Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: s3 get %s: %w", ref, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", ref, err)
	}
	return &Object{Ref: ref, ContentType: aws.ToString(out.ContentType), Data: data}, nil
}

func (s *S3Store) URL(ctx context.Context, ref string) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return "", fmt.Errorf("storage: presign %s: %w", ref, err)
	}
	return req.URL, nil
}

func objectKey(evaluationID, name string) string {
	ext := strings.ToLower(path.Ext(name))
	if len(ext) > 6 {
		ext = ""
	}
	return fmt.Sprintf("evaluations/%s/%s%s", evaluationID, uuid.NewString(), ext)
}

// MemoryStore keeps images in process. URLs point at baseURL.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]Object
	baseURL string
}

func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{objects: make(map[string]Object), baseURL: strings.TrimRight(baseURL, "/")}
}

func (m *MemoryStore) Put(_ context.Context, evaluationID, name, contentType string, data []byte) (string, error) {
	key := objectKey(evaluationID, name)
	m.mu.Lock()
	m.objects[key] = Object{Ref: key, ContentType: contentType, Data: append([]byte(nil), data...)}
	m.mu.Unlock()
	return key, nil
}

func (m *MemoryStore) Get(_ context.Context, ref string) (*Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return &obj, nil
}

func (m *MemoryStore) URL(_ context.Context, ref string) (string, error) {
	m.mu.RLock()
	_, ok := m.objects[ref]
	m.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	return m.baseURL + "/" + ref, nil
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
