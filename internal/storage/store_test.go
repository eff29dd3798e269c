package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

type fakeS3 struct {
	objects map[string][]byte
	types   map[string]string
	putErr  error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, _ := io.ReadAll(in.Body)
	f.objects[aws.ToString(in.Key)] = data
	f.types[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{
		Body:        io.NopCloser(bytes.NewReader(data)),
		ContentType: aws.String(f.types[aws.ToString(in.Key)]),
	}, nil
}

type fakePresigner struct {
	expires time.Duration
}

func (f *fakePresigner) PresignGetObject(_ context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	opts := &s3.PresignOptions{}
	for _, fn := range optFns {
		fn(opts)
	}
	f.expires = opts.Expires
	return &v4.PresignedHTTPRequest{URL: "https://bucket.example/" + aws.ToString(in.Key) + "?X-Amz-Signature=abc"}, nil
}

func TestS3StoreRoundTrip(t *testing.T) {
	api := &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
	presigner := &fakePresigner{}
	store := newS3Store(api, presigner, "images", 0, logging.Discard())
	ctx := context.Background()

	ref, err := store.Put(ctx, "ev-1", "Foto.JPG", "image/jpeg", []byte("jpeg-bytes"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !strings.HasPrefix(ref, "evaluations/ev-1/") || !strings.HasSuffix(ref, ".jpg") {
		t.Fatalf("unexpected ref %q", ref)
	}

	obj, err := store.Get(ctx, ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(obj.Data) != "jpeg-bytes" || obj.ContentType != "image/jpeg" {
		t.Fatalf("unexpected object %+v", obj)
	}

	url, err := store.URL(ctx, ref)
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	if !strings.Contains(url, ref) || presigner.expires != DefaultURLTTL {
		t.Fatalf("unexpected presign %q ttl=%s", url, presigner.expires)
	}
}

func TestS3StorePutError(t *testing.T) {
	api := &fakeS3{objects: map[string][]byte{}, types: map[string]string{}, putErr: errors.New("AccessDenied")}
	store := newS3Store(api, &fakePresigner{}, "images", time.Hour, logging.Discard())
	if _, err := store.Put(context.Background(), "ev-1", "a.png", "image/png", nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore("http://localhost:8080/files/")
	ctx := context.Background()
	ref, err := store.Put(ctx, "ev-2", "x.dcm.jpg", "image/jpeg", []byte("x"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	url, err := store.URL(ctx, ref)
	if err != nil || url != "http://localhost:8080/files/"+ref {
		t.Fatalf("unexpected url %q (%v)", url, err)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 object, got %d", store.Len())
	}
}
