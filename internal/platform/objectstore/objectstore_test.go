package objectstore

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/minio/minio-go/v7"

	"github.com/animus-labs/blockflow/internal/domain"
)

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Endpoint:  "localhost:9000",
		AccessKey: "a",
		SecretKey: "b",
		Region:    "us-east-1",
		Bucket:    "pipeline-history",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	invalid := valid
	invalid.Endpoint = "http://localhost:9000"
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for scheme in endpoint")
	}
	invalid = valid
	invalid.Bucket = " "
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for missing bucket")
	}
}

type fakePutter struct {
	bucket string
	key    string
	body   []byte
	opts   minio.PutObjectOptions
	err    error
}

func (f *fakePutter) PutObject(_ context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.err != nil {
		return minio.UploadInfo{}, f.err
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	if int64(len(body)) != size {
		return minio.UploadInfo{}, errors.New("size mismatch")
	}
	f.bucket, f.key, f.body, f.opts = bucket, object, body, opts
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: size}, nil
}

func TestDefinitionArchive(t *testing.T) {
	putter := &fakePutter{}
	archive, err := NewDefinitionArchive(putter, Config{Bucket: "history", Prefix: "/pipelines/"})
	if err != nil {
		t.Fatalf("NewDefinitionArchive() err=%v", err)
	}
	p := domain.Pipeline{ID: "p-1", Name: "etl", Version: 3}

	key, err := archive.Archive(context.Background(), p, []byte("name: etl\n"))
	if err != nil {
		t.Fatalf("Archive() err=%v", err)
	}
	if key != "pipelines/etl/v000003-p-1.yaml" || putter.key != key || putter.bucket != "history" {
		t.Fatalf("unexpected object %s/%s", putter.bucket, putter.key)
	}
	if string(putter.body) != "name: etl\n" || putter.opts.UserMetadata["pipeline-version"] != "3" {
		t.Fatalf("unexpected upload body=%q opts=%+v", putter.body, putter.opts)
	}

	putter.err = errors.New("connection refused")
	if _, err := archive.Archive(context.Background(), p, []byte("x")); err == nil {
		t.Fatalf("expected put failure to surface")
	}
	if _, err := archive.Archive(context.Background(), p, nil); err == nil {
		t.Fatalf("expected empty document to be rejected")
	}
}

type fakeBuckets struct {
	exists bool
	made   string
}

func (f *fakeBuckets) BucketExists(context.Context, string) (bool, error) { return f.exists, nil }

func (f *fakeBuckets) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.made = bucket
	return nil
}

func TestEnsureBucket(t *testing.T) {
	cfg := Config{Bucket: "history", Region: "us-east-1"}
	fb := &fakeBuckets{}
	if err := EnsureBucket(context.Background(), fb, cfg); err != nil || fb.made != "history" {
		t.Fatalf("expected bucket creation, made=%q err=%v", fb.made, err)
	}
	fb = &fakeBuckets{exists: true}
	if err := EnsureBucket(context.Background(), fb, cfg); err != nil || fb.made != "" {
		t.Fatalf("expected existing bucket to be kept, made=%q err=%v", fb.made, err)
	}
}
