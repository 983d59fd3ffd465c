package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/animus-labs/blockflow/internal/domain"
)

// ObjectPutter is the subset of *minio.Client the archive writes through.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// DefinitionArchive stores the definition documents of superseded pipeline
// versions under <prefix>/<name>/v<version>-<id>.yaml.
type DefinitionArchive struct {
	client ObjectPutter
	bucket string
	prefix string
}

func NewDefinitionArchive(client ObjectPutter, cfg Config) (*DefinitionArchive, error) {
	if client == nil {
		return nil, errors.New("object client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	return &DefinitionArchive{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
	}, nil
}

func (a *DefinitionArchive) Key(p domain.Pipeline) string {
	name := fmt.Sprintf("v%06d-%s.yaml", p.Version, p.ID)
	return path.Join(a.prefix, p.Name, name)
}

func (a *DefinitionArchive) Archive(ctx context.Context, p domain.Pipeline, document []byte) (string, error) {
	if len(document) == 0 {
		return "", errors.New("definition document is empty")
	}
	key := a.Key(p)
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(document), int64(len(document)), minio.PutObjectOptions{
		ContentType: "application/yaml",
		UserMetadata: map[string]string{
			"pipeline-id":      p.ID,
			"pipeline-name":    p.Name,
			"pipeline-version": strconv.Itoa(p.Version),
		},
	})
	if err != nil {
		return "", fmt.Errorf("put %s/%s: %w", a.bucket, key, err)
	}
	return key, nil
}
