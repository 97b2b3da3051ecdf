package cas

import (
	"bytes"
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

// MirrorConfig describes an S3-compatible endpoint used as an off-host copy
// of the store. The mirror is write-behind and optional; the local store
// remains the source of truth and all integrity checks happen locally.
type MirrorConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseTLS    bool
}

// Mirror pushes committed objects to an S3-compatible bucket keyed by
// digest. Objects are uploaded in their stored encoding together with their
// metadata document.
type Mirror struct {
	client *minio.Client
	bucket string
}

// NewMirror connects to the configured endpoint and ensures the bucket
// exists.
func NewMirror(ctx context.Context, cfg MirrorConfig) (*Mirror, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to mirror endpoint: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking mirror bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating mirror bucket: %w", err)
		}
	}

	log.Info().Str("endpoint", cfg.Endpoint).Str("bucket", cfg.Bucket).Msg("cas mirror connected")
	return &Mirror{client: client, bucket: cfg.Bucket}, nil
}

func (m *Mirror) blobKey(dg string) string { return "objects/" + dg + blobSuffix }
func (m *Mirror) metaKey(dg string) string { return "objects/" + dg + metaSuffix }

// Push uploads one object's stored blob and metadata. Uploads are
// idempotent: the key is the digest, so re-pushing overwrites with
// identical bytes.
func (m *Mirror) Push(ctx context.Context, info ObjectInfo, stored, meta []byte) error {
	if _, err := m.client.PutObject(ctx, m.bucket, m.blobKey(info.Digest),
		bytes.NewReader(stored), int64(len(stored)), minio.PutObjectOptions{ContentType: "application/octet-stream"}); err != nil {
		return fmt.Errorf("pushing blob %s: %w", info.Digest, err)
	}
	if _, err := m.client.PutObject(ctx, m.bucket, m.metaKey(info.Digest),
		bytes.NewReader(meta), int64(len(meta)), minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("pushing metadata %s: %w", info.Digest, err)
	}
	return nil
}

// Exists checks whether a digest is already mirrored.
func (m *Mirror) Exists(ctx context.Context, dg string) (bool, error) {
	_, err := m.client.StatObject(ctx, m.bucket, m.metaKey(dg), minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("stat mirror object %s: %w", dg, err)
	}
	return true, nil
}

// Sync pushes every locally committed object that the mirror is missing.
// Returns the number of objects uploaded.
func (s *Store) Sync(ctx context.Context, m *Mirror) (int, error) {
	infos, err := s.List()
	if err != nil {
		return 0, err
	}

	pushed := 0
	for _, info := range infos {
		if ctx.Err() != nil {
			return pushed, ctx.Err()
		}
		exists, err := m.Exists(ctx, info.Digest)
		if err != nil {
			return pushed, err
		}
		if exists {
			continue
		}

		blobPath, metaPath := s.objectPaths(info.Digest)
		stored, err := readAll(blobPath)
		if err != nil {
			return pushed, err
		}
		meta, err := readAll(metaPath)
		if err != nil {
			return pushed, err
		}
		if err := m.Push(ctx, info, stored, meta); err != nil {
			return pushed, err
		}
		pushed++
	}

	log.Info().Int("pushed", pushed).Int("total", len(infos)).Msg("cas mirror sync completed")
	return pushed, nil
}
