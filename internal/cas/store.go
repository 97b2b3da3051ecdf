// Package cas implements the content-addressable store. Objects are keyed by
// the cas-domain digest of their original bytes, committed with an
// append-then-rename pattern, and verified with two digests on every read:
// one over the stored (possibly compressed) blob and one over the decoded
// content. There is no mutation path: an object either does not exist yet or
// holds its committed bytes forever.
package cas

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"reprorun/internal/digest"
)

const (
	EncodingIdentity = "identity"
	EncodingZstd     = "zstd"

	blobSuffix = ".blob"
	metaSuffix = ".json"
)

// ObjectInfo is the stored metadata for one object.
type ObjectInfo struct {
	Digest       string    `json:"digest"`
	Encoding     string    `json:"encoding"`
	Size         int64     `json:"size"`
	StoredSize   int64     `json:"stored_size"`
	StoredDigest string    `json:"stored_digest"`
	CreatedAt    time.Time `json:"created_at"`
}

// Options configures store behavior.
type Options struct {
	// Compress enables zstd encoding for blobs at or above CompressMin
	// bytes. Identity encoding is used when compression does not shrink
	// the blob.
	Compress    bool
	CompressMin int
}

// Store is a filesystem-backed CAS rooted at a single directory. Concurrent
// use is safe: the atomic rename commit is the only synchronization needed,
// and a digest is only discoverable after its rename completes.
type Store struct {
	root string
	eng  *digest.Engine
	opts Options
	enc  *zstd.Encoder
	dec  *zstd.Decoder
}

// Open prepares the store directories under root.
func Open(root string, eng *digest.Engine, opts Options) (*Store, error) {
	if opts.CompressMin <= 0 {
		opts.CompressMin = 4096
	}
	for _, dir := range []string{root, filepath.Join(root, "objects"), filepath.Join(root, "tmp")} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("initializing zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("initializing zstd decoder: %w", err)
	}
	return &Store{root: root, eng: eng, opts: opts, enc: enc, dec: dec}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// objectPaths shards a digest into two directory levels so no single
// directory accumulates every object.
func (s *Store) objectPaths(dg string) (blobPath, metaPath string) {
	dir := filepath.Join(s.root, "objects", dg[:2], dg[2:4])
	return filepath.Join(dir, dg+blobSuffix), filepath.Join(dir, dg+metaSuffix)
}

// Put commits data and returns its metadata. Storing bytes that already
// exist is a no-op returning the existing object; two writers racing on the
// same digest converge on identical on-disk state.
func (s *Store) Put(data []byte) (ObjectInfo, error) {
	dg := s.eng.Sum(digest.DomainCAS, data)

	if info, err := s.Info(dg); err == nil {
		return info, nil
	}

	stored := data
	encoding := EncodingIdentity
	if s.opts.Compress && len(data) >= s.opts.CompressMin {
		compressed := s.enc.EncodeAll(data, nil)
		if len(compressed) < len(data) {
			stored = compressed
			encoding = EncodingZstd
		}
	}

	info := ObjectInfo{
		Digest:       dg,
		Encoding:     encoding,
		Size:         int64(len(data)),
		StoredSize:   int64(len(stored)),
		StoredDigest: s.eng.SumBytes(stored),
		CreatedAt:    time.Now().UTC(),
	}

	blobPath, metaPath := s.objectPaths(dg)
	if err := os.MkdirAll(filepath.Dir(blobPath), 0750); err != nil {
		return ObjectInfo{}, fmt.Errorf("creating shard directory: %w", err)
	}

	if err := s.commitFile(blobPath, stored); err != nil {
		return ObjectInfo{}, fmt.Errorf("committing blob %s: %w", dg, err)
	}

	meta, err := json.Marshal(info)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("encoding metadata: %w", err)
	}
	if err := s.commitFile(metaPath, meta); err != nil {
		// Roll the blob back so a half-committed object is never
		// discoverable.
		if rmErr := os.Remove(blobPath); rmErr != nil {
			log.Error().Err(rmErr).Str("digest", dg).Msg("orphaned blob left after metadata failure")
		}
		return ObjectInfo{}, fmt.Errorf("committing metadata %s: %w", dg, err)
	}

	return info, nil
}

// commitFile writes data to a temp file in the store's tmp dir and renames
// it into place. Rename is atomic on the same filesystem, so readers never
// observe a partial file.
func (s *Store) commitFile(dst string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "put-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dst)
}

// Get returns the original bytes for dg. Malformed digests are rejected
// before any filesystem access. Both the stored-blob digest and the decoded
// content digest are verified; any divergence returns an IntegrityError,
// never substituted bytes.
func (s *Store) Get(dg string) ([]byte, error) {
	if !digest.Valid(dg) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDigest, dg)
	}

	info, err := s.Info(dg)
	if err != nil {
		return nil, err
	}

	blobPath, _ := s.objectPaths(dg)
	stored, err := os.ReadFile(blobPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, dg)
		}
		return nil, fmt.Errorf("reading blob %s: %w", dg, err)
	}

	if got := s.eng.SumBytes(stored); got != info.StoredDigest {
		return nil, &IntegrityError{Digest: dg, Stage: "stored_blob", Expected: info.StoredDigest, Observed: got}
	}

	data := stored
	if info.Encoding == EncodingZstd {
		data, err = s.dec.DecodeAll(stored, nil)
		if err != nil {
			return nil, &IntegrityError{Digest: dg, Stage: "decode", Expected: info.StoredDigest, Observed: "undecodable"}
		}
	}

	if got := s.eng.Sum(digest.DomainCAS, data); got != dg {
		return nil, &IntegrityError{Digest: dg, Stage: "content", Expected: dg, Observed: got}
	}
	return data, nil
}

// Has is the fast existence check: digest syntax plus metadata presence, no
// verification.
func (s *Store) Has(dg string) bool {
	if !digest.Valid(dg) {
		return false
	}
	_, metaPath := s.objectPaths(dg)
	_, err := os.Stat(metaPath)
	return err == nil
}

// Info reads an object's metadata without touching the blob.
func (s *Store) Info(dg string) (ObjectInfo, error) {
	if !digest.Valid(dg) {
		return ObjectInfo{}, fmt.Errorf("%w: %q", ErrInvalidDigest, dg)
	}
	_, metaPath := s.objectPaths(dg)
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectInfo{}, fmt.Errorf("%w: %s", ErrNotFound, dg)
		}
		return ObjectInfo{}, fmt.Errorf("reading metadata %s: %w", dg, err)
	}
	var info ObjectInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return ObjectInfo{}, &IntegrityError{Digest: dg, Stage: "metadata", Expected: "valid metadata", Observed: "unparseable"}
	}
	if info.Digest != dg {
		return ObjectInfo{}, &IntegrityError{Digest: dg, Stage: "metadata", Expected: dg, Observed: info.Digest}
	}
	return info, nil
}

// Verify fully checks one object without returning its bytes.
func (s *Store) Verify(dg string) error {
	_, err := s.Get(dg)
	return err
}

func readAll(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

// List enumerates every committed object.
func (s *Store) List() ([]ObjectInfo, error) {
	var infos []ObjectInfo
	objRoot := filepath.Join(s.root, "objects")
	err := filepath.WalkDir(objRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != metaSuffix {
			return nil
		}
		dg := d.Name()[:len(d.Name())-len(metaSuffix)]
		info, infoErr := s.Info(dg)
		if infoErr != nil {
			log.Warn().Err(infoErr).Str("digest", dg).Msg("skipping unreadable object during list")
			return nil
		}
		infos = append(infos, info)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking object tree: %w", err)
	}
	return infos, nil
}
