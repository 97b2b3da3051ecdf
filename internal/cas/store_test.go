package cas

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"reprorun/internal/digest"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	eng, err := digest.New(digest.Options{})
	if err != nil {
		t.Fatal(err)
	}
	s, err := Open(t.TempDir(), eng, opts)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestPutGet_RoundTrip(t *testing.T) {
	s := newTestStore(t, Options{})

	tests := [][]byte{
		{},
		[]byte("hello"),
		[]byte{0x00, 0xff, 0x00},
		bytes.Repeat([]byte("large-blob-"), 100000),
	}
	for _, data := range tests {
		info, err := s.Put(data)
		if err != nil {
			t.Fatalf("Put(%d bytes) = %v", len(data), err)
		}
		if !digest.Valid(info.Digest) {
			t.Errorf("Put returned malformed digest %q", info.Digest)
		}
		if info.Size != int64(len(data)) {
			t.Errorf("Size = %d, want %d", info.Size, len(data))
		}

		got, err := s.Get(info.Digest)
		if err != nil {
			t.Fatalf("Get(%s) = %v", info.Digest, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("round trip mismatch for %d bytes", len(data))
		}
	}
}

func TestPut_Compression(t *testing.T) {
	s := newTestStore(t, Options{Compress: true, CompressMin: 64})

	compressible := bytes.Repeat([]byte("abcdefgh"), 4096)
	info, err := s.Put(compressible)
	if err != nil {
		t.Fatal(err)
	}
	if info.Encoding != EncodingZstd {
		t.Errorf("Encoding = %s, want zstd", info.Encoding)
	}
	if info.StoredSize >= info.Size {
		t.Errorf("StoredSize = %d not smaller than Size = %d", info.StoredSize, info.Size)
	}

	got, err := s.Get(info.Digest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, compressible) {
		t.Error("compressed round trip mismatch")
	}

	small, err := s.Put([]byte("tiny"))
	if err != nil {
		t.Fatal(err)
	}
	if small.Encoding != EncodingIdentity {
		t.Errorf("small blob Encoding = %s, want identity", small.Encoding)
	}
}

func TestPut_Dedup(t *testing.T) {
	s := newTestStore(t, Options{})

	a, err := s.Put([]byte("same bytes"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Put([]byte("same bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if a.Digest != b.Digest {
		t.Errorf("dedup digests differ: %s vs %s", a.Digest, b.Digest)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		t.Error("second Put rewrote the object instead of short-circuiting")
	}

	infos, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 {
		t.Errorf("List() = %d objects, want 1", len(infos))
	}
}

func TestGet_CorruptionDetected(t *testing.T) {
	s := newTestStore(t, Options{})
	info, err := s.Put([]byte("precious bytes that must not rot"))
	if err != nil {
		t.Fatal(err)
	}

	blobPath, _ := s.objectPaths(info.Digest)
	blob, err := os.ReadFile(blobPath)
	if err != nil {
		t.Fatal(err)
	}

	// Flipping any single byte must surface as an integrity failure,
	// never as corrupted content.
	for i := range blob {
		corrupted := append([]byte(nil), blob...)
		corrupted[i] ^= 0x01
		if err := os.WriteFile(blobPath, corrupted, 0600); err != nil {
			t.Fatal(err)
		}

		_, err := s.Get(info.Digest)
		if !IsIntegrity(err) {
			t.Fatalf("byte %d flipped: Get() err = %v, want IntegrityError", i, err)
		}
	}
}

func TestGet_MetadataTamperDetected(t *testing.T) {
	s := newTestStore(t, Options{})
	info, err := s.Put([]byte("content"))
	if err != nil {
		t.Fatal(err)
	}

	_, metaPath := s.objectPaths(info.Digest)
	if err := os.WriteFile(metaPath, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(info.Digest); !IsIntegrity(err) {
		t.Errorf("Get() with mangled metadata err = %v, want IntegrityError", err)
	}
}

func TestGet_InvalidDigestRejectedBeforeIO(t *testing.T) {
	s := newTestStore(t, Options{})

	tests := []string{
		"",
		"short",
		strings.Repeat("A", 64),
		"../../../../etc/passwd" + strings.Repeat("a", 42),
		strings.Repeat("a", 63) + "/",
	}
	for _, dg := range tests {
		if _, err := s.Get(dg); !errors.Is(err, ErrInvalidDigest) {
			t.Errorf("Get(%q) err = %v, want ErrInvalidDigest", dg, err)
		}
		if s.Has(dg) {
			t.Errorf("Has(%q) = true for malformed digest", dg)
		}
	}
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t, Options{})
	missing := strings.Repeat("ab", 32)
	if _, err := s.Get(missing); !IsNotFound(err) {
		t.Errorf("Get(missing) err = %v, want ErrNotFound", err)
	}
}

func TestHasAndInfo(t *testing.T) {
	s := newTestStore(t, Options{})
	info, err := s.Put([]byte("x"))
	if err != nil {
		t.Fatal(err)
	}

	if !s.Has(info.Digest) {
		t.Error("Has() = false for committed object")
	}

	got, err := s.Info(info.Digest)
	if err != nil {
		t.Fatal(err)
	}
	if got.Digest != info.Digest || got.StoredDigest != info.StoredDigest {
		t.Errorf("Info() = %+v, want %+v", got, info)
	}
}

func TestGC(t *testing.T) {
	s := newTestStore(t, Options{})
	kept, err := s.Put([]byte("keep me"))
	if err != nil {
		t.Fatal(err)
	}
	doomed, err := s.Put([]byte("collect me"))
	if err != nil {
		t.Fatal(err)
	}

	keep := map[string]struct{}{kept.Digest: {}}

	// Dry run reports but must not delete.
	report, err := s.GC(keep, false)
	if err != nil {
		t.Fatal(err)
	}
	if !report.DryRun || report.Unreferenced != 1 || report.Deleted != 0 {
		t.Errorf("dry run report = %+v", report)
	}
	if !s.Has(doomed.Digest) {
		t.Fatal("dry run deleted an object")
	}

	report, err = s.GC(keep, true)
	if err != nil {
		t.Fatal(err)
	}
	if report.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1", report.Deleted)
	}
	if s.Has(doomed.Digest) {
		t.Error("collected object still present")
	}
	if !s.Has(kept.Digest) {
		t.Error("referenced object was deleted")
	}
	if _, err := s.Get(kept.Digest); err != nil {
		t.Errorf("kept object unreadable after gc: %v", err)
	}
}

func TestCommit_NoPartialObjects(t *testing.T) {
	s := newTestStore(t, Options{})
	info, err := s.Put([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}

	// tmp must never hold anything after a successful commit.
	entries, err := os.ReadDir(filepath.Join(s.Root(), "tmp"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("tmp dir has %d leftovers after commit", len(entries))
	}
	if err := s.Verify(info.Digest); err != nil {
		t.Errorf("Verify() = %v", err)
	}
}
