package proxy

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"reprorun/internal/cas"
	"reprorun/internal/digest"
)

func testStore(t *testing.T) (*cas.Store, *digest.Engine) {
	t.Helper()
	eng, err := digest.New(digest.Options{})
	if err != nil {
		t.Fatalf("digest.New() error = %v", err)
	}
	store, err := cas.Open(t.TempDir(), eng, cas.Options{})
	if err != nil {
		t.Fatalf("cas.Open() error = %v", err)
	}
	return store, eng
}

func get(t *testing.T, cp *CachePeer, dg, secret string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/cas/"+dg, nil)
	req.SetPathValue("digest", dg)
	if secret != "" {
		req.Header.Set("x-api-key", secret)
	}
	rec := httptest.NewRecorder()
	cp.handleGet(rec, req)
	return rec
}

func TestCachePeer_ServesLocalObject(t *testing.T) {
	store, eng := testStore(t)
	data := []byte("already here")
	info, err := store.Put(data)
	if err != nil {
		t.Fatal(err)
	}

	cp := New(0, store, eng, "http://unreachable.invalid", "", "")
	rec := get(t, cp, info.Digest, "")

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), data) {
		t.Errorf("got body %q, want %q", rec.Body.Bytes(), data)
	}
}

func TestCachePeer_FetchesAndCachesFromUpstream(t *testing.T) {
	store, eng := testStore(t)
	data := []byte("remote object")
	dg := eng.Sum(digest.DomainCAS, data)

	fetches := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		if r.URL.Path != "/cas/"+dg {
			t.Errorf("upstream got path %q", r.URL.Path)
		}
		_, _ = w.Write(data)
	}))
	defer upstream.Close()

	cp := New(0, store, eng, upstream.URL, "", "")

	rec := get(t, cp, dg, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("miss: got status %d, want 200", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), data) {
		t.Errorf("got body %q, want %q", rec.Body.Bytes(), data)
	}

	// Second read is a local hit.
	rec = get(t, cp, dg, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("hit: got status %d, want 200", rec.Code)
	}
	if fetches != 1 {
		t.Errorf("got %d upstream fetches, want 1", fetches)
	}
}

func TestCachePeer_RejectsCorruptUpstreamObject(t *testing.T) {
	store, eng := testStore(t)
	dg := eng.Sum(digest.DomainCAS, []byte("expected bytes"))

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("different bytes"))
	}))
	defer upstream.Close()

	cp := New(0, store, eng, upstream.URL, "", "")
	rec := get(t, cp, dg, "")

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("got status %d, want 502", rec.Code)
	}
	if store.Has(dg) {
		t.Errorf("corrupt object was committed to the local store")
	}
}

func TestCachePeer_SharedSecret(t *testing.T) {
	store, eng := testStore(t)
	info, err := store.Put([]byte("guarded"))
	if err != nil {
		t.Fatal(err)
	}

	cp := New(0, store, eng, "http://unreachable.invalid", "", "s3cret")

	rec := get(t, cp, info.Digest, "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("no secret: got status %d, want 403", rec.Code)
	}
	rec = get(t, cp, info.Digest, "wrong")
	if rec.Code != http.StatusForbidden {
		t.Errorf("wrong secret: got status %d, want 403", rec.Code)
	}
	rec = get(t, cp, info.Digest, "s3cret")
	if rec.Code != http.StatusOK {
		t.Errorf("right secret: got status %d, want 200", rec.Code)
	}
}

func TestCachePeer_MissingUpstreamObject(t *testing.T) {
	store, eng := testStore(t)
	dg := strings.Repeat("ab", 32)

	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()

	cp := New(0, store, eng, upstream.URL, "", "")
	rec := get(t, cp, dg, "")
	if rec.Code != http.StatusBadGateway {
		t.Errorf("got status %d, want 502", rec.Code)
	}
}
