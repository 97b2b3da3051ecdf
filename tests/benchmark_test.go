package tests

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"testing"

	"reprorun/internal/canonical"
	"reprorun/internal/cas"
	"reprorun/internal/digest"
	"reprorun/internal/engine"
	"reprorun/internal/policy"
)

func benchEngine(b *testing.B) *digest.Engine {
	b.Helper()
	eng, err := digest.New(digest.Options{})
	if err != nil {
		b.Fatalf("digest.New() error = %v", err)
	}
	return eng
}

func BenchmarkDigest(b *testing.B) {
	eng := benchEngine(b)

	for _, size := range []int{64, 4 << 10, 1 << 20} {
		payload := make([]byte, size)
		b.Run(fmt.Sprintf("%dB", size), func(b *testing.B) {
			b.SetBytes(int64(size))
			for i := 0; i < b.N; i++ {
				_ = eng.Sum(digest.DomainCAS, payload)
			}
		})
	}
}

func BenchmarkCanonicalTransform(b *testing.B) {
	raw := []byte(`{"z": 1, "a": {"nested": [3, 2.5, "s"], "b": true}, "m": null}`)
	for i := 0; i < b.N; i++ {
		if _, err := canonical.Transform(raw); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCASPut(b *testing.B) {
	eng := benchEngine(b)
	store, err := cas.Open(b.TempDir(), eng, cas.Options{})
	if err != nil {
		b.Fatalf("cas.Open() error = %v", err)
	}

	payload := make([]byte, 16<<10)
	b.SetBytes(int64(len(payload)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		// Vary the payload so every put is a fresh object, not a dedup hit.
		payload[0], payload[1], payload[2], payload[3] = byte(i), byte(i>>8), byte(i>>16), byte(i>>24)
		if _, err := store.Put(payload); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCASGet(b *testing.B) {
	eng := benchEngine(b)
	store, err := cas.Open(b.TempDir(), eng, cas.Options{})
	if err != nil {
		b.Fatalf("cas.Open() error = %v", err)
	}
	info, err := store.Put(make([]byte, 16<<10))
	if err != nil {
		b.Fatal(err)
	}

	b.SetBytes(info.Size)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := store.Get(info.Digest); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkExecute(b *testing.B) {
	if runtime.GOOS == "windows" {
		b.Skip("requires a POSIX shell")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		b.Skip("/bin/sh not available")
	}

	eng := benchEngine(b)
	exec := engine.NewExecutor(eng, engine.ExecutorOptions{})
	workspace := b.TempDir()

	req := engine.ExecutionRequest{
		Command:       "/bin/sh",
		Argv:          []string{"-c", "true"},
		WorkspaceRoot: workspace,
		TimeoutMS:     10000,
		Policy:        policy.Default(),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := exec.Execute(context.Background(), req); err != nil {
			b.Fatal(err)
		}
	}
}
