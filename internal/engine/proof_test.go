package engine

import (
	"testing"
)

func TestBuildAndVerifyProof(t *testing.T) {
	eng := testEngine(t)

	req := baseRequest()
	req.Inputs = map[string]string{
		"a.txt": eng.SumBytes([]byte("a")),
		"b.txt": eng.SumBytes([]byte("b")),
	}
	res := sampleResult(eng)
	res.RequestDigest, _ = req.Digest(eng)
	if err := res.Seal(eng); err != nil {
		t.Fatal(err)
	}

	bundle, err := BuildProof(eng, &req, &res)
	if err != nil {
		t.Fatalf("BuildProof() error = %v", err)
	}
	if bundle.Signature.Status != SignatureUnsigned {
		t.Errorf("Signature.Status = %q, want unsigned", bundle.Signature.Status)
	}
	if bundle.MerkleRoot == "" || bundle.PolicyDigest == "" {
		t.Fatal("bundle has empty digests")
	}
	if err := VerifyProof(eng, bundle, &req, &res); err != nil {
		t.Errorf("VerifyProof() error = %v", err)
	}
}

func TestVerifyProof_DetectsTamper(t *testing.T) {
	eng := testEngine(t)

	req := baseRequest()
	res := sampleResult(eng)
	if err := res.Seal(eng); err != nil {
		t.Fatal(err)
	}
	bundle, err := BuildProof(eng, &req, &res)
	if err != nil {
		t.Fatal(err)
	}

	tampered := bundle
	tampered.MerkleRoot = eng.SumBytes([]byte("forged"))
	if err := VerifyProof(eng, tampered, &req, &res); err == nil {
		t.Error("VerifyProof() accepted a forged merkle root")
	}

	otherRes := sampleResult(eng)
	otherRes.ExitCode = 7
	if err := otherRes.Seal(eng); err != nil {
		t.Fatal(err)
	}
	if err := VerifyProof(eng, bundle, &req, &otherRes); err == nil {
		t.Error("VerifyProof() accepted a bundle against a different result")
	}
}

func TestMerkleRoot(t *testing.T) {
	eng := testEngine(t)

	empty := merkleRoot(eng, nil)
	if empty != eng.SumBytes(nil) {
		t.Error("empty leaf set root is not the empty-input digest")
	}

	single := merkleRoot(eng, []string{"aaaa"})
	if single != "aaaa" {
		t.Errorf("single leaf root = %q, want the leaf itself", single)
	}

	// Order sensitivity on an already-sorted leaf slice: reversing must
	// change the root, which is why proofLeaves sorts first.
	ab := merkleRoot(eng, []string{"aaaa", "bbbb"})
	ba := merkleRoot(eng, []string{"bbbb", "aaaa"})
	if ab == ba {
		t.Error("merkle root is order insensitive")
	}

	odd := merkleRoot(eng, []string{"aaaa", "bbbb", "cccc"})
	again := merkleRoot(eng, []string{"aaaa", "bbbb", "cccc"})
	if odd != again {
		t.Error("odd leaf count root is unstable")
	}
}

func TestProofLeaves_SortedRegardlessOfMapOrder(t *testing.T) {
	eng := testEngine(t)

	req := baseRequest()
	req.Inputs = map[string]string{
		"z": eng.SumBytes([]byte("z")),
		"a": eng.SumBytes([]byte("a")),
		"m": eng.SumBytes([]byte("m")),
	}
	res := sampleResult(eng)
	res.OutputDigests = map[string]string{
		"out2": eng.SumBytes([]byte("o2")),
		"out1": eng.SumBytes([]byte("o1")),
	}

	first := merkleRoot(eng, proofLeaves(&req, &res))
	for i := 0; i < 50; i++ {
		if got := merkleRoot(eng, proofLeaves(&req, &res)); got != first {
			t.Fatalf("merkle root unstable on iteration %d", i)
		}
	}
}
