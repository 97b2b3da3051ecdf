package engine

import (
	"fmt"
	"sort"

	"reprorun/internal/canonical"
	"reprorun/internal/digest"
)

// ProofBundle is the optional provenance record for one execution: a merkle
// root summarizing every input and output digest, plus the digests needed to
// re-verify the bundle against its request and result.
type ProofBundle struct {
	RequestID     string    `json:"request_id"`
	RequestDigest string    `json:"request_digest"`
	ResultDigest  string    `json:"result_digest"`
	MerkleRoot    string    `json:"merkle_root"`
	PolicyDigest  string    `json:"policy_digest"`
	TraceDigest   string    `json:"trace_digest"`
	Signature     Signature `json:"signature"`
}

// BuildProof assembles the bundle for a sealed result.
func BuildProof(eng *digest.Engine, req *ExecutionRequest, res *ExecutionResult) (ProofBundle, error) {
	policyDg, err := policyDigest(eng, req)
	if err != nil {
		return ProofBundle{}, err
	}
	return ProofBundle{
		RequestID:     res.RequestID,
		RequestDigest: res.RequestDigest,
		ResultDigest:  res.ResultDigest,
		MerkleRoot:    merkleRoot(eng, proofLeaves(req, res)),
		PolicyDigest:  policyDg,
		TraceDigest:   res.TraceDigest,
		Signature:     Unsigned(),
	}, nil
}

// VerifyProof recomputes every field of the bundle from the request and
// result and compares. Any divergence fails closed.
func VerifyProof(eng *digest.Engine, bundle ProofBundle, req *ExecutionRequest, res *ExecutionResult) error {
	want, err := BuildProof(eng, req, res)
	if err != nil {
		return err
	}
	checks := []struct {
		field    string
		got, exp string
	}{
		{"request_digest", bundle.RequestDigest, want.RequestDigest},
		{"result_digest", bundle.ResultDigest, want.ResultDigest},
		{"merkle_root", bundle.MerkleRoot, want.MerkleRoot},
		{"policy_digest", bundle.PolicyDigest, want.PolicyDigest},
		{"trace_digest", bundle.TraceDigest, want.TraceDigest},
	}
	for _, c := range checks {
		if c.got != c.exp {
			return fmt.Errorf("%w: %s is %s, expected %s", ErrProofInvalid, c.field, c.got, c.exp)
		}
	}
	return nil
}

// proofLeaves collects the input and output digests covered by the merkle
// root, sorted so leaf order never depends on map iteration.
func proofLeaves(req *ExecutionRequest, res *ExecutionResult) []string {
	leaves := make([]string, 0, len(req.Inputs)+len(res.OutputDigests))
	for _, dg := range req.Inputs {
		leaves = append(leaves, dg)
	}
	for _, dg := range res.OutputDigests {
		leaves = append(leaves, dg)
	}
	sort.Strings(leaves)
	return leaves
}

// merkleRoot reduces the leaf digests pairwise until one remains. An odd
// leaf is promoted unchanged; an empty set hashes the empty string so the
// root is always well defined.
func merkleRoot(eng *digest.Engine, leaves []string) string {
	if len(leaves) == 0 {
		return eng.SumBytes(nil)
	}
	level := leaves
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, eng.SumBytes([]byte(level[i]+level[i+1])))
		}
		level = next
	}
	return level[0]
}

func policyDigest(eng *digest.Engine, req *ExecutionRequest) (string, error) {
	b, err := canonical.Marshal(req.Policy)
	if err != nil {
		return "", err
	}
	return eng.SumBytes(b), nil
}
