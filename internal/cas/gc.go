package cas

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// GCReport summarizes a garbage-collection pass.
type GCReport struct {
	Scanned        int      `json:"scanned"`
	Unreferenced   int      `json:"unreferenced"`
	Deleted        int      `json:"deleted"`
	ReclaimedBytes int64    `json:"reclaimed_bytes"`
	DryRun         bool     `json:"dry_run"`
	Candidates     []string `json:"candidates,omitempty"`
}

// GC scans all objects and removes those whose digest is not in keep.
// Dry-run is the default; apply must be set explicitly before anything is
// deleted. The tmp directory is always swept of stale commit leftovers.
func (s *Store) GC(keep map[string]struct{}, apply bool) (GCReport, error) {
	report := GCReport{DryRun: !apply}

	infos, err := s.List()
	if err != nil {
		return report, err
	}
	report.Scanned = len(infos)

	for _, info := range infos {
		if _, referenced := keep[info.Digest]; referenced {
			continue
		}
		report.Unreferenced++
		report.Candidates = append(report.Candidates, info.Digest)
		if !apply {
			continue
		}

		blobPath, metaPath := s.objectPaths(info.Digest)
		// Metadata first: once it is gone the object is undiscoverable,
		// so a crash between the two removes leaves no readable orphan.
		if err := os.Remove(metaPath); err != nil {
			return report, fmt.Errorf("removing metadata %s: %w", info.Digest, err)
		}
		if err := os.Remove(blobPath); err != nil && !os.IsNotExist(err) {
			return report, fmt.Errorf("removing blob %s: %w", info.Digest, err)
		}
		report.Deleted++
		report.ReclaimedBytes += info.StoredSize
	}

	s.sweepTmp()

	log.Info().
		Int("scanned", report.Scanned).
		Int("unreferenced", report.Unreferenced).
		Int("deleted", report.Deleted).
		Bool("dry_run", report.DryRun).
		Msg("cas gc completed")
	return report, nil
}

// sweepTmp removes abandoned temp files from interrupted commits. Objects
// are never stored under tmp, so this cannot touch committed data.
func (s *Store) sweepTmp() {
	entries, err := os.ReadDir(filepath.Join(s.root, "tmp"))
	if err != nil {
		return
	}
	for _, e := range entries {
		_ = os.Remove(filepath.Join(s.root, "tmp", e.Name()))
	}
}
