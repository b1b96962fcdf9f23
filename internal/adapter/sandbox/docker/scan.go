package docker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/forgestack/agentd/internal/domain"
)

const maxScanArtifacts = 500

// Scanner adapts ScanWorkspace to the dispatcher's workspace scanner port.
type Scanner struct{}

// Scan walks the workspace and returns artifact records for jobID.
func (Scanner) Scan(workspace, jobID string, now time.Time) ([]domain.Artifact, error) {
	return ScanWorkspace(workspace, jobID, now)
}

// ScanWorkspace walks a finished job's workspace and turns every regular
// file into an artifact record with size, sha256, and detected mime type.
// Hidden files and internal logs are skipped. Unreadable files are skipped
// rather than failing the whole scan.
func ScanWorkspace(workspace, jobID string, now time.Time) ([]domain.Artifact, error) {
	var artifacts []domain.Artifact
	err := filepath.WalkDir(workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if name != "." && (strings.HasPrefix(name, ".") || name == "node_modules" || name == "__pycache__") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasPrefix(name, ".") {
			return nil
		}
		if len(artifacts) >= maxScanArtifacts {
			return filepath.SkipAll
		}

		rel, relErr := filepath.Rel(workspace, path)
		if relErr != nil {
			return relErr
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		sum, sumErr := fileSHA256(path)
		if sumErr != nil {
			return nil
		}
		mime := "application/octet-stream"
		if mt, mtErr := mimetype.DetectFile(path); mtErr == nil {
			mime = mt.String()
		}
		artifacts = append(artifacts, domain.Artifact{
			JobID:     jobID,
			Name:      name,
			Path:      filepath.ToSlash(rel),
			SizeBytes: info.Size(),
			Checksum:  sum,
			MimeType:  mime,
			CreatedAt: now,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("op=sandbox.scan: %w", err)
	}
	return artifacts, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
