package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/forgestack/agentd/internal/domain"
)

// ArtifactRepo stores the workspace scan results of finished runs.
type ArtifactRepo struct{ Pool PgxPool }

// NewArtifactRepo constructs an ArtifactRepo with the given pool.
func NewArtifactRepo(p PgxPool) *ArtifactRepo { return &ArtifactRepo{Pool: p} }

// CreateBatch inserts a scan's artifacts in one round trip.
func (r *ArtifactRepo) CreateBatch(ctx domain.Context, artifacts []domain.Artifact) error {
	if len(artifacts) == 0 {
		return nil
	}
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.CreateBatch")
	defer span.End()
	q := `INSERT INTO artifacts (id, job_id, name, path, size_bytes, checksum, mime_type, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	b := &pgx.Batch{}
	now := time.Now().UTC()
	for _, a := range artifacts {
		id := a.ID
		if id == "" {
			id = uuid.New().String()
		}
		b.Queue(q, id, a.JobID, a.Name, a.Path, a.SizeBytes, a.Checksum, a.MimeType, now)
	}
	res := r.Pool.SendBatch(ctx, b)
	defer func() { _ = res.Close() }()
	for range artifacts {
		if _, err := res.Exec(); err != nil {
			return fmt.Errorf("op=artifact.create_batch: %w", err)
		}
	}
	return nil
}

// ListByJob returns a job's artifacts in scan order.
func (r *ArtifactRepo) ListByJob(ctx domain.Context, jobID string) ([]domain.Artifact, error) {
	tracer := otel.Tracer("repo.artifacts")
	ctx, span := tracer.Start(ctx, "artifacts.ListByJob")
	defer span.End()
	q := `SELECT id, job_id, name, path, size_bytes, checksum, mime_type, created_at
		FROM artifacts WHERE job_id=$1 ORDER BY path ASC`
	rows, err := r.Pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=artifact.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		if err := rows.Scan(&a.ID, &a.JobID, &a.Name, &a.Path, &a.SizeBytes, &a.Checksum, &a.MimeType, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=artifact.list: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=artifact.list: %w", err)
	}
	return out, nil
}
