// Package storage implements the Postgres repositories behind the HTTP
// layer.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/taskworks/backend/internal/ports"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ProjectRepository implements ports.ProjectStore over a pgx pool.
type ProjectRepository struct {
	pool   *pgxpool.Pool
	logger ports.Logger
}

// NewPool opens a pgx pool against the configured Postgres URL.
func NewPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	return pool, nil
}

// NewProjectRepository creates a repository bound to pool.
func NewProjectRepository(pool *pgxpool.Pool, logger ports.Logger) *ProjectRepository {
	return &ProjectRepository{
		pool:   pool,
		logger: logger.WithFields(ports.Field{Key: "component", Value: "project-repository"}),
	}
}

// FindProjects returns a page of projects filtered by name, plus the total
// match count. An empty name matches everything.
func (r *ProjectRepository) FindProjects(ctx context.Context, name string, pageSize, offset int64) ([]ports.Project, int64, error) {
	const query = `
		WITH filtered_projects AS (
			SELECT id,
			       project_name,
			       comment,
			       COUNT(*) OVER () AS total_count
			FROM hm.projects
			WHERE ($1 = '' OR project_name LIKE $2)
			ORDER BY id
			LIMIT $3 OFFSET $4
		)
		SELECT id, project_name, comment, total_count
		FROM filtered_projects`

	like := "%" + name + "%"
	rows, err := r.pool.Query(ctx, query, name, like, pageSize, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("find projects: %w", err)
	}
	defer rows.Close()

	var (
		projects []ports.Project
		total    int64
	)
	for rows.Next() {
		var p ports.Project
		if err := rows.Scan(&p.ID, &p.ProjectName, &p.Comment, &total); err != nil {
			return nil, 0, fmt.Errorf("scan project row: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate project rows: %w", err)
	}

	// A page past the last match has no row to carry the window count.
	if len(projects) == 0 && offset > 0 {
		const countQuery = `SELECT COUNT(*) FROM hm.projects WHERE ($1 = '' OR project_name LIKE $2)`
		if err := r.pool.QueryRow(ctx, countQuery, name, like).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("count projects: %w", err)
		}
	}

	return projects, total, nil
}

// GetProject returns one project by id.
func (r *ProjectRepository) GetProject(ctx context.Context, id int64) (*ports.Project, error) {
	const query = `
		SELECT id, project_name, comment
		FROM hm.projects
		WHERE id = $1
		LIMIT 1`

	var p ports.Project
	err := r.pool.QueryRow(ctx, query, id).Scan(&p.ID, &p.ProjectName, &p.Comment)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project %d: %w", id, err)
	}
	return &p, nil
}

// CreateProject inserts a project and returns the stored row.
func (r *ProjectRepository) CreateProject(ctx context.Context, name string, comment *string) (*ports.Project, error) {
	const query = `
		INSERT INTO hm.projects (project_name, comment, created_at, updated_at)
		VALUES ($1, $2, now(), now())
		RETURNING id, project_name, comment`

	var p ports.Project
	if err := r.pool.QueryRow(ctx, query, name, comment).Scan(&p.ID, &p.ProjectName, &p.Comment); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}

	r.logger.Debug("project created", ports.Field{Key: "id", Value: p.ID})
	return &p, nil
}

// UpdateProject rewrites a project's name and comment.
func (r *ProjectRepository) UpdateProject(ctx context.Context, id int64, name string, comment *string) (*ports.Project, error) {
	const query = `
		UPDATE hm.projects
		SET project_name = $2, comment = $3, updated_at = now()
		WHERE id = $1
		RETURNING id, project_name, comment`

	var p ports.Project
	err := r.pool.QueryRow(ctx, query, id, name, comment).Scan(&p.ID, &p.ProjectName, &p.Comment)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update project %d: %w", id, err)
	}
	return &p, nil
}

// DeleteProject removes a project by id.
func (r *ProjectRepository) DeleteProject(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM hm.projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete project %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks the database connection.
func (r *ProjectRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
