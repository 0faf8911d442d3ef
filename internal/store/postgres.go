package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/screening-cli/internal/db"
	"github.com/sells-group/screening-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries prepared on each new connection. They
// back the hot paths of a running pipeline: job progress writes and
// count reads on every snapshot.
var preparedStatements = map[string]string{
	"update_job": `UPDATE jobs SET state = $1, handle = $2, progress = $3, error_kind = $4, error = $5,
		output_count = $6, updated_at = $7, completed_at = $8
		WHERE id = $9 AND state IN ('submitting', 'running')`,
	"list_stage_records": `SELECT project_id, stage, processed_count, COALESCE(last_job_id, '')
		FROM stage_records WHERE project_id = $1`,
	"get_job": `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS projects (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	title        TEXT NOT NULL,
	owner        TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'active',
	start_date   TIMESTAMPTZ,
	end_date     TIMESTAMPTZ,
	criteria     TEXT NOT NULL DEFAULT '',
	ifu_document TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS stage_records (
	project_id      TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	stage           TEXT NOT NULL,
	processed_count INTEGER NOT NULL DEFAULT 0 CHECK (processed_count >= 0),
	last_job_id     TEXT,
	PRIMARY KEY (project_id, stage)
);

CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	project_id   TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	stage        TEXT NOT NULL,
	state        TEXT NOT NULL,
	handle       TEXT NOT NULL DEFAULT '',
	progress     DOUBLE PRECISION NOT NULL DEFAULT 0,
	error_kind   TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	output_count INTEGER NOT NULL DEFAULT 0,
	submitted_at TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_one_active
	ON jobs(project_id, stage) WHERE state IN ('submitting', 'running');
CREATE INDEX IF NOT EXISTS idx_jobs_project ON jobs(project_id);

CREATE TABLE IF NOT EXISTS article_decisions (
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	article_id TEXT NOT NULL,
	decision   TEXT NOT NULL,
	PRIMARY KEY (project_id, article_id)
);

CREATE TABLE IF NOT EXISTS override_entries (
	seq               BIGSERIAL PRIMARY KEY,
	id                TEXT NOT NULL UNIQUE,
	project_id        TEXT NOT NULL,
	article_id        TEXT NOT NULL,
	previous_decision TEXT NOT NULL DEFAULT '',
	new_decision      TEXT NOT NULL,
	rationale         TEXT NOT NULL CHECK (length(btrim(rationale)) > 0),
	actor             TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_override_entries_article ON override_entries(project_id, article_id);

CREATE OR REPLACE FUNCTION override_entries_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'override entries are append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS override_entries_no_modify ON override_entries;
CREATE TRIGGER override_entries_no_modify
	BEFORE UPDATE OR DELETE ON override_entries
	FOR EACH ROW EXECUTE FUNCTION override_entries_append_only();
`

// Ping checks connectivity to the database.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Projects ---

func (s *PostgresStore) CreateProject(ctx context.Context, p model.Project) (*model.Project, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = model.ProjectStatusActive
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO projects (id, title, owner, status, start_date, end_date, criteria, ifu_document, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.Title, p.Owner, string(p.Status), p.StartDate, p.EndDate,
		p.Criteria, p.IFUDocument, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert project")
	}
	return &p, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, title, owner, status, start_date, end_date, criteria, ifu_document, created_at, updated_at
		 FROM projects WHERE id = $1`, id)
	var p model.Project
	err := row.Scan(&p.ID, &p.Title, &p.Owner, &p.Status, &p.StartDate, &p.EndDate,
		&p.Criteria, &p.IFUDocument, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get project %s", id)
	}
	return &p, nil
}

func (s *PostgresStore) UpdateProject(ctx context.Context, p *model.Project) error {
	p.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET title = $1, owner = $2, status = $3, start_date = $4, end_date = $5,
		 criteria = $6, ifu_document = $7, updated_at = $8 WHERE id = $9`,
		p.Title, p.Owner, string(p.Status), p.StartDate, p.EndDate,
		p.Criteria, p.IFUDocument, p.UpdatedAt, p.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update project %s", p.ID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteProject(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete project %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListProjects(ctx context.Context, filter ProjectFilter) ([]model.Project, error) {
	query := `SELECT id, title, owner, status, start_date, end_date, criteria, ifu_document, created_at, updated_at
	          FROM projects WHERE 1=1`
	var args []any
	argN := 1

	if filter.Status != "" {
		query += ` AND status = $` + strconv.Itoa(argN)
		args = append(args, string(filter.Status))
		argN++
	}
	if filter.Owner != "" {
		query += ` AND owner = $` + strconv.Itoa(argN)
		args = append(args, filter.Owner)
		argN++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT $` + strconv.Itoa(argN) + ` OFFSET $` + strconv.Itoa(argN+1)
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list projects")
	}
	defer rows.Close()

	var projects []model.Project
	for rows.Next() {
		var p model.Project
		if err := rows.Scan(&p.ID, &p.Title, &p.Owner, &p.Status, &p.StartDate, &p.EndDate,
			&p.Criteria, &p.IFUDocument, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan project")
		}
		projects = append(projects, p)
	}
	return projects, eris.Wrap(rows.Err(), "postgres: list projects iterate")
}

// --- Stage records ---

func (s *PostgresStore) ListCounts(ctx context.Context, projectID string) (model.Counts, error) {
	recs, err := s.ListStageRecords(ctx, projectID)
	if err != nil {
		return model.Counts{}, err
	}
	var c model.Counts
	for _, r := range recs {
		c = c.Set(r.Stage, r.ProcessedCount)
	}
	return c, nil
}

func (s *PostgresStore) ListStageRecords(ctx context.Context, projectID string) ([]model.StageRecord, error) {
	rows, err := s.pool.Query(ctx, preparedStatements["list_stage_records"], projectID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list stage records %s", projectID)
	}
	defer rows.Close()

	var recs []model.StageRecord
	for rows.Next() {
		var r model.StageRecord
		if err := rows.Scan(&r.ProjectID, &r.Stage, &r.ProcessedCount, &r.LastJobID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage record")
		}
		recs = append(recs, r)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: list stage records iterate")
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = now
	}
	job.UpdatedAt = now

	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var active int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM jobs WHERE project_id = $1 AND stage = $2 AND state IN ('submitting', 'running')`,
			job.ProjectID, string(job.Stage),
		).Scan(&active); err != nil {
			return eris.Wrap(err, "postgres: count active jobs")
		}
		if active > 0 {
			return ErrJobActive
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO jobs (id, project_id, stage, state, handle, progress, error_kind, error, output_count, submitted_at, updated_at, completed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			job.ID, job.ProjectID, string(job.Stage), string(job.State), job.Handle, job.Progress,
			string(job.ErrorKind), job.Error, job.Output, job.SubmittedAt, job.UpdatedAt, job.CompletedAt,
		); err != nil {
			return eris.Wrap(err, "postgres: insert job")
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO stage_records (project_id, stage, processed_count, last_job_id) VALUES ($1, $2, 0, $3)
			 ON CONFLICT (project_id, stage) DO UPDATE SET last_job_id = EXCLUDED.last_job_id`,
			job.ProjectID, string(job.Stage), job.ID,
		)
		return eris.Wrap(err, "postgres: upsert stage record")
	})
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *model.Job) error {
	job.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, preparedStatements["update_job"],
		string(job.State), job.Handle, job.Progress, string(job.ErrorKind), job.Error, job.Output,
		job.UpdatedAt, job.CompletedAt, job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job %s", job.ID)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var one int
	err = s.pool.QueryRow(ctx, `SELECT 1 FROM jobs WHERE id = $1`, job.ID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: check job %s", job.ID)
	}
	return ErrJobNotActive
}

func (s *PostgresStore) CompleteJob(ctx context.Context, job *model.Job, result JobResult) error {
	now := time.Now().UTC()

	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE jobs SET state = $1, progress = 100, error_kind = '', error = '', output_count = $2,
			 updated_at = $3, completed_at = $4 WHERE id = $5 AND state IN ('submitting', 'running')`,
			string(model.JobStateSucceeded), result.ProcessedCount, now, now, job.ID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: complete job %s", job.ID)
		}
		if tag.RowsAffected() == 0 {
			return ErrJobNotActive
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO stage_records (project_id, stage, processed_count, last_job_id) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (project_id, stage) DO UPDATE SET processed_count = EXCLUDED.processed_count`,
			job.ProjectID, string(job.Stage), result.ProcessedCount, job.ID,
		); err != nil {
			return eris.Wrap(err, "postgres: set processed count")
		}

		if len(result.Decisions) == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, `DELETE FROM article_decisions WHERE project_id = $1`, job.ProjectID); err != nil {
			return eris.Wrap(err, "postgres: clear decisions")
		}
		decisions := lastDecisions(result.Decisions)
		rows := make([][]any, 0, len(decisions))
		for _, d := range decisions {
			rows = append(rows, []any{job.ProjectID, d.ArticleID, string(d.Decision)})
		}
		_, err = db.CopyFrom(ctx, tx, "article_decisions", []string{"project_id", "article_id", "decision"}, rows)
		return err
	})
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var j model.Job
	err := s.pool.QueryRow(ctx, preparedStatements["get_job"], id).Scan(
		&j.ID, &j.ProjectID, &j.Stage, &j.State, &j.Handle, &j.Progress,
		&j.ErrorKind, &j.Error, &j.Output, &j.SubmittedAt, &j.UpdatedAt, &j.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	return &j, nil
}

func (s *PostgresStore) ListActiveJobs(ctx context.Context, projectID string) ([]model.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE project_id = $1 AND state IN ('submitting', 'running')
		 ORDER BY submitted_at`, projectID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list active jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		var j model.Job
		if err := rows.Scan(&j.ID, &j.ProjectID, &j.Stage, &j.State, &j.Handle, &j.Progress,
			&j.ErrorKind, &j.Error, &j.Output, &j.SubmittedAt, &j.UpdatedAt, &j.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list active jobs iterate")
}

// --- Decisions ---

func (s *PostgresStore) GetDecision(ctx context.Context, projectID, articleID string) (model.Decision, error) {
	var d string
	err := s.pool.QueryRow(ctx,
		`SELECT decision FROM article_decisions WHERE project_id = $1 AND article_id = $2`,
		projectID, articleID,
	).Scan(&d)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DecisionNone, nil
	}
	if err != nil {
		return model.DecisionNone, eris.Wrap(err, "postgres: get decision")
	}
	return model.Decision(d), nil
}

func (s *PostgresStore) ListDecisions(ctx context.Context, projectID string) ([]model.ArticleDecision, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT project_id, article_id, decision FROM article_decisions WHERE project_id = $1 ORDER BY article_id`,
		projectID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list decisions")
	}
	defer rows.Close()

	var out []model.ArticleDecision
	for rows.Next() {
		var d model.ArticleDecision
		if err := rows.Scan(&d.ProjectID, &d.ArticleID, &d.Decision); err != nil {
			return nil, eris.Wrap(err, "postgres: scan decision")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list decisions iterate")
}

// --- Overrides ---

func (s *PostgresStore) AppendOverride(ctx context.Context, e *model.OverrideEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO override_entries (id, project_id, article_id, previous_decision, new_decision, rationale, actor, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.ProjectID, e.ArticleID, string(e.PreviousDecision), string(e.NewDecision),
		e.Rationale, e.Actor, e.Timestamp,
	)
	return eris.Wrap(err, "postgres: append override")
}

func (s *PostgresStore) ListOverrides(ctx context.Context, projectID, articleID string) ([]model.OverrideEntry, error) {
	return s.queryOverrides(ctx,
		`SELECT `+overrideColumns+` FROM override_entries WHERE project_id = $1 AND article_id = $2 ORDER BY seq`,
		projectID, articleID)
}

func (s *PostgresStore) ListProjectOverrides(ctx context.Context, projectID string) ([]model.OverrideEntry, error) {
	return s.queryOverrides(ctx,
		`SELECT `+overrideColumns+` FROM override_entries WHERE project_id = $1 ORDER BY seq`,
		projectID)
}

func (s *PostgresStore) queryOverrides(ctx context.Context, query string, args ...any) ([]model.OverrideEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list overrides")
	}
	defer rows.Close()

	var out []model.OverrideEntry
	for rows.Next() {
		var e model.OverrideEntry
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.ArticleID, &e.PreviousDecision, &e.NewDecision,
			&e.Rationale, &e.Actor, &e.Timestamp); err != nil {
			return nil, eris.Wrap(err, "postgres: scan override")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list overrides iterate")
}
