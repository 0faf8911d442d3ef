package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/screening-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas are per connection and SQLite has a single writer.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS projects (
	id           TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	owner        TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'active',
	start_date   DATETIME,
	end_date     DATETIME,
	criteria     TEXT NOT NULL DEFAULT '',
	ifu_document TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
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
	progress     REAL NOT NULL DEFAULT 0,
	error_kind   TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	output_count INTEGER NOT NULL DEFAULT 0,
	submitted_at DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL,
	completed_at DATETIME
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
	seq               INTEGER PRIMARY KEY AUTOINCREMENT,
	id                TEXT NOT NULL UNIQUE,
	project_id        TEXT NOT NULL,
	article_id        TEXT NOT NULL,
	previous_decision TEXT NOT NULL DEFAULT '',
	new_decision      TEXT NOT NULL,
	rationale         TEXT NOT NULL CHECK (length(trim(rationale)) > 0),
	actor             TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_override_entries_article ON override_entries(project_id, article_id);

CREATE TRIGGER IF NOT EXISTS override_entries_no_update
BEFORE UPDATE ON override_entries
BEGIN
	SELECT RAISE(ABORT, 'override entries are append-only');
END;

CREATE TRIGGER IF NOT EXISTS override_entries_no_delete
BEFORE DELETE ON override_entries
BEGIN
	SELECT RAISE(ABORT, 'override entries are append-only');
END;
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Projects ---

func (s *SQLiteStore) CreateProject(ctx context.Context, p model.Project) (*model.Project, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = model.ProjectStatusActive
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, title, owner, status, start_date, end_date, criteria, ifu_document, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Title, p.Owner, string(p.Status), nullTime(p.StartDate), nullTime(p.EndDate),
		p.Criteria, p.IFUDocument, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert project")
	}
	return &p, nil
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, owner, status, start_date, end_date, criteria, ifu_document, created_at, updated_at
		 FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get project %s", id)
	}
	return p, nil
}

func (s *SQLiteStore) UpdateProject(ctx context.Context, p *model.Project) error {
	p.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET title = ?, owner = ?, status = ?, start_date = ?, end_date = ?,
		 criteria = ?, ifu_document = ?, updated_at = ? WHERE id = ?`,
		p.Title, p.Owner, string(p.Status), nullTime(p.StartDate), nullTime(p.EndDate),
		p.Criteria, p.IFUDocument, p.UpdatedAt, p.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update project %s", p.ID)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete project %s", id)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) ListProjects(ctx context.Context, filter ProjectFilter) ([]model.Project, error) {
	query := `SELECT id, title, owner, status, start_date, end_date, criteria, ifu_document, created_at, updated_at
	          FROM projects WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Owner != "" {
		query += ` AND owner = ?`
		args = append(args, filter.Owner)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list projects")
	}
	defer rows.Close()

	var projects []model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan project")
		}
		projects = append(projects, *p)
	}
	return projects, eris.Wrap(rows.Err(), "sqlite: list projects iterate")
}

// --- Stage records ---

func (s *SQLiteStore) ListCounts(ctx context.Context, projectID string) (model.Counts, error) {
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

func (s *SQLiteStore) ListStageRecords(ctx context.Context, projectID string) ([]model.StageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, stage, processed_count, COALESCE(last_job_id, '')
		 FROM stage_records WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list stage records %s", projectID)
	}
	defer rows.Close()

	var recs []model.StageRecord
	for rows.Next() {
		var r model.StageRecord
		if err := rows.Scan(&r.ProjectID, &r.Stage, &r.ProcessedCount, &r.LastJobID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage record")
		}
		recs = append(recs, r)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: list stage records iterate")
}

// --- Jobs ---

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = now
	}
	job.UpdatedAt = now

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var active int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM jobs WHERE project_id = ? AND stage = ? AND state IN ('submitting', 'running')`,
			job.ProjectID, string(job.Stage),
		).Scan(&active); err != nil {
			return eris.Wrap(err, "sqlite: count active jobs")
		}
		if active > 0 {
			return ErrJobActive
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (id, project_id, stage, state, handle, progress, error_kind, error, output_count, submitted_at, updated_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, job.ProjectID, string(job.Stage), string(job.State), job.Handle, job.Progress,
			string(job.ErrorKind), job.Error, job.Output, job.SubmittedAt, job.UpdatedAt, nullTime(job.CompletedAt),
		); err != nil {
			return eris.Wrap(err, "sqlite: insert job")
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO stage_records (project_id, stage, processed_count, last_job_id) VALUES (?, ?, 0, ?)
			 ON CONFLICT (project_id, stage) DO UPDATE SET last_job_id = excluded.last_job_id`,
			job.ProjectID, string(job.Stage), job.ID,
		)
		return eris.Wrap(err, "sqlite: upsert stage record")
	})
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *model.Job) error {
	job.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, handle = ?, progress = ?, error_kind = ?, error = ?, output_count = ?,
		 updated_at = ?, completed_at = ? WHERE id = ? AND state IN ('submitting', 'running')`,
		string(job.State), job.Handle, job.Progress, string(job.ErrorKind), job.Error, job.Output,
		job.UpdatedAt, nullTime(job.CompletedAt), job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job %s", job.ID)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, job.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: check job %s", job.ID)
	}
	return ErrJobNotActive
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, job *model.Job, result JobResult) error {
	now := time.Now().UTC()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET state = ?, progress = 100, error_kind = '', error = '', output_count = ?,
			 updated_at = ?, completed_at = ? WHERE id = ? AND state IN ('submitting', 'running')`,
			string(model.JobStateSucceeded), result.ProcessedCount, now, now, job.ID,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: complete job %s", job.ID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrJobNotActive
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stage_records (project_id, stage, processed_count, last_job_id) VALUES (?, ?, ?, ?)
			 ON CONFLICT (project_id, stage) DO UPDATE SET processed_count = excluded.processed_count`,
			job.ProjectID, string(job.Stage), result.ProcessedCount, job.ID,
		); err != nil {
			return eris.Wrap(err, "sqlite: set processed count")
		}

		if len(result.Decisions) == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM article_decisions WHERE project_id = ?`, job.ProjectID); err != nil {
			return eris.Wrap(err, "sqlite: clear decisions")
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO article_decisions (project_id, article_id, decision) VALUES (?, ?, ?)
			 ON CONFLICT (project_id, article_id) DO UPDATE SET decision = excluded.decision`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare decision insert")
		}
		defer stmt.Close()
		for _, d := range result.Decisions {
			if _, err := stmt.ExecContext(ctx, job.ProjectID, d.ArticleID, string(d.Decision)); err != nil {
				return eris.Wrapf(err, "sqlite: insert decision %s", d.ArticleID)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	return j, nil
}

func (s *SQLiteStore) ListActiveJobs(ctx context.Context, projectID string) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE project_id = ? AND state IN ('submitting', 'running')
		 ORDER BY submitted_at`, projectID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list active jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list active jobs iterate")
}

// --- Decisions ---

func (s *SQLiteStore) GetDecision(ctx context.Context, projectID, articleID string) (model.Decision, error) {
	var d string
	err := s.db.QueryRowContext(ctx,
		`SELECT decision FROM article_decisions WHERE project_id = ? AND article_id = ?`,
		projectID, articleID,
	).Scan(&d)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DecisionNone, nil
	}
	if err != nil {
		return model.DecisionNone, eris.Wrap(err, "sqlite: get decision")
	}
	return model.Decision(d), nil
}

func (s *SQLiteStore) ListDecisions(ctx context.Context, projectID string) ([]model.ArticleDecision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, article_id, decision FROM article_decisions WHERE project_id = ? ORDER BY article_id`,
		projectID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list decisions")
	}
	defer rows.Close()

	var out []model.ArticleDecision
	for rows.Next() {
		var d model.ArticleDecision
		if err := rows.Scan(&d.ProjectID, &d.ArticleID, &d.Decision); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan decision")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list decisions iterate")
}

// --- Overrides ---

func (s *SQLiteStore) AppendOverride(ctx context.Context, e *model.OverrideEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO override_entries (id, project_id, article_id, previous_decision, new_decision, rationale, actor, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, e.ArticleID, string(e.PreviousDecision), string(e.NewDecision),
		e.Rationale, e.Actor, e.Timestamp,
	)
	return eris.Wrap(err, "sqlite: append override")
}

func (s *SQLiteStore) ListOverrides(ctx context.Context, projectID, articleID string) ([]model.OverrideEntry, error) {
	return s.queryOverrides(ctx,
		`SELECT `+overrideColumns+` FROM override_entries WHERE project_id = ? AND article_id = ? ORDER BY seq`,
		projectID, articleID)
}

func (s *SQLiteStore) ListProjectOverrides(ctx context.Context, projectID string) ([]model.OverrideEntry, error) {
	return s.queryOverrides(ctx,
		`SELECT `+overrideColumns+` FROM override_entries WHERE project_id = ? ORDER BY seq`,
		projectID)
}

func (s *SQLiteStore) queryOverrides(ctx context.Context, query string, args ...any) ([]model.OverrideEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list overrides")
	}
	defer rows.Close()

	var out []model.OverrideEntry
	for rows.Next() {
		var e model.OverrideEntry
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.ArticleID, &e.PreviousDecision, &e.NewDecision,
			&e.Rationale, &e.Actor, &e.Timestamp); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan override")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list overrides iterate")
}

// helpers

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

type scannable interface {
	Scan(dest ...any) error
}

const jobColumns = `id, project_id, stage, state, handle, progress, error_kind, error, output_count, submitted_at, updated_at, completed_at`

const overrideColumns = `id, project_id, article_id, previous_decision, new_decision, rationale, actor, created_at`

func scanProject(row scannable) (*model.Project, error) {
	var p model.Project
	var start, end sql.NullTime
	if err := row.Scan(&p.ID, &p.Title, &p.Owner, &p.Status, &start, &end,
		&p.Criteria, &p.IFUDocument, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if start.Valid {
		p.StartDate = &start.Time
	}
	if end.Valid {
		p.EndDate = &end.Time
	}
	return &p, nil
}

func scanJob(row scannable) (*model.Job, error) {
	var j model.Job
	var completed sql.NullTime
	if err := row.Scan(&j.ID, &j.ProjectID, &j.Stage, &j.State, &j.Handle, &j.Progress,
		&j.ErrorKind, &j.Error, &j.Output, &j.SubmittedAt, &j.UpdatedAt, &completed); err != nil {
		return nil, err
	}
	if completed.Valid {
		j.CompletedAt = &completed.Time
	}
	return &j, nil
}
