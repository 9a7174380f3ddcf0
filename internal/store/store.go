// Package store is the relational build/artifact/project store, backed by
// PostgreSQL via database/sql and github.com/lib/pq, opened with
// sql.Open("postgres", ...) as in cmd/distri-checkupstream's
// upstream-version tracker; queries run directly on the *sql.DB or a
// transaction, without prepared statements.
package store

import (
	"context"
	"database/sql"
	"math/rand"
	"time"

	"github.com/lib/pq"
	"golang.org/x/xerrors"

	"github.com/doozer-build/doozer"
	"github.com/doozer-build/doozer/internal/model"
)

// ErrNoData indicates a query found no eligible row; it is not an error
// condition for long-poll callers, who translate it into type=none.
var ErrNoData = xerrors.New("store: no data")

// ErrPrecondition indicates a caller attempted a state transition the row's
// current status does not permit (e.g. report on a done build).
var ErrPrecondition = xerrors.New("store: precondition failed")

// Store wraps a *sql.DB with the doozer schema's operations.
type Store struct {
	db *sql.DB
}

// Open connects to dsn (a postgres connection string) and verifies
// connectivity.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, xerrors.Errorf("store: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, xerrors.Errorf("store: ping: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// EnqueuePending inserts a new pending build row for key unless a row in
// any status already exists for it, which also keeps spec §3's invariant
// that at most one row per (project, revision, target) may be non-terminal.
func (s *Store) EnqueuePending(ctx context.Context, key model.BuildKey, version, reason string, noOutput bool) error {
	var exists bool
	row := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM build
			WHERE project = $1 AND revision = $2 AND target = $3
		)`, key.Project, key.Revision, key.Target)
	if err := row.Scan(&exists); err != nil {
		return xerrors.Errorf("store: enqueue check: %w", err)
	}
	if exists {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO build
			(project, revision, target, version, reason, status, attempts, created, status_change, no_output)
		VALUES ($1, $2, $3, $4, $5, $6, 0, now(), now(), $7)`,
		key.Project, key.Revision, key.Target, version, reason, doozer.StatusPending, noOutput)
	if err != nil {
		return xerrors.Errorf("store: enqueue insert: %w", err)
	}
	return nil
}

// Claim atomically selects the oldest pending build for one of targets and
// transitions it to building, generating a fresh jobsecret. It does not
// commit: the caller must call Commit after the response body has been
// flushed, or Rollback to return the row to pending, per spec §4.4's claim
// algorithm and §4.9's flush-then-commit ordering.
type Claim struct {
	tx    *sql.Tx
	Build model.Build
}

// BeginClaim starts the claim transaction and, on success, returns a *Claim
// holding the locked row. Returns ErrNoData if no pending row matches.
func (s *Store) BeginClaim(ctx context.Context, agent string, targets []string) (*Claim, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Errorf("store: begin claim: %w", err)
	}
	row := tx.QueryRowContext(ctx, `
		SELECT id, project, revision, target, version, reason, attempts, created
		FROM build
		WHERE status = $1 AND target = ANY($2)
		ORDER BY created
		LIMIT 1
		FOR UPDATE`, doozer.StatusPending, pq.Array(targets))
	var b model.Build
	if err := row.Scan(&b.ID, &b.Project, &b.Revision, &b.Target, &b.Version, &b.Reason, &b.Attempts, &b.Created); err != nil {
		tx.Rollback()
		if err == sql.ErrNoRows {
			return nil, ErrNoData
		}
		return nil, xerrors.Errorf("store: claim select: %w", err)
	}

	secret := nextJobSecret()
	b.Agent = agent
	b.JobSecret = secret
	b.Status = doozer.StatusBuilding
	b.Attempts++
	now := time.Now()
	b.BuildStart = &now
	b.StatusChange = now

	_, err = tx.ExecContext(ctx, `
		UPDATE build SET status=$1, agent=$2, jobsecret=$3, buildstart=$4, status_change=$4, attempts=$5
		WHERE id=$6`, doozer.StatusBuilding, agent, secret, now, b.Attempts, b.ID)
	if err != nil {
		tx.Rollback()
		return nil, xerrors.Errorf("store: claim update: %w", err)
	}
	return &Claim{tx: tx, Build: b}, nil
}

// Commit finalizes a successful claim; call only after the getjob response
// body has been flushed to the agent.
func (c *Claim) Commit() error { return c.tx.Commit() }

// Rollback abandons the claim, returning the row to pending.
func (c *Claim) Rollback() error { return c.tx.Rollback() }

// Report applies an agent status report to a building job, validating
// jobid/jobsecret and the build's current status per spec §4.4's report
// endpoint.
func (s *Store) Report(ctx context.Context, jobID int64, jobSecret, status, msg string, maxAttempts int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("store: report begin: %w", err)
	}
	defer tx.Rollback()

	var curStatus, curSecret string
	var attempts int
	row := tx.QueryRowContext(ctx, `SELECT status, jobsecret, attempts FROM build WHERE id=$1 FOR UPDATE`, jobID)
	if err := row.Scan(&curStatus, &curSecret, &attempts); err != nil {
		if err == sql.ErrNoRows {
			return ErrNoData
		}
		return xerrors.Errorf("store: report select: %w", err)
	}
	if doozer.Status(curStatus) != doozer.StatusBuilding || curSecret != jobSecret {
		return ErrPrecondition
	}

	switch status {
	case "building":
		_, err = tx.ExecContext(ctx, `UPDATE build SET progress_text=$1, status_change=now() WHERE id=$2`, msg, jobID)
	case "failed":
		_, err = tx.ExecContext(ctx, `UPDATE build SET status=$1, progress_text=$2, status_change=now(), buildend=now() WHERE id=$3`,
			doozer.StatusFailed, msg, jobID)
	case "tempfailed":
		if attempts < maxAttempts {
			_, err = tx.ExecContext(ctx, `
				UPDATE build SET status=$1, agent=NULL, jobsecret=NULL, progress_text=$2, status_change=now()
				WHERE id=$3`, doozer.StatusPending, msg, jobID)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE build SET status=$1, progress_text=$2, status_change=now(), buildend=now()
				WHERE id=$3`, doozer.StatusTooManyAttempts, msg, jobID)
		}
	case "done":
		_, err = tx.ExecContext(ctx, `
			UPDATE build SET status=$1, progress_text=$2, status_change=now(), buildend=now()
			WHERE id=$3`, doozer.StatusDone, msg, jobID)
	default:
		return xerrors.Errorf("store: report: unknown status %q", status)
	}
	if err != nil {
		return xerrors.Errorf("store: report update: %w", err)
	}
	return tx.Commit()
}

// ReapExpired transitions building rows whose status_change is older than
// timeout back to pending (or to too_many_attempts if out of attempts), per
// spec §4.4's expiry reaper. Returns the number of rows reaped.
func (s *Store) ReapExpired(ctx context.Context, timeout time.Duration, maxAttempts int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, xerrors.Errorf("store: reap begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, attempts FROM build
		WHERE status=$1 AND status_change <= now() - $2::interval
		FOR UPDATE`, doozer.StatusBuilding, timeout.String())
	if err != nil {
		return 0, xerrors.Errorf("store: reap select: %w", err)
	}
	type expired struct {
		id       int64
		attempts int
	}
	var victims []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.attempts); err != nil {
			rows.Close()
			return 0, xerrors.Errorf("store: reap scan: %w", err)
		}
		victims = append(victims, e)
	}
	rows.Close()

	for _, e := range victims {
		if e.attempts < maxAttempts {
			_, err = tx.ExecContext(ctx, `
				UPDATE build SET status=$1, agent=NULL, jobsecret=NULL, status_change=now()
				WHERE id=$2`, doozer.StatusPending, e.id)
		} else {
			_, err = tx.ExecContext(ctx, `UPDATE build SET status=$1, status_change=now() WHERE id=$2`,
				doozer.StatusTooManyAttempts, e.id)
		}
		if err != nil {
			return 0, xerrors.Errorf("store: reap update: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, xerrors.Errorf("store: reap commit: %w", err)
	}
	return len(victims), nil
}

// FindDoneBuild returns the most recently created done build for key, or
// ErrNoData.
func (s *Store) FindDoneBuild(ctx context.Context, project, revision, target string) (*model.Build, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project, revision, target, version, reason, attempts, created, status_change
		FROM build
		WHERE project=$1 AND revision=$2 AND target=$3 AND status=$4
		ORDER BY created DESC LIMIT 1`, project, revision, target, doozer.StatusDone)
	var b model.Build
	if err := row.Scan(&b.ID, &b.Project, &b.Revision, &b.Target, &b.Version, &b.Reason, &b.Attempts, &b.Created, &b.StatusChange); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNoData
		}
		return nil, xerrors.Errorf("store: find done: %w", err)
	}
	b.Status = doozer.StatusDone
	return &b, nil
}

// InsertArtifact records a new artifact row for buildID.
func (s *Store) InsertArtifact(ctx context.Context, a *model.Artifact) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO artifact
			(build_id, type, name, size, md5, sha1, contenttype, encoding, origsize, storage, payload, dlcount, patchcount)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,0,0)
		RETURNING id`,
		a.BuildID, a.Type, a.Name, a.Size, a.MD5, a.SHA1, a.ContentType, a.Encoding, a.OrigSize, a.Storage, a.Payload).
		Scan(&id)
	if err != nil {
		return 0, xerrors.Errorf("store: insert artifact: %w", err)
	}
	return id, nil
}

// ArtifactBySHA1 returns one artifact row carrying the given content hash,
// preferring the most recently created (artifact reuse across builds means
// any row with matching bytes is servable).
func (s *Store) ArtifactBySHA1(ctx context.Context, sha1 string) (*model.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, build_id, type, name, size, md5, sha1, contenttype, encoding, origsize, storage, payload, dlcount, patchcount
		FROM artifact WHERE sha1=$1 ORDER BY id DESC LIMIT 1`, sha1)
	var a model.Artifact
	if err := row.Scan(&a.ID, &a.BuildID, &a.Type, &a.Name, &a.Size, &a.MD5, &a.SHA1, &a.ContentType, &a.Encoding, &a.OrigSize, &a.Storage, &a.Payload, &a.DLCount, &a.PatchCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNoData
		}
		return nil, xerrors.Errorf("store: artifact by sha1: %w", err)
	}
	return &a, nil
}

// IncrDownload bumps dlcount (or patchcount, if viaPatch) for an artifact.
func (s *Store) IncrDownload(ctx context.Context, artifactID int64, viaPatch bool) error {
	col := "dlcount"
	if viaPatch {
		col = "patchcount"
	}
	_, err := s.db.ExecContext(ctx, `UPDATE artifact SET `+col+` = `+col+` + 1 WHERE id=$1`, artifactID)
	if err != nil {
		return xerrors.Errorf("store: incr %s: %w", col, err)
	}
	return nil
}

// DeleteArtifact moves an artifact row to the deleted_artifact tombstone
// table for asynchronous draining by the reaper.
func (s *Store) DeleteArtifact(ctx context.Context, artifactID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("store: delete begin: %w", err)
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO deleted_artifact (sha1, storage, payload)
		SELECT sha1, storage, payload FROM artifact WHERE id=$1`, artifactID)
	if err != nil {
		return xerrors.Errorf("store: tombstone: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM artifact WHERE id=$1`, artifactID); err != nil {
		return xerrors.Errorf("store: delete row: %w", err)
	}
	return tx.Commit()
}

// NextTombstone returns one undrained tombstone, or ErrNoData.
func (s *Store) NextTombstone(ctx context.Context) (*model.DeletedArtifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, sha1, storage, payload FROM deleted_artifact
		WHERE error IS NULL OR error = '' ORDER BY id LIMIT 1`)
	var d model.DeletedArtifact
	if err := row.Scan(&d.ID, &d.SHA1, &d.Storage, &d.Payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNoData
		}
		return nil, xerrors.Errorf("store: next tombstone: %w", err)
	}
	return &d, nil
}

// ResolveTombstone removes a drained tombstone, or stamps it with an error,
// after which NextTombstone no longer selects it.
func (s *Store) ResolveTombstone(ctx context.Context, id int64, failErr error) error {
	if failErr == nil {
		_, err := s.db.ExecContext(ctx, `DELETE FROM deleted_artifact WHERE id=$1`, id)
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE deleted_artifact SET error=$1 WHERE id=$2`, failErr.Error(), id)
	return err
}

// ArtifactsForBuild returns every artifact row produced by buildID.
func (s *Store) ArtifactsForBuild(ctx context.Context, buildID int64) ([]model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, build_id, type, name, size, md5, sha1, contenttype, encoding, origsize, storage, payload, dlcount, patchcount
		FROM artifact WHERE build_id=$1 ORDER BY id`, buildID)
	if err != nil {
		return nil, xerrors.Errorf("store: artifacts for build: %w", err)
	}
	defer rows.Close()
	var out []model.Artifact
	for rows.Next() {
		var a model.Artifact
		if err := rows.Scan(&a.ID, &a.BuildID, &a.Type, &a.Name, &a.Size, &a.MD5, &a.SHA1, &a.ContentType, &a.Encoding, &a.OrigSize, &a.Storage, &a.Payload, &a.DLCount, &a.PatchCount); err != nil {
			return nil, xerrors.Errorf("store: scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecentBuilds returns up to limit builds for project, newest first, for
// the REST surface's builds.json view.
func (s *Store) RecentBuilds(ctx context.Context, project string, limit int) ([]model.Build, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project, revision, target, version, reason, status, attempts, created, status_change
		FROM build WHERE project=$1 ORDER BY created DESC LIMIT $2`, project, limit)
	if err != nil {
		return nil, xerrors.Errorf("store: recent builds: %w", err)
	}
	defer rows.Close()
	return scanBuilds(rows)
}

// CountBuilds returns the total number of build rows for project.
func (s *Store) CountBuilds(ctx context.Context, project string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM build WHERE project=$1`, project).Scan(&n)
	if err != nil {
		return 0, xerrors.Errorf("store: count builds: %w", err)
	}
	return n, nil
}

// BuildByID returns a single build row.
func (s *Store) BuildByID(ctx context.Context, id int64) (*model.Build, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project, revision, target, version, reason, status, attempts, created, status_change
		FROM build WHERE id=$1`, id)
	var b model.Build
	var status string
	if err := row.Scan(&b.ID, &b.Project, &b.Revision, &b.Target, &b.Version, &b.Reason, &status, &b.Attempts, &b.Created, &b.StatusChange); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNoData
		}
		return nil, xerrors.Errorf("store: build by id: %w", err)
	}
	b.Status = doozer.Status(status)
	return &b, nil
}

// BuildsByRevision returns every build row for (project, revision) across
// all targets and statuses.
func (s *Store) BuildsByRevision(ctx context.Context, project, revision string) ([]model.Build, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project, revision, target, version, reason, status, attempts, created, status_change
		FROM build WHERE project=$1 AND revision=$2 ORDER BY target`, project, revision)
	if err != nil {
		return nil, xerrors.Errorf("store: builds by revision: %w", err)
	}
	defer rows.Close()
	return scanBuilds(rows)
}

// DeleteBuilds removes build rows for project matching filter ("failed",
// "pending", or "deprecated": done builds superseded by a later done build
// at the same target), per spec §6's "delete builds" control-socket verb.
// It returns the number of rows removed.
func (s *Store) DeleteBuilds(ctx context.Context, project, filter string) (int, error) {
	var query string
	switch filter {
	case "failed":
		query = `DELETE FROM build WHERE project=$1 AND status=$2`
	case "pending":
		query = `DELETE FROM build WHERE project=$1 AND status=$2`
	case "deprecated":
		query = `
			DELETE FROM build b
			WHERE b.project=$1 AND b.status=$2
			  AND EXISTS (
				SELECT 1 FROM build newer
				WHERE newer.project = b.project AND newer.target = b.target
				  AND newer.status = b.status AND newer.created > b.created)`
	default:
		return 0, xerrors.Errorf("store: delete builds: unknown filter %q", filter)
	}
	status := doozer.StatusFailed
	if filter == "pending" {
		status = doozer.StatusPending
	} else if filter == "deprecated" {
		status = doozer.StatusDone
	}
	res, err := s.db.ExecContext(ctx, query, project, status)
	if err != nil {
		return 0, xerrors.Errorf("store: delete builds: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.Errorf("store: delete builds rows affected: %w", err)
	}
	return int(n), nil
}

func scanBuilds(rows *sql.Rows) ([]model.Build, error) {
	var out []model.Build
	for rows.Next() {
		var b model.Build
		var status string
		if err := rows.Scan(&b.ID, &b.Project, &b.Revision, &b.Target, &b.Version, &b.Reason, &status, &b.Attempts, &b.Created, &b.StatusChange); err != nil {
			return nil, xerrors.Errorf("store: scan build: %w", err)
		}
		b.Status = doozer.Status(status)
		out = append(out, b)
	}
	return out, rows.Err()
}

func nextJobSecret() string {
	return itoa(rand.Uint32())
}

func itoa(u uint32) string {
	if u == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for u > 0 {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
	}
	return string(buf[i:])
}
