package consultation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// sqlStateExclusionViolation is raised by consultations_no_overlap when an
// active interval collides with another of the same lawyer.
const sqlStateExclusionViolation = "23P01"

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns a Repository backed by PostgreSQL. Units of work run at
// READ COMMITTED behind a per-lawyer advisory lock taken as their first
// statement, so every later statement sees what the previous holder
// committed. The consultations_no_overlap exclusion constraint rejects
// anything that slips through.
func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const consultationCols = `id, client_id, lawyer_id, scheduled_at, duration_minutes, modality, status,
	description, session_id, meeting_link, cancel_reason, completion_notes,
	started_at, ended_at, created_at, updated_at`

func scanConsultation(row pgx.Row) (*Consultation, error) {
	var (
		c        Consultation
		modality string
		status   string
	)
	err := row.Scan(&c.ID, &c.ClientID, &c.LawyerID, &c.ScheduledAt, &c.DurationMinutes, &modality, &status,
		&c.Description, &c.SessionID, &c.MeetingLink, &c.CancelReason, &c.CompletionNotes,
		&c.StartedAt, &c.EndedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Modality = Modality(modality)
	c.Status = Status(status)
	return &c, nil
}

func collectConsultations(rows pgx.Rows) ([]*Consultation, error) {
	defer rows.Close()
	var items []*Consultation
	for rows.Next() {
		c, err := scanConsultation(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func activeStatusArgs() []string {
	out := make([]string, len(ActiveStatuses))
	for i, s := range ActiveStatuses {
		out[i] = string(s)
	}
	return out
}

// mapWriteError reports an exclusion violation as ErrSlotUnavailable. Every
// other database error is returned unchanged.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == sqlStateExclusionViolation {
		return newError(KindSlotUnavailable, "the requested interval was booked concurrently")
	}
	return err
}

func (r *repoPG) WithinLawyerTx(ctx context.Context, lawyerID uuid.UUID, fn func(tx LawyerTx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "lawyer:"+lawyerID.String()); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}

	if err := fn(&pgLawyerTx{q: tx, lawyerID: lawyerID}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	c, err := scanConsultation(r.pool.QueryRow(ctx, `SELECT `+consultationCols+` FROM consultations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("consultation %s not found", id)
	}
	return c, err
}

func (r *repoPG) ListByParty(ctx context.Context, userID uuid.UUID, status Status, limit, offset int) ([]*Consultation, int, error) {
	where := `(client_id = $1 OR lawyer_id = $1) AND ($2 = '' OR status = $2)`

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM consultations WHERE `+where, userID, string(status)).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+consultationCols+` FROM consultations WHERE `+where+`
		ORDER BY scheduled_at DESC LIMIT $3 OFFSET $4`, userID, string(status), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectConsultations(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *repoPG) ListActiveForLawyer(ctx context.Context, lawyerID uuid.UUID, from, to time.Time) ([]*Consultation, error) {
	return listActiveOverlapping(ctx, r.pool, lawyerID, Interval{Start: from, End: to}, uuid.Nil, false)
}

func listActiveOverlapping(ctx context.Context, q queryable, lawyerID uuid.UUID, iv Interval, exclude uuid.UUID, forUpdate bool) ([]*Consultation, error) {
	query := `SELECT ` + consultationCols + ` FROM consultations
		WHERE lawyer_id = $1 AND status = ANY($2) AND id <> $3
		  AND scheduled_at < $5 AND ends_at > $4
		ORDER BY scheduled_at`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, query, lawyerID, activeStatusArgs(), exclude, iv.Start, iv.End)
	if err != nil {
		return nil, err
	}
	return collectConsultations(rows)
}

func (r *repoPG) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	var (
		u    User
		role string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, role, display_name, COALESCE(email, ''), COALESCE(phone, ''), COALESCE(push_token, ''), active
		FROM users WHERE id = $1`, id).
		Scan(&u.ID, &role, &u.DisplayName, &u.Email, &u.Phone, &u.PushToken, &u.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("user %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	u.Role = Role(role)
	return &u, nil
}

func (r *repoPG) GetTemplate(ctx context.Context, lawyerID uuid.UUID) (*Template, error) {
	var (
		raw []byte
		t   = Template{LawyerID: lawyerID}
	)
	err := r.pool.QueryRow(ctx, `SELECT weekly, updated_at FROM availability_templates WHERE lawyer_id = $1`, lawyerID).
		Scan(&raw, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("no availability template for lawyer %s", lawyerID)
	}
	if err != nil {
		return nil, err
	}
	var named map[string][]Window
	if err := json.Unmarshal(raw, &named); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	if t.Weekly, err = WeeklyFromNames(named); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	return &t, nil
}

func (r *repoPG) SaveTemplate(ctx context.Context, t *Template) error {
	raw, err := json.Marshal(WeeklyByName(t.Weekly))
	if err != nil {
		return fmt.Errorf("encode template: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO availability_templates (lawyer_id, weekly, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (lawyer_id) DO UPDATE SET weekly = EXCLUDED.weekly, updated_at = EXCLUDED.updated_at`,
		t.LawyerID, raw, t.UpdatedAt)
	return err
}

func (r *repoPG) GetException(ctx context.Context, lawyerID uuid.UUID, date string) (*Exception, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, `SELECT windows FROM availability_exceptions WHERE lawyer_id = $1 AND day = $2::date`, lawyerID, date).
		Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("no availability exception for %s", date)
	}
	if err != nil {
		return nil, err
	}
	ex := &Exception{LawyerID: lawyerID, Date: date}
	if err := json.Unmarshal(raw, &ex.Windows); err != nil {
		return nil, fmt.Errorf("decode exception: %w", err)
	}
	return ex, nil
}

func (r *repoPG) SaveException(ctx context.Context, ex *Exception) error {
	raw, err := json.Marshal(ex.Windows)
	if err != nil {
		return fmt.Errorf("encode exception: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO availability_exceptions (lawyer_id, day, windows)
		VALUES ($1, $2::date, $3)
		ON CONFLICT (lawyer_id, day) DO UPDATE SET windows = EXCLUDED.windows`,
		ex.LawyerID, ex.Date, raw)
	return err
}

// pgLawyerTx is the LawyerTx handed to WithinLawyerTx callbacks.
type pgLawyerTx struct {
	q        queryable
	lawyerID uuid.UUID
}

func (t *pgLawyerTx) FindConflicting(ctx context.Context, proposed Interval, exclude uuid.UUID) ([]*Consultation, error) {
	return listActiveOverlapping(ctx, t.q, t.lawyerID, proposed, exclude, true)
}

func (t *pgLawyerTx) GetForUpdate(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	c, err := scanConsultation(t.q.QueryRow(ctx, `SELECT `+consultationCols+` FROM consultations WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("consultation %s not found", id)
	}
	return c, err
}

func (t *pgLawyerTx) Insert(ctx context.Context, c *Consultation) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO consultations (id, client_id, lawyer_id, scheduled_at, ends_at, duration_minutes, modality, status,
			description, session_id, meeting_link, cancel_reason, completion_notes,
			started_at, ended_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		c.ID, c.ClientID, c.LawyerID, c.ScheduledAt, c.EndsAt(), c.DurationMinutes, string(c.Modality), string(c.Status),
		c.Description, c.SessionID, c.MeetingLink, c.CancelReason, c.CompletionNotes,
		c.StartedAt, c.EndedAt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (t *pgLawyerTx) Update(ctx context.Context, c *Consultation) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE consultations SET scheduled_at=$2, ends_at=$3, duration_minutes=$4, status=$5,
			session_id=$6, meeting_link=$7, cancel_reason=$8, completion_notes=$9,
			started_at=$10, ended_at=$11, updated_at=$12
		WHERE id = $1`,
		c.ID, c.ScheduledAt, c.EndsAt(), c.DurationMinutes, string(c.Status),
		c.SessionID, c.MeetingLink, c.CancelReason, c.CompletionNotes,
		c.StartedAt, c.EndedAt, c.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("consultation %s not found", c.ID)
	}
	return nil
}
