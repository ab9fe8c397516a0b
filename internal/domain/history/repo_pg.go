package history

import (
	"context"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mindcare/mindcare/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

func countRows(ctx context.Context, q queryable, table string, patientID uuid.UUID) (int, error) {
	query, args, err := psql.Select("COUNT(*)").From(table).Where(sq.Eq{"patient_id": patientID}).ToSql()
	if err != nil {
		return 0, err
	}
	var total int
	err = q.QueryRow(ctx, query, args...).Scan(&total)
	return total, err
}

// =========== Mood Repository ===========

type moodRepoPG struct{ pool *pgxpool.Pool }

func NewMoodRepoPG(pool *pgxpool.Pool) MoodRepository {
	return &moodRepoPG{pool: pool}
}

var moodCols = []string{"id", "patient_id", "rating", "note", "tags", "recorded_at", "created_at"}

func (r *moodRepoPG) scanMood(row pgx.Row) (*MoodEntry, error) {
	var m MoodEntry
	err := row.Scan(&m.ID, &m.PatientID, &m.Rating, &m.Note, &m.Tags, &m.RecordedAt, &m.CreatedAt)
	return &m, err
}

func (r *moodRepoPG) list(ctx context.Context, b sq.SelectBuilder) ([]*MoodEntry, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := connFor(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*MoodEntry
	for rows.Next() {
		m, err := r.scanMood(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (r *moodRepoPG) Create(ctx context.Context, m *MoodEntry) error {
	m.ID = uuid.New()
	query, args, err := psql.Insert("mood_entry").
		Columns("id", "patient_id", "rating", "note", "tags", "recorded_at").
		Values(m.ID, m.PatientID, m.Rating, m.Note, m.Tags, m.RecordedAt).
		Suffix("RETURNING created_at").
		ToSql()
	if err != nil {
		return err
	}
	return connFor(ctx, r.pool).QueryRow(ctx, query, args...).Scan(&m.CreatedAt)
}

func (r *moodRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*MoodEntry, int, error) {
	total, err := countRows(ctx, connFor(ctx, r.pool), "mood_entry", patientID)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.list(ctx, psql.Select(moodCols...).From("mood_entry").
		Where(sq.Eq{"patient_id": patientID}).
		OrderBy("recorded_at DESC").
		Limit(uint64(limit)).Offset(uint64(offset)))
	return items, total, err
}

func (r *moodRepoPG) ListBetween(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]*MoodEntry, error) {
	return r.list(ctx, psql.Select(moodCols...).From("mood_entry").
		Where(sq.Eq{"patient_id": patientID}).
		Where(sq.GtOrEq{"recorded_at": from}).
		Where(sq.LtOrEq{"recorded_at": to}).
		OrderBy("recorded_at DESC"))
}

// =========== Exercise Session Repository ===========

type exerciseRepoPG struct{ pool *pgxpool.Pool }

func NewExerciseRepoPG(pool *pgxpool.Pool) ExerciseRepository {
	return &exerciseRepoPG{pool: pool}
}

var sessionCols = []string{"id", "patient_id", "activity_type", "status", "rating",
	"scheduled_at", "started_at", "ended_at", "created_at", "updated_at"}

func (r *exerciseRepoPG) scanSession(row pgx.Row) (*ExerciseSession, error) {
	var s ExerciseSession
	err := row.Scan(&s.ID, &s.PatientID, &s.ActivityType, &s.Status, &s.Rating,
		&s.ScheduledAt, &s.StartedAt, &s.EndedAt, &s.CreatedAt, &s.UpdatedAt)
	return &s, err
}

func (r *exerciseRepoPG) list(ctx context.Context, b sq.SelectBuilder) ([]*ExerciseSession, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := connFor(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*ExerciseSession
	for rows.Next() {
		s, err := r.scanSession(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *exerciseRepoPG) Create(ctx context.Context, s *ExerciseSession) error {
	s.ID = uuid.New()
	query, args, err := psql.Insert("exercise_session").
		Columns("id", "patient_id", "activity_type", "status", "rating", "scheduled_at", "started_at", "ended_at").
		Values(s.ID, s.PatientID, s.ActivityType, s.Status, s.Rating, s.ScheduledAt, s.StartedAt, s.EndedAt).
		Suffix("RETURNING created_at, updated_at").
		ToSql()
	if err != nil {
		return err
	}
	return connFor(ctx, r.pool).QueryRow(ctx, query, args...).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (r *exerciseRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ExerciseSession, error) {
	query, args, err := psql.Select(sessionCols...).From("exercise_session").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	return r.scanSession(connFor(ctx, r.pool).QueryRow(ctx, query, args...))
}

func (r *exerciseRepoPG) Update(ctx context.Context, s *ExerciseSession) error {
	query, args, err := psql.Update("exercise_session").
		Set("status", s.Status).
		Set("rating", s.Rating).
		Set("started_at", s.StartedAt).
		Set("ended_at", s.EndedAt).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": s.ID}).
		Suffix("RETURNING updated_at").
		ToSql()
	if err != nil {
		return err
	}
	return connFor(ctx, r.pool).QueryRow(ctx, query, args...).Scan(&s.UpdatedAt)
}

func (r *exerciseRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*ExerciseSession, int, error) {
	total, err := countRows(ctx, connFor(ctx, r.pool), "exercise_session", patientID)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.list(ctx, psql.Select(sessionCols...).From("exercise_session").
		Where(sq.Eq{"patient_id": patientID}).
		OrderBy("scheduled_at DESC").
		Limit(uint64(limit)).Offset(uint64(offset)))
	return items, total, err
}

func (r *exerciseRepoPG) ListBetween(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]*ExerciseSession, error) {
	return r.list(ctx, psql.Select(sessionCols...).From("exercise_session").
		Where(sq.Eq{"patient_id": patientID}).
		Where(sq.GtOrEq{"scheduled_at": from}).
		Where(sq.LtOrEq{"scheduled_at": to}).
		OrderBy("scheduled_at DESC"))
}

func (r *exerciseRepoPG) LastCompletedAt(ctx context.Context, patientID uuid.UUID, asOf time.Time) (*time.Time, error) {
	query, args, err := psql.Select("MAX(ended_at)").From("exercise_session").
		Where(sq.Eq{"patient_id": patientID, "status": StatusCompleted}).
		Where(sq.LtOrEq{"ended_at": asOf}).
		ToSql()
	if err != nil {
		return nil, err
	}
	var last *time.Time
	if err := connFor(ctx, r.pool).QueryRow(ctx, query, args...).Scan(&last); err != nil {
		return nil, err
	}
	return last, nil
}

// =========== Patient Profile Repository ===========

type profileRepoPG struct{ pool *pgxpool.Pool }

func NewProfileRepoPG(pool *pgxpool.Pool) ProfileRepository {
	return &profileRepoPG{pool: pool}
}

var profileCols = []string{"id", "birth_date", "enrolled_at", "isolation_level", "social_support",
	"medication_adherence", "therapy_attendance", "provider_concern", "clinical_observations",
	"created_at", "updated_at"}

func (r *profileRepoPG) Upsert(ctx context.Context, p *Profile) error {
	query, args, err := psql.Insert("patient").
		Columns(profileCols[:9]...).
		Values(p.PatientID, p.BirthDate, p.EnrolledAt, p.IsolationLevel, p.SocialSupport,
			p.MedicationAdherence, p.TherapyAttendance, p.ProviderConcern, p.ClinicalObservations).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			birth_date = EXCLUDED.birth_date,
			enrolled_at = EXCLUDED.enrolled_at,
			isolation_level = EXCLUDED.isolation_level,
			social_support = EXCLUDED.social_support,
			medication_adherence = EXCLUDED.medication_adherence,
			therapy_attendance = EXCLUDED.therapy_attendance,
			provider_concern = EXCLUDED.provider_concern,
			clinical_observations = EXCLUDED.clinical_observations,
			updated_at = NOW()
			RETURNING created_at, updated_at`).
		ToSql()
	if err != nil {
		return err
	}
	return connFor(ctx, r.pool).QueryRow(ctx, query, args...).Scan(&p.CreatedAt, &p.UpdatedAt)
}

// Get returns nil without error when the patient has no profile row.
func (r *profileRepoPG) Get(ctx context.Context, patientID uuid.UUID) (*Profile, error) {
	query, args, err := psql.Select(profileCols...).From("patient").Where(sq.Eq{"id": patientID}).ToSql()
	if err != nil {
		return nil, err
	}
	var p Profile
	err = connFor(ctx, r.pool).QueryRow(ctx, query, args...).Scan(&p.PatientID, &p.BirthDate, &p.EnrolledAt,
		&p.IsolationLevel, &p.SocialSupport, &p.MedicationAdherence, &p.TherapyAttendance,
		&p.ProviderConcern, &p.ClinicalObservations, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *profileRepoPG) ListPatientIDs(ctx context.Context) ([]uuid.UUID, error) {
	query, args, err := psql.Select("id").From("patient").OrderBy("id").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := connFor(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
