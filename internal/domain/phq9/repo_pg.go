package phq9

import (
	"context"
	"time"

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

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const assessmentCols = `id, patient_id, items, total_score, severity, suicidal_ideation, assessed_at, created_at`

func (r *repoPG) scanAssessment(row pgx.Row) (*Assessment, error) {
	var a Assessment
	var items []int32
	if err := row.Scan(&a.ID, &a.PatientID, &items, &a.Total, &a.Severity,
		&a.SuicidalIdeation, &a.AssessedAt, &a.CreatedAt); err != nil {
		return nil, err
	}
	for i := 0; i < len(items) && i < ItemCount; i++ {
		a.Items[i] = int(items[i])
	}
	return &a, nil
}

func (r *repoPG) scanAll(rows pgx.Rows) ([]*Assessment, error) {
	defer rows.Close()
	var items []*Assessment
	for rows.Next() {
		a, err := r.scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *repoPG) Create(ctx context.Context, a *Assessment) error {
	a.ID = uuid.New()
	items := make([]int32, ItemCount)
	for i, v := range a.Items {
		items[i] = int32(v)
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO phq9_assessment (id, patient_id, items, total_score, severity, suicidal_ideation, assessed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at`,
		a.ID, a.PatientID, items, a.Total, a.Severity, a.SuicidalIdeation, a.AssessedAt).Scan(&a.CreatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Assessment, error) {
	return r.scanAssessment(r.conn(ctx).QueryRow(ctx, `SELECT `+assessmentCols+` FROM phq9_assessment WHERE id = $1`, id))
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Assessment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM phq9_assessment WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+assessmentCols+` FROM phq9_assessment WHERE patient_id = $1 ORDER BY assessed_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.scanAll(rows)
	return items, total, err
}

func (r *repoPG) ListRecent(ctx context.Context, patientID uuid.UUID, asOf time.Time, n int) ([]*Assessment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+assessmentCols+` FROM phq9_assessment
		WHERE patient_id = $1 AND assessed_at <= $2
		ORDER BY assessed_at DESC, created_at DESC LIMIT $3`, patientID, asOf, n)
	if err != nil {
		return nil, err
	}
	return r.scanAll(rows)
}

func (r *repoPG) ListAll(ctx context.Context, patientID uuid.UUID) ([]*Assessment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+assessmentCols+` FROM phq9_assessment
		WHERE patient_id = $1 ORDER BY assessed_at ASC, created_at ASC`, patientID)
	if err != nil {
		return nil, err
	}
	return r.scanAll(rows)
}
