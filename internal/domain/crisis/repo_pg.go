package crisis

import (
	"context"
	"errors"
	"fmt"
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

// ErrNotFound is returned when an alert does not exist.
var ErrNotFound = errors.New("crisis alert not found")

type alertRepoPG struct{ pool *pgxpool.Pool }

func NewAlertRepoPG(pool *pgxpool.Pool) Repository {
	return &alertRepoPG{pool: pool}
}

func (r *alertRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

var alertCols = []string{
	"id", "assessment_id", "patient_id", "alert_type", "severity", "message", "dedup_key",
	"rule_score", "ml_probability", "combined_score", "combined_level",
	"acknowledged", "acknowledged_by", "acknowledged_at", "created_at",
}

func (r *alertRepoPG) scanAlert(row pgx.Row) (*Alert, error) {
	var a Alert
	err := row.Scan(&a.ID, &a.AssessmentID, &a.PatientID, &a.AlertType, &a.Severity, &a.Message, &a.DedupKey,
		&a.RuleScore, &a.MLProbability, &a.CombinedScore, &a.CombinedLevel,
		&a.Acknowledged, &a.AcknowledgedBy, &a.AcknowledgedAt, &a.CreatedAt)
	return &a, err
}

func (r *alertRepoPG) Create(ctx context.Context, a *Alert) (bool, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	query, args, err := psql.Insert("crisis_alert").
		Columns("id", "assessment_id", "patient_id", "alert_type", "severity", "message", "dedup_key",
			"rule_score", "ml_probability", "combined_score", "combined_level", "created_at").
		Values(a.ID, a.AssessmentID, a.PatientID, a.AlertType, a.Severity, a.Message, a.DedupKey,
			a.RuleScore, a.MLProbability, a.CombinedScore, a.CombinedLevel, a.CreatedAt).
		Suffix("ON CONFLICT (dedup_key) DO NOTHING").
		ToSql()
	if err != nil {
		return false, err
	}
	tag, err := r.conn(ctx).Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *alertRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Alert, error) {
	query, args, err := psql.Select(alertCols...).From("crisis_alert").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	a, err := r.scanAlert(r.conn(ctx).QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func searchFilter(params SearchParams) sq.And {
	where := sq.And{}
	if params.PatientID != nil {
		where = append(where, sq.Eq{"patient_id": *params.PatientID})
	}
	if params.Acknowledged != nil {
		where = append(where, sq.Eq{"acknowledged": *params.Acknowledged})
	}
	if params.Severity != nil {
		where = append(where, sq.Eq{"severity": string(*params.Severity)})
	}
	return where
}

func (r *alertRepoPG) Search(ctx context.Context, params SearchParams, limit, offset int) ([]*Alert, int, error) {
	where := searchFilter(params)

	countQuery, countArgs, err := psql.Select("COUNT(*)").From("crisis_alert").Where(where).ToSql()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count crisis alerts: %w", err)
	}

	query, args, err := psql.Select(alertCols...).From("crisis_alert").Where(where).
		OrderBy("created_at DESC").
		Limit(uint64(limit)).Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Alert
	for rows.Next() {
		a, err := r.scanAlert(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *alertRepoPG) Acknowledge(ctx context.Context, id uuid.UUID, by string, at time.Time) error {
	query, args, err := psql.Update("crisis_alert").
		Set("acknowledged", true).
		Set("acknowledged_by", by).
		Set("acknowledged_at", at).
		Where(sq.Eq{"id": id, "acknowledged": false}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyAcknowledged
	}
	return nil
}

func (r *alertRepoPG) AlertTimesBetween(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]time.Time, error) {
	query, args, err := psql.Select("created_at").From("crisis_alert").
		Where(sq.Eq{"patient_id": patientID}).
		Where(sq.GtOrEq{"created_at": from}).
		Where(sq.Lt{"created_at": to}).
		OrderBy("created_at").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
