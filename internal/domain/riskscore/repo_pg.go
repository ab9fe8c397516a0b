package riskscore

import (
	"context"
	"fmt"

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

type auditRepoPG struct{ pool *pgxpool.Pool }

func NewAuditRepoPG(pool *pgxpool.Pool) AuditRepository {
	return &auditRepoPG{pool: pool}
}

func (r *auditRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

var auditCols = []string{
	"id", "patient_id", "assessment_id", "rule_level", "rule_score", "ml_status", "ml_probability",
	"model_version", "combined_level", "combined_score", "confidence", "degraded", "defaulted_features",
	"alert_triggered", "alert_type", "alert_severity", "alert_created", "scored_at", "created_at",
}

func (r *auditRepoPG) scanRecord(row pgx.Row) (*AuditRecord, error) {
	var a AuditRecord
	err := row.Scan(&a.ID, &a.PatientID, &a.AssessmentID, &a.RuleLevel, &a.RuleScore, &a.MLStatus, &a.MLProbability,
		&a.ModelVersion, &a.CombinedLevel, &a.CombinedScore, &a.Confidence, &a.Degraded, &a.DefaultedFeatures,
		&a.AlertTriggered, &a.AlertType, &a.AlertSeverity, &a.AlertCreated, &a.ScoredAt, &a.CreatedAt)
	return &a, err
}

func (r *auditRepoPG) Create(ctx context.Context, a *AuditRecord) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	query, args, err := psql.Insert("risk_assessment_audit").
		Columns(auditCols[:len(auditCols)-1]...).
		Values(a.ID, a.PatientID, a.AssessmentID, a.RuleLevel, a.RuleScore, a.MLStatus, a.MLProbability,
			a.ModelVersion, a.CombinedLevel, a.CombinedScore, a.Confidence, a.Degraded, a.DefaultedFeatures,
			a.AlertTriggered, a.AlertType, a.AlertSeverity, a.AlertCreated, a.ScoredAt).
		Suffix("RETURNING created_at").
		ToSql()
	if err != nil {
		return err
	}
	return r.conn(ctx).QueryRow(ctx, query, args...).Scan(&a.CreatedAt)
}

func (r *auditRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*AuditRecord, int, error) {
	countQuery, countArgs, err := psql.Select("COUNT(*)").From("risk_assessment_audit").
		Where(sq.Eq{"patient_id": patientID}).ToSql()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count risk audit rows: %w", err)
	}

	query, args, err := psql.Select(auditCols...).From("risk_assessment_audit").
		Where(sq.Eq{"patient_id": patientID}).
		OrderBy("scored_at DESC", "created_at DESC").
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
	var items []*AuditRecord
	for rows.Next() {
		a, err := r.scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}
