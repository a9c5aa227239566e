package deliverylogs

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/simplify-ai/campaign-mailer/internal/models"
)

const (
	table = "delivery_logs"

	DefaultListLimit = 50
	MaxListLimit     = 500
)

var columns = []string{"id", "job_id", "email", "status", "error_message", "ip", "attempts", "recipient_count", "sent_at", "created_at"}

// db is the subset of pgxpool.Pool the repository needs.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository handles delivery_logs persistence.
type Repository struct {
	db db
	sb sq.StatementBuilderType
}

// NewRepository creates a delivery logs repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return newRepository(pool)
}

func newRepository(d db) *Repository {
	return &Repository{
		db: d,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// Filter narrows List. Zero values mean no constraint.
type Filter struct {
	Email string
	JobID string
	Limit int
}

// Record inserts one audit row.
func (r *Repository) Record(ctx context.Context, rec models.DeliveryRecord) error {
	sqlStr, args, err := r.insertQuery(rec).ToSql()
	if err != nil {
		return fmt.Errorf("build insert delivery log sql: %w", err)
	}
	if _, err := r.db.Exec(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert delivery log: %w", err)
	}
	return nil
}

func (r *Repository) insertQuery(rec models.DeliveryRecord) sq.InsertBuilder {
	var errMsg *string
	if rec.Error != "" {
		errMsg = &rec.Error
	}
	count := rec.RecipientCount
	if count <= 0 {
		count = 1
	}
	q := r.sb.
		Insert(table).
		Columns("job_id", "email", "status", "error_message", "ip", "attempts", "recipient_count", "sent_at")
	if !rec.CreatedAt.IsZero() {
		return q.Columns("created_at").Values(rec.JobID, rec.Email, rec.Status, errMsg, rec.IP, rec.Attempts, count, rec.SentAt, rec.CreatedAt)
	}
	return q.Values(rec.JobID, rec.Email, rec.Status, errMsg, rec.IP, rec.Attempts, count, rec.SentAt)
}

// List returns audit rows, newest first.
func (r *Repository) List(ctx context.Context, f Filter) ([]*models.DeliveryRecord, error) {
	sqlStr, args, err := r.listQuery(f).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list delivery logs sql: %w", err)
	}
	rows, err := r.db.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list delivery logs: %w", err)
	}
	defer rows.Close()

	var list []*models.DeliveryRecord
	for rows.Next() {
		var rec models.DeliveryRecord
		var errMsg *string
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.Email, &rec.Status, &errMsg, &rec.IP, &rec.Attempts, &rec.RecipientCount, &rec.SentAt, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery log: %w", err)
		}
		if errMsg != nil {
			rec.Error = *errMsg
		}
		list = append(list, &rec)
	}
	return list, rows.Err()
}

func (r *Repository) listQuery(f Filter) sq.SelectBuilder {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	q := r.sb.Select(columns...).From(table)
	if f.Email != "" {
		q = q.Where(sq.Eq{"email": f.Email})
	}
	if f.JobID != "" {
		q = q.Where(sq.Eq{"job_id": f.JobID})
	}
	return q.OrderBy("created_at DESC", "id DESC").Limit(uint64(limit))
}
