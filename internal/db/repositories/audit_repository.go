// audit_repository.go implements AuditRepository, which records and queries
// audit log entries for owner actions and system events.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/relaypost/relaypost/internal/db/models"
)

// AuditRepository handles audit log database operations
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// AuditFilters contains filters for querying audit logs
type AuditFilters struct {
	UserID       *string
	Action       *string
	ResourceType *string
	StartDate    *time.Time
	EndDate      *time.Time
}

const auditColumns = `id, user_id, action, resource_type, resource_id, metadata, ip_address, created_at`

// where renders the filter set as a WHERE clause with positional args.
func (f AuditFilters) where() (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != nil {
		add("user_id = $%d", *f.UserID)
	}
	if f.Action != nil {
		add("action = $%d", *f.Action)
	}
	if f.ResourceType != nil {
		add("resource_type = $%d", *f.ResourceType)
	}
	if f.StartDate != nil {
		add("created_at >= $%d", *f.StartDate)
	}
	if f.EndDate != nil {
		add("created_at <= $%d", *f.EndDate)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// CreateAuditLog creates a new audit log entry
func (r *AuditRepository) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	log.ID = uuid.New().String()
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	var metadataJSON []byte
	if log.Metadata != nil {
		var err error
		if metadataJSON, err = json.Marshal(log.Metadata); err != nil {
			return err
		}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		log.ID, log.UserID, log.Action, log.ResourceType, log.ResourceID,
		metadataJSON, log.IPAddress, log.CreatedAt,
	)
	return err
}

// ListAuditLogs retrieves audit logs with optional filters and pagination
func (r *AuditRepository) ListAuditLogs(ctx context.Context, filters AuditFilters, limit, offset int) ([]*models.AuditLog, int, error) {
	where, args := filters.where()

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM audit_logs%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		auditColumns, where, len(args)+1, len(args)+2)
	rows, err := r.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	logs := make([]*models.AuditLog, 0)
	for rows.Next() {
		log, err := scanAuditLog(rows)
		if err != nil {
			return nil, 0, err
		}
		logs = append(logs, log)
	}
	return logs, total, rows.Err()
}

// GetAuditLog retrieves a single audit log entry by ID
func (r *AuditRepository) GetAuditLog(ctx context.Context, logID string) (*models.AuditLog, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_logs WHERE id = $1`, logID)
	log, err := scanAuditLog(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return log, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuditLog(s rowScanner) (*models.AuditLog, error) {
	log := &models.AuditLog{}
	var metadataJSON []byte
	if err := s.Scan(&log.ID, &log.UserID, &log.Action, &log.ResourceType,
		&log.ResourceID, &metadataJSON, &log.IPAddress, &log.CreatedAt); err != nil {
		return nil, err
	}
	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &log.Metadata); err != nil {
			return nil, err
		}
	}
	return log, nil
}
