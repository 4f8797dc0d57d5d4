package postgres

import (
	"context"
	"database/sql"
	"errors"

	alarms "alarm-center/internal/alarms/domain"
)

const defaultTelemetryPointsTable = "telemetry_points"

// TelemetryPointRepository reads the telemetry point directory. The directory
// is owned by the ingestion platform; this repository only resolves identity
// and data type for apply-time checks.
type TelemetryPointRepository struct {
	db    *sql.DB
	table string
}

// NewTelemetryPointRepository constructs a repository.
func NewTelemetryPointRepository(db *sql.DB) *TelemetryPointRepository {
	return &TelemetryPointRepository{db: db, table: defaultTelemetryPointsTable}
}

// GetPoint loads one telemetry point.
func (r *TelemetryPointRepository) GetPoint(ctx context.Context, tenantID, id string) (*alarms.TargetPoint, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("telemetry point repo: nil db")
	}
	if tenantID == "" || id == "" {
		return nil, errors.New("telemetry point repo: invalid query")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT id, name, data_type
FROM telemetry_points
WHERE tenant_id = $1 AND id = $2
LIMIT 1`, tenantID, id)
	var point alarms.TargetPoint
	if err := row.Scan(&point.ID, &point.Name, &point.DataType); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &point, nil
}
