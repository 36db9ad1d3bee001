// Package auditlog persists the append-only audit trail.
package auditlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/common"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/dbx"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/models"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/rowsec"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Append(ctx context.Context, rec *models.AuditRecord) error {
	reasons, err := json.Marshal(nonNil(rec.SuspiciousReasons))
	if err != nil {
		return err
	}
	query := `INSERT INTO audit_log (id, principal_id, table_name, operation, record_id, old_data, new_data,
		ts, duration_ms, suspicious, suspicious_reasons, ip_address, user_agent, session_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err = r.db.ExecContext(ctx, query,
		rec.ID, rec.PrincipalID, rec.TableName, string(rec.Operation), rec.RecordID,
		jsonArg(rec.OldData), jsonArg(rec.NewData), rec.Timestamp, rec.DurationMS,
		rec.Suspicious, string(reasons), rec.IPAddress, rec.UserAgent, rec.SessionID)
	if err != nil {
		return common.NewStorageError("audit.append", err)
	}
	return nil
}

func (r *PostgresRepository) List(ctx context.Context, pred principal.Predicate, f Filter) ([]*models.AuditRecord, error) {
	owner, all, err := rowsec.Args(pred)
	if err != nil {
		return nil, err
	}
	var lim any
	if f.Limit > 0 {
		lim = int64(f.Limit)
	}
	query := `SELECT id, principal_id, table_name, operation, record_id, old_data, new_data, ts, duration_ms,
		suspicious, suspicious_reasons, ip_address, user_agent, session_id
		FROM audit_log
		WHERE (principal_id = $1 OR $2)
		AND ($3 = '' OR principal_id = $3) AND ($4 = '' OR table_name = $4) AND ($5 = '' OR operation = $5)
		AND ts >= $6 AND (NOT $7 OR suspicious)
		ORDER BY ts DESC LIMIT $8`
	rows, err := r.db.QueryContext(ctx, query, owner, all, f.PrincipalID, f.TableName, string(f.Operation),
		f.Since, f.SuspiciousOnly, lim)
	if err != nil {
		return nil, common.NewStorageError("audit.list", err)
	}
	defer rows.Close()

	var result []*models.AuditRecord
	for rows.Next() {
		var (
			rec              models.AuditRecord
			op               string
			oldData, newData []byte
			reasons          []byte
		)
		if err := rows.Scan(&rec.ID, &rec.PrincipalID, &rec.TableName, &op, &rec.RecordID, &oldData, &newData,
			&rec.Timestamp, &rec.DurationMS, &rec.Suspicious, &reasons, &rec.IPAddress, &rec.UserAgent,
			&rec.SessionID); err != nil {
			return nil, common.NewStorageError("audit.list", err)
		}
		rec.Operation = models.Operation(op)
		if len(oldData) > 0 {
			rec.OldData = json.RawMessage(oldData)
		}
		if len(newData) > 0 {
			rec.NewData = json.RawMessage(newData)
		}
		if len(reasons) > 0 {
			if err := json.Unmarshal(reasons, &rec.SuspiciousReasons); err != nil {
				return nil, common.NewStorageError("audit.list", err)
			}
		}
		result = append(result, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, common.NewStorageError("audit.list", err)
	}
	return result, nil
}

func (r *PostgresRepository) CountSince(ctx context.Context, pred principal.Predicate, since time.Time, op models.Operation, minCount int64) ([]models.PrincipalCount, error) {
	if err := rowsec.RequireUnrestricted(pred); err != nil {
		return nil, err
	}
	query := `SELECT principal_id, COUNT(*) FROM audit_log
		WHERE principal_id IS NOT NULL AND ts >= $1 AND ($2 = '' OR operation = $2)
		GROUP BY principal_id HAVING COUNT(*) > $3
		ORDER BY principal_id`
	rows, err := r.db.QueryContext(ctx, query, since, string(op), minCount)
	if err != nil {
		return nil, common.NewStorageError("audit.count_since", err)
	}
	defer rows.Close()

	var result []models.PrincipalCount
	for rows.Next() {
		var pc models.PrincipalCount
		if err := rows.Scan(&pc.PrincipalID, &pc.Count); err != nil {
			return nil, common.NewStorageError("audit.count_since", err)
		}
		result = append(result, pc)
	}
	if err := rows.Err(); err != nil {
		return nil, common.NewStorageError("audit.count_since", err)
	}
	return result, nil
}

// Flag touches nothing but suspicious and suspicious_reasons. jsonb_exists is
// used instead of the ? operator, which clashes with placeholder parsing.
func (r *PostgresRepository) Flag(ctx context.Context, pred principal.Predicate, principalID string, since time.Time, op models.Operation, reason string) (int64, error) {
	if err := rowsec.RequireUnrestricted(pred); err != nil {
		return 0, err
	}
	query := `UPDATE audit_log
		SET suspicious = TRUE, suspicious_reasons = suspicious_reasons || jsonb_build_array($1::text)
		WHERE principal_id = $2 AND ts >= $3 AND ($4 = '' OR operation = $4)
		AND NOT jsonb_exists(suspicious_reasons, $1)`
	res, err := r.db.ExecContext(ctx, query, reason, principalID, since, string(op))
	if err != nil {
		return 0, common.NewStorageError("audit.flag", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, common.NewStorageError("audit.flag", err)
	}
	return n, nil
}

func (r *PostgresRepository) Rollup(ctx context.Context, pred principal.Predicate, from, to time.Time) ([]models.AuditRollup, error) {
	if err := rowsec.RequireUnrestricted(pred); err != nil {
		return nil, err
	}
	// days are UTC regardless of the session TimeZone
	query := `SELECT principal_id, table_name, operation,
		date_trunc('day', ts AT TIME ZONE 'UTC') AT TIME ZONE 'UTC' AS day, COUNT(*)
		FROM audit_log WHERE ts >= $1 AND ts < $2
		GROUP BY principal_id, table_name, operation, day
		ORDER BY day, principal_id, table_name, operation`
	rows, err := r.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, common.NewStorageError("audit.rollup", err)
	}
	defer rows.Close()

	var result []models.AuditRollup
	for rows.Next() {
		var (
			item models.AuditRollup
			op   string
		)
		if err := rows.Scan(&item.PrincipalID, &item.TableName, &op, &item.Day, &item.Count); err != nil {
			return nil, common.NewStorageError("audit.rollup", err)
		}
		item.Operation = models.Operation(op)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, common.NewStorageError("audit.rollup", err)
	}
	return result, nil
}

func (r *PostgresRepository) DeleteBefore(ctx context.Context, pred principal.Predicate, cutoff time.Time) (int64, error) {
	if err := rowsec.RequireUnrestricted(pred); err != nil {
		return 0, err
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM audit_log WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, common.NewStorageError("audit.delete_before", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, common.NewStorageError("audit.delete_before", err)
	}
	return n, nil
}

func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
