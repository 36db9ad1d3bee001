package memory

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/models"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/auditlog"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/rowsec"
)

type AuditRepository struct {
	tx *Tx
}

var _ auditlog.Repository = (*AuditRepository)(nil)

func (r *AuditRepository) Append(_ context.Context, rec *models.AuditRecord) error {
	if err := r.tx.writable(); err != nil {
		return err
	}
	row := *rec
	row.OldData = json.RawMessage(cloneBytes(rec.OldData))
	row.NewData = json.RawMessage(cloneBytes(rec.NewData))
	row.SuspiciousReasons = append([]string(nil), rec.SuspiciousReasons...)
	r.tx.st.audit = append(r.tx.st.audit, row)
	return nil
}

func (r *AuditRepository) List(_ context.Context, pred principal.Predicate, f auditlog.Filter) ([]*models.AuditRecord, error) {
	if _, _, err := rowsec.Args(pred); err != nil {
		return nil, err
	}
	var result []*models.AuditRecord
	for _, row := range r.tx.st.audit {
		if !pred.Allows(row.Owner()) {
			continue
		}
		if f.PrincipalID != "" && row.Owner() != f.PrincipalID {
			continue
		}
		if f.TableName != "" && row.TableName != f.TableName {
			continue
		}
		if f.Operation != "" && row.Operation != f.Operation {
			continue
		}
		if row.Timestamp.Before(f.Since) || (f.SuspiciousOnly && !row.Suspicious) {
			continue
		}
		row.SuspiciousReasons = append([]string(nil), row.SuspiciousReasons...)
		result = append(result, &row)
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Timestamp.After(result[j].Timestamp) })
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (r *AuditRepository) CountSince(_ context.Context, pred principal.Predicate, since time.Time, op models.Operation, minCount int64) ([]models.PrincipalCount, error) {
	if err := rowsec.RequireUnrestricted(pred); err != nil {
		return nil, err
	}
	counts := map[string]int64{}
	for _, row := range r.tx.st.audit {
		if row.PrincipalID == nil || row.Timestamp.Before(since) || (op != "" && row.Operation != op) {
			continue
		}
		counts[*row.PrincipalID]++
	}
	var result []models.PrincipalCount
	for id, n := range counts {
		if n > minCount {
			result = append(result, models.PrincipalCount{PrincipalID: id, Count: n})
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PrincipalID < result[j].PrincipalID })
	return result, nil
}

func (r *AuditRepository) Flag(_ context.Context, pred principal.Predicate, principalID string, since time.Time, op models.Operation, reason string) (int64, error) {
	if err := r.tx.writable(); err != nil {
		return 0, err
	}
	if err := rowsec.RequireUnrestricted(pred); err != nil {
		return 0, err
	}
	r.tx.st.ownAudit()
	var n int64
	for i := range r.tx.st.audit {
		row := &r.tx.st.audit[i]
		if row.Owner() != principalID || row.Timestamp.Before(since) || (op != "" && row.Operation != op) {
			continue
		}
		if row.HasReason(reason) {
			continue
		}
		row.Suspicious = true
		row.SuspiciousReasons = append(append([]string(nil), row.SuspiciousReasons...), reason)
		n++
	}
	return n, nil
}

func (r *AuditRepository) Rollup(_ context.Context, pred principal.Predicate, from, to time.Time) ([]models.AuditRollup, error) {
	if err := rowsec.RequireUnrestricted(pred); err != nil {
		return nil, err
	}
	type key struct {
		principal string
		hasID     bool
		table     string
		op        models.Operation
		day       time.Time
	}
	counts := map[key]int64{}
	for _, row := range r.tx.st.audit {
		if row.Timestamp.Before(from) || !row.Timestamp.Before(to) {
			continue
		}
		ts := row.Timestamp.UTC()
		k := key{
			principal: row.Owner(),
			hasID:     row.PrincipalID != nil,
			table:     row.TableName,
			op:        row.Operation,
			day:       time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC),
		}
		counts[k]++
	}
	result := make([]models.AuditRollup, 0, len(counts))
	for k, n := range counts {
		item := models.AuditRollup{TableName: k.table, Operation: k.op, Day: k.day, Count: n}
		if k.hasID {
			id := k.principal
			item.PrincipalID = &id
		}
		result = append(result, item)
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.Day.Equal(b.Day) {
			return a.Day.Before(b.Day)
		}
		if pa, pb := ptrString(a.PrincipalID), ptrString(b.PrincipalID); pa != pb {
			return pa < pb
		}
		if a.TableName != b.TableName {
			return a.TableName < b.TableName
		}
		return a.Operation < b.Operation
	})
	return result, nil
}

func (r *AuditRepository) DeleteBefore(_ context.Context, pred principal.Predicate, cutoff time.Time) (int64, error) {
	if err := r.tx.writable(); err != nil {
		return 0, err
	}
	if err := rowsec.RequireUnrestricted(pred); err != nil {
		return 0, err
	}
	kept := r.tx.st.audit[:0:0]
	var n int64
	for _, row := range r.tx.st.audit {
		if row.Timestamp.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, row)
	}
	r.tx.st.audit = kept
	return n, nil
}

func ptrString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
