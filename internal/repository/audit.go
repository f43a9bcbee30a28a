package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/pdfpress/pdfpress/internal/audit"
)

// AuditRepository writes audit events to the audit_logs table. Recording is
// best effort: failures are logged and never surfaced to the caller, request
// handling must not fail because the trail could not be written.
type AuditRepository struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

func NewAuditRepository(pool *pgxpool.Pool, log *logrus.Logger) *AuditRepository {
	return &AuditRepository{pool: pool, log: log}
}

func (r *AuditRepository) Record(ctx context.Context, ev audit.Event) {
	var details []byte
	if ev.Details != nil {
		var err error
		details, err = json.Marshal(ev.Details)
		if err != nil {
			r.log.WithError(err).WithField("action", ev.Action).Warn("audit details not serializable")
			details = nil
		}
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_logs (user_id, action, resource_type, resource_id, ip_address, user_agent, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, nullIfEmpty(ev.UserID), ev.Action, nullIfEmpty(ev.ResourceType),
		nullIfEmpty(ev.ResourceID), ev.IPAddress, nullIfEmpty(ev.UserAgent), details)
	if err != nil {
		r.log.WithError(err).WithField("action", ev.Action).Warn("audit write failed")
	}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
