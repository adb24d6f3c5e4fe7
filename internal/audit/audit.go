package audit

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Logger writes append-only audit records. It is a write-only sink:
// failures are logged and swallowed so auditing never fails a request.
type Logger struct {
	db  *pgxpool.Pool
	log *zap.Logger
}

// New creates an audit logger
func New(db *pgxpool.Pool, log *zap.Logger) *Logger {
	return &Logger{db: db, log: log.Named("audit")}
}

// Entry is one audited action.
type Entry struct {
	Action        string
	TransactionID *int64
	Actor         string
	Detail        map[string]interface{}
}

// Record appends one entry to the audit trail. Each entry gets a
// globally unique event id so trails from separate deployments can be
// merged without collisions.
func (l *Logger) Record(ctx context.Context, e Entry) {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		detail = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO audit_logs (event_id, action, transaction_id, actor, detail)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New(), e.Action, e.TransactionID, e.Actor, detail)
	if err != nil {
		l.log.Warn("failed to write audit entry",
			zap.String("action", e.Action),
			zap.Error(err),
		)
	}
}
