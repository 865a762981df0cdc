package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// Service writes and queries the append-only audit log. There is no update or
// delete operation: the public contract is Append plus reads.
type Service struct {
	DB *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{DB: db}
}

// Append inserts one record. On store failure the error propagates to the
// caller: the decision that triggered the record is not complete until its
// trail is written. Duplicate event IDs are a no-op (idempotent replay).
func (s *Service) Append(ctx context.Context, rec Record) error {
	if rec.EventID == uuid.Nil {
		rec.EventID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_records (event_id, action, actor, subject_type, subject_id, detail, origin, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING`

	_, err := s.DB.ExecContext(ctx, query,
		rec.EventID, rec.Action, rec.Actor, rec.SubjectType, rec.SubjectID,
		rec.Detail, rec.Origin, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit append: %w", err)
	}
	return nil
}

// AppendAsync is for best-effort trails (HTTP request logging, monitor
// sweeps): a store failure falls back to the local spool and is replayed
// later, so nothing is lost silently but the caller is never blocked on it.
func (s *Service) AppendAsync(rec Record) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.Append(ctx, rec); err != nil {
			log.Printf("[WARN] audit: store write failed, spooling event %s: %v", rec.EventID, err)
			if spoolErr := Spool(rec); spoolErr != nil {
				log.Printf("[ERROR] audit: spool failed for event %s: %v", rec.EventID, spoolErr)
			}
		}
	}()
}

// Query returns records matching the filter, newest first.
func (s *Service) Query(ctx context.Context, f Filter) ([]Record, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}

	query := `
		SELECT id, event_id, action, actor, subject_type, subject_id, detail, origin, created_at
		FROM audit_records
		WHERE ($1 = '' OR action = $1)
		  AND ($2 = '' OR actor = $2)
		  AND ($3 = '' OR subject_type = $3)
		  AND ($4 = '' OR subject_id = $4)
		  AND ($5::timestamptz IS NULL OR created_at >= $5)
		ORDER BY created_at DESC, id DESC
		LIMIT $6`

	rows, err := s.DB.QueryContext(ctx, query, f.Action, f.Actor, f.SubjectType, f.SubjectID, f.Since, f.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var subjectType, subjectID, origin sql.NullString
		var detail []byte

		err := rows.Scan(&rec.ID, &rec.EventID, &rec.Action, &rec.Actor,
			&subjectType, &subjectID, &detail, &origin, &rec.CreatedAt)
		if err != nil {
			return nil, err
		}
		rec.SubjectType = subjectType.String
		rec.SubjectID = subjectID.String
		rec.Origin = origin.String
		if len(detail) > 0 {
			rec.Detail = detail
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
