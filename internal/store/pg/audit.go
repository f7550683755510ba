package pg

import (
	"context"

	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/audit"
)

var _ audit.Store = (*Store)(nil)

// Append writes one audit row. The table rejects updates and deletes.
func (s *Store) Append(ctx context.Context, e audit.Event) error {
	_, err := s.db.ExecContext(ctx, `
		insert into audit_events (id, occurred_at, action, resource_type, resource_id, outcome, reason, actor, request_id)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, e.ID, e.OccurredAt, e.Action, e.ResourceType, e.ResourceID, string(e.Outcome), e.Reason, e.Actor, e.RequestID)
	return err
}
