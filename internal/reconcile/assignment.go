package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"crmsync/internal/store"
)

// resolveAssignee maps an external agent id to an internal user id. Unknown
// agents resolve to nil (unassigned).
func (r *Reconciler) resolveAssignee(ctx context.Context, companyID, agentID string) (*string, error) {
	if agentID == "" {
		return nil, nil
	}
	userID, err := r.Store.FindUserIDByAgentID(ctx, companyID, agentID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("external agent has no internal user",
			"company_id", companyID,
			"external_agent_id", agentID,
		)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve assignee: %w", err)
	}
	return &userID, nil
}

func sameRef(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func deref(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
