package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"crmsync/internal/domain"
	"crmsync/internal/store"
)

// ResolveCompany maps the support platform account id from a webhook
// envelope to the owning tenant.
func (r *Reconciler) ResolveCompany(ctx context.Context, accountID string) (domain.Company, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.Company{}, domain.ErrCompanyNotFound
	}
	c, err := r.Store.FindCompanyByChatwootAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Company{}, domain.ErrCompanyNotFound
	}
	if err != nil {
		return domain.Company{}, fmt.Errorf("resolve company: %w", err)
	}
	return c, nil
}

func (r *Reconciler) ResolveInstance(ctx context.Context, name string) (domain.Instance, error) {
	in, err := r.Store.FindInstanceByName(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Instance{}, domain.ErrInstanceNotFound
	}
	if err != nil {
		return domain.Instance{}, fmt.Errorf("resolve instance: %w", err)
	}
	return in, nil
}

// ConnectionStatus maps a gateway connection state onto the instance
// lifecycle. ok is false for states this core does not track.
func ConnectionStatus(state string) (domain.InstanceStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "open", "connected":
		return domain.InstanceConnected, true
	case "close", "closed", "disconnected":
		return domain.InstanceDisconnected, true
	case "connecting":
		return domain.InstanceConnecting, true
	case "refused", "error":
		return domain.InstanceError, true
	}
	return "", false
}

// SetInstanceStatus writes a new connection status; unchanged statuses are
// not rewritten so connected_at keeps the first connection time.
func (r *Reconciler) SetInstanceStatus(ctx context.Context, in domain.Instance, status domain.InstanceStatus) (domain.Instance, error) {
	if in.Status == status {
		return in, nil
	}
	out, err := r.Store.UpdateInstanceStatus(ctx, store.InstanceStatusUpdate{
		ID:     in.ID,
		Status: status,
		Now:    r.now(),
	})
	if err != nil {
		return domain.Instance{}, fmt.Errorf("update instance status: %w", err)
	}
	return out, nil
}

// CompanyForInstance loads the tenant that owns a gateway instance.
func (r *Reconciler) CompanyForInstance(ctx context.Context, in domain.Instance) (domain.Company, error) {
	c, err := r.Store.GetCompany(ctx, in.CompanyID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Company{}, domain.ErrCompanyNotFound
	}
	if err != nil {
		return domain.Company{}, fmt.Errorf("load company: %w", err)
	}
	return c, nil
}
