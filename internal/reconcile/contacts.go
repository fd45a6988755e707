package reconcile

import (
	"context"
	"errors"
	"fmt"

	"crmsync/internal/domain"
	"crmsync/internal/phone"
	"crmsync/internal/store"
)

// ContactAttrs carries the attributes an event knows about a contact. Empty
// fields are treated as unknown and never overwrite stored values.
type ContactAttrs struct {
	Name              string
	Email             string
	AvatarURL         string
	ExternalContactID string
}

func (a ContactAttrs) patch() store.ContactPatch {
	return store.ContactPatch{
		Name:              a.Name,
		Email:             a.Email,
		AvatarURL:         a.AvatarURL,
		ExternalContactID: a.ExternalContactID,
	}
}

// UpsertContact finds or creates the contact for phone within the company
// and merges attrs into it. It returns the stored row.
func (r *Reconciler) UpsertContact(ctx context.Context, companyID, rawPhone string, attrs ContactAttrs) (domain.Contact, error) {
	display := phone.Normalize(rawPhone)
	key := phone.Key(rawPhone)
	if key == "" {
		return domain.Contact{}, fmt.Errorf("%w: contact phone has no digits", domain.ErrInvalidPayload)
	}

	existing, err := r.Store.FindContactByPhone(ctx, companyID, key)
	switch {
	case err == nil:
		return r.mergeContact(ctx, existing, attrs)
	case !errors.Is(err, store.ErrNotFound):
		return domain.Contact{}, fmt.Errorf("find contact: %w", err)
	}

	created, err := r.Store.InsertContact(ctx, store.ContactInsert{
		ID:                r.newID("ct"),
		CompanyID:         companyID,
		Phone:             display,
		PhoneNormalized:   key,
		Name:              attrs.Name,
		Email:             attrs.Email,
		AvatarURL:         attrs.AvatarURL,
		ExternalContactID: attrs.ExternalContactID,
		Source:            domain.SourceGateway,
		Now:               r.now(),
	})
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, store.ErrDuplicate) {
		return domain.Contact{}, fmt.Errorf("insert contact: %w", err)
	}

	// Lost the insert race to a concurrent delivery: read the winner and merge once.
	existing, err = r.Store.FindContactByPhone(ctx, companyID, key)
	if err != nil {
		return domain.Contact{}, fmt.Errorf("reread contact after duplicate: %w", err)
	}
	return r.mergeContact(ctx, existing, attrs)
}

// MergeContactByExternalID updates a contact located by its support platform
// id. Used when an event carries no usable phone.
func (r *Reconciler) MergeContactByExternalID(ctx context.Context, companyID string, attrs ContactAttrs) (domain.Contact, error) {
	if attrs.ExternalContactID == "" {
		return domain.Contact{}, domain.ErrContactNotFound
	}
	existing, err := r.Store.FindContactByExternalID(ctx, companyID, attrs.ExternalContactID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Contact{}, domain.ErrContactNotFound
	}
	if err != nil {
		return domain.Contact{}, fmt.Errorf("find contact by external id: %w", err)
	}
	return r.mergeContact(ctx, existing, attrs)
}

func (r *Reconciler) mergeContact(ctx context.Context, existing domain.Contact, attrs ContactAttrs) (domain.Contact, error) {
	p := attrs.patch()
	if !contactChanges(existing, p) {
		return existing, nil
	}
	p.Now = r.now()
	updated, err := r.Store.UpdateContact(ctx, existing.CompanyID, existing.ID, p)
	if err != nil {
		return domain.Contact{}, fmt.Errorf("update contact: %w", err)
	}
	return updated, nil
}

func contactChanges(c domain.Contact, p store.ContactPatch) bool {
	if p.Empty() {
		return false
	}
	return (p.Name != "" && p.Name != c.Name) ||
		(p.Email != "" && p.Email != c.Email) ||
		(p.AvatarURL != "" && p.AvatarURL != c.AvatarURL) ||
		(p.ExternalContactID != "" && p.ExternalContactID != c.ExternalContactID)
}
