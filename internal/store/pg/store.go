package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"crmsync/internal/domain"
	"crmsync/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

// ---- companies, users, instances ----

func (s *Store) FindCompanyByChatwootAccount(ctx context.Context, accountID string) (domain.Company, error) {
	return s.scanCompany(s.DB.QueryRow(ctx, `
		SELECT id, name, COALESCE(chatwoot_account_id,''), COALESCE(chatwoot_api_token,'')
		FROM companies WHERE chatwoot_account_id=$1
	`, accountID))
}

func (s *Store) GetCompany(ctx context.Context, companyID string) (domain.Company, error) {
	return s.scanCompany(s.DB.QueryRow(ctx, `
		SELECT id, name, COALESCE(chatwoot_account_id,''), COALESCE(chatwoot_api_token,'')
		FROM companies WHERE id=$1
	`, companyID))
}

func (s *Store) scanCompany(row pgx.Row) (domain.Company, error) {
	var c domain.Company
	if err := row.Scan(&c.ID, &c.Name, &c.ChatwootAccountID, &c.ChatwootAPIToken); err != nil {
		return domain.Company{}, mapErr(err)
	}
	return c, nil
}

func (s *Store) FindUserIDByAgentID(ctx context.Context, companyID, agentID string) (string, error) {
	var id string
	err := s.DB.QueryRow(ctx, `
		SELECT id FROM users WHERE company_id=$1 AND chatwoot_agent_id=$2 LIMIT 1
	`, companyID, agentID).Scan(&id)
	if err != nil {
		return "", mapErr(err)
	}
	return id, nil
}

const instanceColumns = `id, company_id, external_instance_name, status, external_token,
	COALESCE(chatwoot_inbox_id,''), connected_at, disconnected_at`

func (s *Store) FindInstanceByName(ctx context.Context, name string) (domain.Instance, error) {
	return scanInstance(s.DB.QueryRow(ctx, `
		SELECT `+instanceColumns+` FROM instances WHERE external_instance_name=$1
	`, name))
}

func (s *Store) UpdateInstanceStatus(ctx context.Context, in store.InstanceStatusUpdate) (domain.Instance, error) {
	return scanInstance(s.DB.QueryRow(ctx, `
		UPDATE instances SET
			status=$2,
			connected_at=CASE WHEN $2='connected' THEN $3 ELSE connected_at END,
			disconnected_at=CASE WHEN $2='disconnected' THEN $3 ELSE disconnected_at END,
			updated_at=$3
		WHERE id=$1
		RETURNING `+instanceColumns, in.ID, string(in.Status), in.Now))
}

func scanInstance(row pgx.Row) (domain.Instance, error) {
	var in domain.Instance
	var status string
	err := row.Scan(&in.ID, &in.CompanyID, &in.ExternalInstanceName, &status, &in.ExternalToken,
		&in.ChatwootInboxID, &in.ConnectedAt, &in.DisconnectedAt)
	if err != nil {
		return domain.Instance{}, mapErr(err)
	}
	in.Status = domain.InstanceStatus(status)
	return in, nil
}

// ---- contacts ----

const contactColumns = `id, company_id, phone, phone_normalized, COALESCE(name,''), COALESCE(email,''),
	COALESCE(avatar_url,''), COALESCE(external_contact_id,''), source, created_at, updated_at`

func (s *Store) FindContactByPhone(ctx context.Context, companyID, phoneKey string) (domain.Contact, error) {
	return scanContact(s.DB.QueryRow(ctx, `
		SELECT `+contactColumns+` FROM contacts WHERE company_id=$1 AND phone_normalized=$2
	`, companyID, phoneKey))
}

func (s *Store) FindContactByExternalID(ctx context.Context, companyID, externalID string) (domain.Contact, error) {
	return scanContact(s.DB.QueryRow(ctx, `
		SELECT `+contactColumns+` FROM contacts WHERE company_id=$1 AND external_contact_id=$2
		ORDER BY updated_at DESC LIMIT 1
	`, companyID, externalID))
}

func (s *Store) InsertContact(ctx context.Context, in store.ContactInsert) (domain.Contact, error) {
	return scanContact(s.DB.QueryRow(ctx, `
		INSERT INTO contacts (id, company_id, phone, phone_normalized, name, email, avatar_url,
			external_contact_id, source, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
		RETURNING `+contactColumns,
		in.ID, in.CompanyID, in.Phone, in.PhoneNormalized, nullIfEmpty(in.Name), nullIfEmpty(in.Email),
		nullIfEmpty(in.AvatarURL), nullIfEmpty(in.ExternalContactID), in.Source, in.Now))
}

func (s *Store) UpdateContact(ctx context.Context, companyID, contactID string, p store.ContactPatch) (domain.Contact, error) {
	return scanContact(s.DB.QueryRow(ctx, `
		UPDATE contacts SET
			name=COALESCE($3, name),
			email=COALESCE($4, email),
			avatar_url=COALESCE($5, avatar_url),
			external_contact_id=COALESCE($6, external_contact_id),
			updated_at=$7
		WHERE company_id=$1 AND id=$2
		RETURNING `+contactColumns,
		companyID, contactID, nullIfEmpty(p.Name), nullIfEmpty(p.Email), nullIfEmpty(p.AvatarURL),
		nullIfEmpty(p.ExternalContactID), p.Now))
}

func scanContact(row pgx.Row) (domain.Contact, error) {
	var c domain.Contact
	err := row.Scan(&c.ID, &c.CompanyID, &c.Phone, &c.PhoneNormalized, &c.Name, &c.Email,
		&c.AvatarURL, &c.ExternalContactID, &c.Source, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return domain.Contact{}, mapErr(err)
	}
	return c, nil
}

// ---- conversations ----

const conversationColumns = `id, company_id, contact_id, external_conversation_id, COALESCE(external_inbox_id,''),
	stage_id, assigned_to, priority, status, COALESCE(last_message,''), unread_count,
	first_response_at, resolved_at, last_activity_at, created_at, updated_at`

func (s *Store) FindConversationByExternalID(ctx context.Context, companyID, externalID string) (domain.Conversation, error) {
	return scanConversation(s.DB.QueryRow(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE company_id=$1 AND external_conversation_id=$2
	`, companyID, externalID))
}

// InsertConversation returns created=false when a concurrent delivery
// already inserted the same (company_id, external_conversation_id).
func (s *Store) InsertConversation(ctx context.Context, in store.ConversationInsert) (domain.Conversation, bool, error) {
	conv, err := scanConversation(s.DB.QueryRow(ctx, `
		INSERT INTO conversations (id, company_id, contact_id, external_conversation_id, external_inbox_id,
			stage_id, assigned_to, priority, status, unread_count, last_activity_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,$10,$10,$10)
		ON CONFLICT (company_id, external_conversation_id) DO NOTHING
		RETURNING `+conversationColumns,
		in.ID, in.CompanyID, in.ContactID, in.ExternalConversationID, nullIfEmpty(in.ExternalInboxID),
		in.StageID, in.AssignedTo, in.Priority, string(in.Status), in.Now))
	if errors.Is(err, store.ErrNotFound) {
		existing, ferr := s.FindConversationByExternalID(ctx, in.CompanyID, in.ExternalConversationID)
		return existing, false, ferr
	}
	if err != nil {
		return domain.Conversation{}, false, err
	}
	return conv, true, nil
}

// UpdateConversation applies the whole patch in one statement and returns
// the row as stored afterwards.
func (s *Store) UpdateConversation(ctx context.Context, companyID, conversationID string, p store.ConversationPatch) (domain.Conversation, error) {
	sets := []string{}
	args := []any{companyID, conversationID}
	add := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}

	if p.Status != nil {
		add("status=$%d", string(*p.Status))
	}
	if p.Priority != nil {
		add("priority=$%d", *p.Priority)
	}
	if p.SetAssignedTo {
		add("assigned_to=$%d", p.AssignedTo)
	}
	if p.SetStageID {
		add("stage_id=$%d", p.StageID)
	}
	if p.SetResolvedAt {
		add("resolved_at=$%d", p.ResolvedAt)
	}
	if p.LastMessage != nil {
		add("last_message=$%d", *p.LastMessage)
	}
	switch {
	case p.ResetUnread:
		sets = append(sets, "unread_count=0")
	case p.UnreadDelta != 0:
		add("unread_count=unread_count+$%d", p.UnreadDelta)
	}
	if p.FirstResponseAt != nil {
		add("first_response_at=COALESCE(first_response_at, $%d)", *p.FirstResponseAt)
	}
	if p.LastActivityAt != nil {
		add("last_activity_at=$%d", *p.LastActivityAt)
	}
	add("updated_at=$%d", p.Now)

	q := `UPDATE conversations SET ` + strings.Join(sets, ", ") +
		` WHERE company_id=$1 AND id=$2 RETURNING ` + conversationColumns
	return scanConversation(s.DB.QueryRow(ctx, q, args...))
}

func scanConversation(row pgx.Row) (domain.Conversation, error) {
	var c domain.Conversation
	var status string
	err := row.Scan(&c.ID, &c.CompanyID, &c.ContactID, &c.ExternalConversationID, &c.ExternalInboxID,
		&c.StageID, &c.AssignedTo, &c.Priority, &status, &c.LastMessage, &c.UnreadCount,
		&c.FirstResponseAt, &c.ResolvedAt, &c.LastActivityAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return domain.Conversation{}, mapErr(err)
	}
	c.Status = domain.ConversationStatus(status)
	return c, nil
}

// ---- stages, timeline ----

func (s *Store) ListStages(ctx context.Context, companyID string) ([]domain.KanbanStage, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, company_id, name, slug, position, is_initial, is_final
		FROM kanban_stages WHERE company_id=$1 ORDER BY position, id
	`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.KanbanStage
	for rows.Next() {
		var st domain.KanbanStage
		if err := rows.Scan(&st.ID, &st.CompanyID, &st.Name, &st.Slug, &st.Position, &st.IsInitial, &st.IsFinal); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) InsertTimelineEvent(ctx context.Context, in store.TimelineInsert) error {
	b, err := json.Marshal(in.Data)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO timeline_events (id, company_id, contact_id, conversation_id, event_type, data, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, in.ID, in.CompanyID, in.ContactID, in.ConversationID, in.EventType, b, in.Now)
	return err
}

// ClaimMessage records a support-platform message id as applied. It reports
// false when the id was already claimed for the company.
func (s *Store) ClaimMessage(ctx context.Context, companyID, externalMessageID string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO seen_messages (company_id, external_message_id, created_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (company_id, external_message_id) DO NOTHING
	`, companyID, externalMessageID, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// ---- webhook audit ----

func (s *Store) InsertWebhookEvent(ctx context.Context, in store.WebhookEventInsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO webhook_events (id, company_id, source, event_type, instance_name, payload, status, attempts, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,'processing',1,$7)
	`, in.ID, in.CompanyID, in.Source, in.EventType, nullIfEmpty(in.InstanceName), jsonOrNil(in.Payload), in.Now)
	return err
}

// FinishWebhookEvent moves a processing row to its terminal status. It
// reports false when the row was not in processing.
func (s *Store) FinishWebhookEvent(ctx context.Context, in store.WebhookEventOutcome) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE webhook_events SET status=$2, last_error=$3, processed_at=$4
		WHERE id=$1 AND status='processing'
	`, in.ID, string(in.Status), nullIfEmpty(in.LastError), in.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// ClaimWebhookEventForReplay moves a failed row back to processing and bumps
// attempts. Only one replay worker can win the claim.
func (s *Store) ClaimWebhookEventForReplay(ctx context.Context, id string) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE webhook_events SET status='processing', attempts=attempts+1, processed_at=NULL
		WHERE id=$1 AND status='failed'
	`, id)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

const webhookColumns = `id, company_id, source, event_type, COALESCE(instance_name,''), payload, status,
	attempts, COALESCE(last_error,''), processed_at, created_at`

func (s *Store) GetWebhookEvent(ctx context.Context, id string) (domain.WebhookEvent, error) {
	return scanWebhookEvent(s.DB.QueryRow(ctx, `SELECT `+webhookColumns+` FROM webhook_events WHERE id=$1`, id))
}

func (s *Store) ListFailedWebhookEvents(ctx context.Context, f store.FailedEventFilter) ([]domain.WebhookEvent, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.Query(ctx, `
		SELECT `+webhookColumns+` FROM webhook_events
		WHERE status='failed' AND ($1='' OR source=$1) AND created_at >= $2
		ORDER BY created_at LIMIT $3
	`, f.Source, f.Since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WebhookEvent
	for rows.Next() {
		ev, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanWebhookEvent(row pgx.Row) (domain.WebhookEvent, error) {
	var ev domain.WebhookEvent
	var status string
	err := row.Scan(&ev.ID, &ev.CompanyID, &ev.Source, &ev.EventType, &ev.InstanceName, &ev.Payload,
		&status, &ev.Attempts, &ev.LastError, &ev.ProcessedAt, &ev.CreatedAt)
	if err != nil {
		return domain.WebhookEvent{}, mapErr(err)
	}
	ev.Status = domain.AuditStatus(status)
	return ev, nil
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", store.ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func jsonOrNil(b []byte) any {
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return json.RawMessage(b)
}
