package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"mail-triage/internal/models"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// Conversations is the per-conversation state the task handlers read and
// mutate.
type Conversations interface {
	Upsert(ctx context.Context, c *models.Conversation) error
	GetByThread(ctx context.Context, accountID int64, threadID string) (*models.Conversation, error)
	UpdateStatus(ctx context.Context, accountID int64, threadID string, status models.LifecycleStatus) error
	SetDraft(ctx context.Context, accountID int64, threadID, draftID string) error
	IncrementRework(ctx context.Context, accountID int64, threadID, draftID, note string) error
	SetMessageCount(ctx context.Context, accountID int64, threadID string, count int) error
	ListByStatus(ctx context.Context, accountID int64, status models.LifecycleStatus) ([]models.Conversation, error)
}

// Events is the append-only audit log. Rows are never updated or deleted.
type Events interface {
	Append(ctx context.Context, e models.Event) error
	ListByThread(ctx context.Context, accountID int64, threadID string) ([]models.Event, error)
}

// Cursors tracks per-account sync position and watch subscription.
type Cursors interface {
	Get(ctx context.Context, accountID int64) (*models.SyncCursor, error)
	Advance(ctx context.Context, accountID int64, cursor string) error
	SetWatch(ctx context.Context, accountID int64, resourceID string, expiresAt time.Time) error
}

// Accounts looks up mailbox owners.
type Accounts interface {
	GetByID(ctx context.Context, id int64) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	ListActive(ctx context.Context) ([]models.Account, error)
}

// Labels maps well-known label keys to external mailbox label ids per account.
type Labels interface {
	GetLabels(ctx context.Context, accountID int64) (map[string]string, error)
	SetLabel(ctx context.Context, accountID int64, key, externalID string) error
}

// Store wraps pgxpool for Postgres persistence and implements every
// repository interface above.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool, shared with the queue.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// --- accounts ---

func (s *Store) GetByID(ctx context.Context, id int64) (*models.Account, error) {
	return s.scanAccount(s.pool.QueryRow(ctx,
		`SELECT id, email, active, created_at FROM accounts WHERE id = $1`, id))
}

func (s *Store) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	return s.scanAccount(s.pool.QueryRow(ctx,
		`SELECT id, email, active, created_at FROM accounts WHERE email = $1`, email))
}

func (s *Store) ListActive(ctx context.Context) ([]models.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, email, active, created_at FROM accounts WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.ID, &a.Email, &a.Active, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *Store) scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	if err := row.Scan(&a.ID, &a.Email, &a.Active, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &a, nil
}

// --- conversations ---

const conversationColumns = `id, account_id, thread_id, message_id, sender_email, sender_name,
	subject, snippet, category, confidence, rationale, locale, style, message_count,
	status, draft_id, rework_count, last_rework_note,
	received_at, processed_at, drafted_at, acted_at, created_at, updated_at`

// Upsert inserts or refreshes the classification fields of a conversation.
// Lifecycle fields (status, draft, rework counter) are not overwritten on
// conflict; they advance only through the dedicated mutators below.
func (s *Store) Upsert(ctx context.Context, c *models.Conversation) error {
	if c.Category != "" && !c.Category.Valid() {
		return fmt.Errorf("upsert conversation: unknown category %q", c.Category)
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (
			account_id, thread_id, message_id, sender_email, sender_name,
			subject, snippet, category, confidence, rationale, locale, style,
			message_count, status, received_at, processed_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW(), NOW(), NOW())
		ON CONFLICT (account_id, thread_id) DO UPDATE SET
			message_id    = excluded.message_id,
			category      = excluded.category,
			confidence    = excluded.confidence,
			rationale     = excluded.rationale,
			locale        = excluded.locale,
			style         = excluded.style,
			message_count = excluded.message_count,
			processed_at  = NOW(),
			updated_at    = NOW()
		RETURNING id
	`, c.AccountID, c.ThreadID, c.MessageID, c.SenderEmail, c.SenderName,
		c.Subject, c.Snippet, string(c.Category), string(c.Confidence), c.Rationale,
		c.Locale, c.Style, c.MessageCount, string(models.StatusPending), c.ReceivedAt).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

func (s *Store) GetByThread(ctx context.Context, accountID int64, threadID string) (*models.Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE account_id = $1 AND thread_id = $2`,
		accountID, threadID)
	c, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *Store) UpdateStatus(ctx context.Context, accountID int64, threadID string, status models.LifecycleStatus) error {
	if !status.Valid() {
		return fmt.Errorf("update status: unknown status %q", status)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET status = $3, acted_at = NOW(), updated_at = NOW()
		WHERE account_id = $1 AND thread_id = $2
	`, accountID, threadID, string(status))
	if err != nil {
		return fmt.Errorf("update conversation status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetDraft(ctx context.Context, accountID int64, threadID, draftID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET status = $3, draft_id = $4, drafted_at = NOW(), updated_at = NOW()
		WHERE account_id = $1 AND thread_id = $2
	`, accountID, threadID, string(models.StatusDrafted), draftID)
	if err != nil {
		return fmt.Errorf("set draft: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementRework advances the rework counter and records the new draft.
// The WHERE guard keeps the counter below the ceiling by construction; a
// caller that lost the race gets ErrNotFound rather than a counter of 4.
func (s *Store) IncrementRework(ctx context.Context, accountID int64, threadID, draftID, note string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET rework_count = rework_count + 1, draft_id = $3, last_rework_note = $4,
		    status = $5, drafted_at = NOW(), updated_at = NOW()
		WHERE account_id = $1 AND thread_id = $2 AND rework_count < $6
	`, accountID, threadID, draftID, note, string(models.StatusDrafted), models.MaxReworks)
	if err != nil {
		return fmt.Errorf("increment rework: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetMessageCount(ctx context.Context, accountID int64, threadID string, count int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conversations SET message_count = $3, updated_at = NOW()
		WHERE account_id = $1 AND thread_id = $2
	`, accountID, threadID, count)
	if err != nil {
		return fmt.Errorf("set message count: %w", err)
	}
	return nil
}

func (s *Store) ListByStatus(ctx context.Context, accountID int64, status models.LifecycleStatus) ([]models.Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE account_id = $1 AND status = $2 ORDER BY updated_at DESC`,
		accountID, string(status))
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var c models.Conversation
	var category, confidence, status string
	var senderName, subject, snippet, rationale, locale, style, draftID, note pgtype.Text
	var receivedAt, processedAt, draftedAt, actedAt pgtype.Timestamptz

	if err := row.Scan(&c.ID, &c.AccountID, &c.ThreadID, &c.MessageID, &c.SenderEmail, &senderName,
		&subject, &snippet, &category, &confidence, &rationale, &locale, &style, &c.MessageCount,
		&status, &draftID, &c.ReworkCount, &note,
		&receivedAt, &processedAt, &draftedAt, &actedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}

	c.Status = models.LifecycleStatus(status)
	if !c.Status.Valid() {
		return nil, fmt.Errorf("unknown lifecycle status %q", status)
	}
	if category != "" {
		parsed, err := models.ParseCategory(category)
		if err != nil {
			return nil, err
		}
		c.Category = parsed
	}
	c.Confidence = models.Confidence(confidence)
	c.SenderName = senderName.String
	c.Subject = subject.String
	c.Snippet = snippet.String
	c.Rationale = rationale.String
	c.Locale = locale.String
	c.Style = style.String
	c.DraftID = draftID.String
	c.LastReworkNote = note.String
	if receivedAt.Valid {
		c.ReceivedAt = &receivedAt.Time
	}
	if processedAt.Valid {
		c.ProcessedAt = &processedAt.Time
	}
	if draftedAt.Valid {
		c.DraftedAt = &draftedAt.Time
	}
	if actedAt.Valid {
		c.ActedAt = &actedAt.Time
	}
	return &c, nil
}

// --- events ---

func (s *Store) Append(ctx context.Context, e models.Event) error {
	if !e.Kind.Valid() {
		return fmt.Errorf("append event: unknown kind %q", e.Kind)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO events (account_id, thread_id, kind, detail, label_id, draft_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, e.AccountID, e.ThreadID, string(e.Kind), e.Detail, e.LabelID, e.DraftID)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *Store) ListByThread(ctx context.Context, accountID int64, threadID string) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, thread_id, kind, detail, label_id, draft_id, created_at
		FROM events WHERE account_id = $1 AND thread_id = $2 ORDER BY created_at
	`, accountID, threadID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var e models.Event
		var kind string
		var detail, labelID, draftID pgtype.Text
		if err := rows.Scan(&e.ID, &e.AccountID, &e.ThreadID, &kind, &detail, &labelID, &draftID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = models.EventKind(kind)
		e.Detail = detail.String
		e.LabelID = labelID.String
		e.DraftID = draftID.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- cursors ---

func (s *Store) Get(ctx context.Context, accountID int64) (*models.SyncCursor, error) {
	var c models.SyncCursor
	var lastSync, watchExp pgtype.Timestamptz
	var resourceID pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT account_id, cursor, last_sync_at, watch_resource_id, watch_expires_at
		FROM sync_cursors WHERE account_id = $1
	`, accountID).Scan(&c.AccountID, &c.Cursor, &lastSync, &resourceID, &watchExp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sync cursor: %w", err)
	}
	if lastSync.Valid {
		c.LastSyncAt = &lastSync.Time
	}
	c.WatchResourceID = resourceID.String
	if watchExp.Valid {
		c.WatchExpiresAt = &watchExp.Time
	}
	return &c, nil
}

// Advance persists a new cursor position. Resets to a full-scan fallback go
// through the same path, deliberately: the caller logs them as explicit
// operations.
func (s *Store) Advance(ctx context.Context, accountID int64, cursor string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_cursors (account_id, cursor, last_sync_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			cursor = excluded.cursor, last_sync_at = NOW()
	`, accountID, cursor)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

func (s *Store) SetWatch(ctx context.Context, accountID int64, resourceID string, expiresAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_cursors SET watch_resource_id = $2, watch_expires_at = $3
		WHERE account_id = $1
	`, accountID, resourceID, expiresAt)
	if err != nil {
		return fmt.Errorf("set watch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- labels ---

func (s *Store) GetLabels(ctx context.Context, accountID int64) (map[string]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT label_key, external_id FROM account_labels WHERE account_id = $1`, accountID)
	if err != nil {
		return nil, fmt.Errorf("get labels: %w", err)
	}
	defer rows.Close()

	labels := make(map[string]string)
	for rows.Next() {
		var key, id string
		if err := rows.Scan(&key, &id); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		labels[key] = id
	}
	return labels, rows.Err()
}

func (s *Store) SetLabel(ctx context.Context, accountID int64, key, externalID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO account_labels (account_id, label_key, external_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, label_key) DO UPDATE SET external_id = excluded.external_id
	`, accountID, key, externalID)
	if err != nil {
		return fmt.Errorf("set label: %w", err)
	}
	return nil
}
