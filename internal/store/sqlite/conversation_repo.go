package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hashview/internal/domain"
)

type ConversationRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewConversationRepo(db *sql.DB) *ConversationRepo {
	return &ConversationRepo{db: db, now: utcNow}
}

var _ domain.ConversationRepository = (*ConversationRepo)(nil)

const conversationColumns = `id, type, name, last_message_text, last_message_sender_id,
	last_message_at, last_timestamp, is_active, created_at, updated_at`

// DirectKey is the canonical unique key of a two-party conversation.
func DirectKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

func (r *ConversationRepo) FindOrCreateDirect(ctx context.Context, userA, userB int64) (*domain.Conversation, error) {
	key := DirectKey(userA, userB)
	now := r.now()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO conversations (type, direct_key, last_timestamp, is_active, created_at, updated_at)
		VALUES ('direct', ?, ?, 1, ?, ?)
		ON CONFLICT (direct_key) DO NOTHING
		RETURNING id
	`, key, now, now, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the race or already present: look the pair up instead.
		_ = tx.Rollback()
		return r.getByDirectKey(ctx, key)
	}
	if err != nil {
		return nil, fmt.Errorf("insert direct conversation: %w", err)
	}

	if err := insertParticipants(ctx, tx, id, []int64{userA, userB}, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return r.GetByID(ctx, id)
}

func (r *ConversationRepo) CreateGroup(ctx context.Context, name *string, participantIDs []int64) (*domain.Conversation, error) {
	now := r.now()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (type, name, last_timestamp, is_active, created_at, updated_at)
		VALUES ('group', ?, ?, 1, ?, ?)
	`, name, now, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert group conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	if err := insertParticipants(ctx, tx, id, participantIDs, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return r.GetByID(ctx, id)
}

func insertParticipants(ctx context.Context, tx *sql.Tx, conversationID int64, userIDs []int64, at time.Time) error {
	for _, uid := range userIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id, unread_count, joined_at)
			VALUES (?, ?, 0, ?)
			ON CONFLICT (conversation_id, user_id) DO NOTHING
		`, conversationID, uid, at); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}
	return nil
}

func (r *ConversationRepo) GetByID(ctx context.Context, id int64) (*domain.Conversation, error) {
	c, err := scanConversation(r.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err := attachParticipants(ctx, r.db, []*domain.Conversation{c}); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *ConversationRepo) getByDirectKey(ctx context.Context, key string) (*domain.Conversation, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `SELECT id FROM conversations WHERE direct_key = ?`, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get direct conversation: %w", err)
	}
	return r.GetByID(ctx, id)
}

// recordNewMessage moves the last-message summary forward and bumps every
// other participant's unread counter with a single atomic UPDATE. It runs
// inside the transaction that inserted m.
func recordNewMessage(ctx context.Context, q querier, m *domain.Message, snippet string, now time.Time) error {
	if _, err := q.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_id = ?, last_message_text = ?, last_message_sender_id = ?,
			last_message_at = ?, last_timestamp = ?, updated_at = ?
		WHERE id = ? AND last_timestamp <= ?
	`, m.ID, snippet, m.SenderID, m.CreatedAt, m.CreatedAt, now, m.ConversationID, m.CreatedAt); err != nil {
		return fmt.Errorf("update last message: %w", err)
	}

	if _, err := q.ExecContext(ctx, `
		UPDATE conversation_participants
		SET unread_count = unread_count + 1
		WHERE conversation_id = ? AND user_id <> ?
	`, m.ConversationID, m.SenderID); err != nil {
		return fmt.Errorf("increment unread: %w", err)
	}
	return nil
}

func (r *ConversationRepo) ResetUnread(ctx context.Context, conversationID, userID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE conversation_participants
		SET unread_count = 0, last_read_at = ?
		WHERE conversation_id = ? AND user_id = ?
	`, r.now(), conversationID, userID)
	if err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}
	return nil
}

func (r *ConversationRepo) ListForUser(ctx context.Context, userID int64, offset, limit int) ([]*domain.Conversation, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = ? AND c.is_active = 1
	`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT c.id, c.type, c.name, c.last_message_text, c.last_message_sender_id,
			c.last_message_at, c.last_timestamp, c.is_active, c.created_at, c.updated_at
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = ? AND c.is_active = 1
		ORDER BY c.last_timestamp DESC, c.id DESC
		LIMIT ? OFFSET ?
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	var res []*domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		res = append(res, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, 0, fmt.Errorf("iterate conversations: %w", err)
	}
	rows.Close()

	if err := attachParticipants(ctx, r.db, res); err != nil {
		return nil, 0, err
	}
	return res, total, nil
}

func (r *ConversationRepo) Deactivate(ctx context.Context, conversationID int64) error {
	return r.setActive(ctx, conversationID, false)
}

func (r *ConversationRepo) Reactivate(ctx context.Context, conversationID int64) error {
	return r.setActive(ctx, conversationID, true)
}

func (r *ConversationRepo) setActive(ctx context.Context, conversationID int64, active bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE conversations SET is_active = ?, updated_at = ? WHERE id = ?
	`, active, r.now(), conversationID)
	if err != nil {
		return fmt.Errorf("set conversation active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func attachParticipants(ctx context.Context, q querier, convs []*domain.Conversation) error {
	if len(convs) == 0 {
		return nil
	}
	byID := make(map[int64]*domain.Conversation, len(convs))
	args := make([]any, 0, len(convs))
	for _, c := range convs {
		c.UnreadCounts = make(map[int64]int)
		byID[c.ID] = c
		args = append(args, c.ID)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT conversation_id, user_id, unread_count
		FROM conversation_participants
		WHERE conversation_id IN (`+placeholders(len(args))+`)
		ORDER BY conversation_id, joined_at, user_id
	`, args...)
	if err != nil {
		return fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var convID, userID int64
		var unread int
		if err := rows.Scan(&convID, &userID, &unread); err != nil {
			return fmt.Errorf("scan participant: %w", err)
		}
		if c, ok := byID[convID]; ok {
			c.Participants = append(c.Participants, userID)
			c.UnreadCounts[userID] = unread
		}
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(s rowScanner) (*domain.Conversation, error) {
	c := &domain.Conversation{}
	var (
		name       sql.NullString
		lastText   sql.NullString
		lastSender sql.NullInt64
		lastAt     sql.NullTime
		convType   string
	)
	err := s.Scan(&c.ID, &convType, &name, &lastText, &lastSender, &lastAt,
		&c.LastTimestamp, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	c.Type = domain.ConversationType(convType)
	if name.Valid {
		c.Name = &name.String
	}
	if lastAt.Valid && lastSender.Valid {
		c.LastMessage = &domain.LastMessage{
			Text:      lastText.String,
			SenderID:  lastSender.Int64,
			Timestamp: lastAt.Time,
		}
	}
	return c, nil
}
