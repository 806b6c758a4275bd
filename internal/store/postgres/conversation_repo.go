package postgres

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

const conversationColumns = `c.id, c.type, c.name, c.last_message_text, c.last_message_sender_id,
	c.last_message_at, c.last_timestamp, c.is_active, c.created_at, c.updated_at`

func directKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

func (r *ConversationRepo) FindOrCreateDirect(ctx context.Context, userA, userB int64) (*domain.Conversation, error) {
	key := directKey(userA, userB)
	now := r.now()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO conversations (type, direct_key, last_timestamp, is_active, created_at, updated_at)
		VALUES ('direct', $1, $2, TRUE, $2, $2)
		ON CONFLICT (direct_key) DO NOTHING
		RETURNING id
	`, key, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
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

	var id int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO conversations (type, name, last_timestamp, is_active, created_at, updated_at)
		VALUES ('group', $1, $2, TRUE, $2, $2)
		RETURNING id
	`, name, now).Scan(&id); err != nil {
		return nil, fmt.Errorf("insert group conversation: %w", err)
	}
	if err := insertParticipants(ctx, tx, id, participantIDs, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return r.GetByID(ctx, id)
}

func insertParticipants(ctx context.Context, q querier, conversationID int64, userIDs []int64, at time.Time) error {
	for _, uid := range userIDs {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id, unread_count, joined_at)
			VALUES ($1, $2, 0, $3)
			ON CONFLICT (conversation_id, user_id) DO NOTHING
		`, conversationID, uid, at); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}
	return nil
}

func (r *ConversationRepo) GetByID(ctx context.Context, id int64) (*domain.Conversation, error) {
	c, err := scanConversation(r.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations c WHERE c.id = $1`, id))
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
	err := r.db.QueryRowContext(ctx, `SELECT id FROM conversations WHERE direct_key = $1`, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get direct conversation: %w", err)
	}
	return r.GetByID(ctx, id)
}

// recordNewMessage updates the last-message summary and every other
// participant's unread counter inside the caller's transaction.
func recordNewMessage(ctx context.Context, q querier, m *domain.Message, snippet string, now time.Time) error {
	if _, err := q.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_id = $1, last_message_text = $2, last_message_sender_id = $3,
			last_message_at = $4, last_timestamp = $4, updated_at = $5
		WHERE id = $6 AND last_timestamp <= $4
	`, m.ID, snippet, m.SenderID, m.CreatedAt, now, m.ConversationID); err != nil {
		return fmt.Errorf("update last message: %w", err)
	}

	if _, err := q.ExecContext(ctx, `
		UPDATE conversation_participants
		SET unread_count = unread_count + 1
		WHERE conversation_id = $1 AND user_id <> $2
	`, m.ConversationID, m.SenderID); err != nil {
		return fmt.Errorf("increment unread: %w", err)
	}
	return nil
}

func (r *ConversationRepo) ResetUnread(ctx context.Context, conversationID, userID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE conversation_participants
		SET unread_count = 0, last_read_at = $1
		WHERE conversation_id = $2 AND user_id = $3
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
		WHERE p.user_id = $1 AND c.is_active = TRUE
	`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = $1 AND c.is_active = TRUE
		ORDER BY c.last_timestamp DESC, c.id DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var res []*domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate conversations: %w", err)
	}

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
		UPDATE conversations SET is_active = $1, updated_at = $2 WHERE id = $3
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
	ids := make([]int64, 0, len(convs))
	for _, c := range convs {
		c.UnreadCounts = make(map[int64]int)
		byID[c.ID] = c
		ids = append(ids, c.ID)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT conversation_id, user_id, unread_count
		FROM conversation_participants
		WHERE conversation_id = ANY($1)
		ORDER BY conversation_id, joined_at, user_id
	`, ids)
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
	c.LastTimestamp = c.LastTimestamp.UTC()
	if name.Valid {
		c.Name = &name.String
	}
	if lastAt.Valid && lastSender.Valid {
		c.LastMessage = &domain.LastMessage{
			Text:      lastText.String,
			SenderID:  lastSender.Int64,
			Timestamp: lastAt.Time.UTC(),
		}
	}
	return c, nil
}
