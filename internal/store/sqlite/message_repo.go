package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hashview/internal/domain"
)

type MessageRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db, now: utcNow}
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

const messageColumns = `id, conversation_id, sender_id, text, type, media_url, media_filename,
	media_size, media_mime, reply_to, delivered_at, read_at, is_edited, edited_at,
	is_deleted, deleted_at, created_at, updated_at`

// Append stores m and records it as the conversation's newest message in
// one transaction, so history, lastMessage and unread counters never
// disagree. snippet is the stored lastMessage text.
func (r *MessageRepo) Append(ctx context.Context, m *domain.Message, snippet string) error {
	if !m.HasContent() {
		return domain.ErrInvalidContent
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := r.now()
	if err := insertMessage(ctx, tx, m, now); err != nil {
		return err
	}
	if err := recordNewMessage(ctx, tx, m, snippet, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertMessage(ctx context.Context, q querier, m *domain.Message, now time.Time) error {
	if m.Type == "" {
		m.Type = domain.MessageText
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = m.CreatedAt

	var filename, mime sql.NullString
	var size sql.NullInt64
	if md := m.MediaMetadata; md != nil {
		filename = sql.NullString{String: md.Filename, Valid: md.Filename != ""}
		mime = sql.NullString{String: md.MimeType, Valid: md.MimeType != ""}
		size = sql.NullInt64{Int64: md.Size, Valid: md.Size > 0}
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, sender_id, text, type, media_url, media_filename,
			media_size, media_mime, reply_to, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ConversationID, m.SenderID, m.Text, string(m.Type), m.MediaURL, filename,
		size, mime, m.ReplyTo, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	m.ID = id
	return nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id int64) (*domain.Message, error) {
	return scanMessage(r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
}

// ListPage returns non-deleted messages newest first. With a cursor, only
// messages strictly older than the cursor message (created_at, then id)
// are considered and offset is ignored.
func (r *MessageRepo) ListPage(ctx context.Context, conversationID int64, cursor *int64, offset, limit int) (*domain.MessagePage, error) {
	where := `conversation_id = ? AND is_deleted = 0`
	args := []any{conversationID}

	if cursor != nil {
		var cursorAt time.Time
		err := r.db.QueryRowContext(ctx, `
			SELECT created_at FROM messages WHERE id = ? AND conversation_id = ?
		`, *cursor, conversationID).Scan(&cursorAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewValidationError("cursor", "unknown message id")
		}
		if err != nil {
			return nil, fmt.Errorf("load cursor: %w", err)
		}
		where += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, cursorAt, cursorAt, *cursor)
		offset = 0
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE `+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE `+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, append(args, limit, offset)...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	page := &domain.MessagePage{Total: total}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		page.Messages = append(page.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	page.HasMore = offset+len(page.Messages) < total
	return page, nil
}

func (r *MessageRepo) Edit(ctx context.Context, messageID, editorID int64, newText string) (*domain.Message, error) {
	now := r.now()
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET text = ?, is_edited = 1, edited_at = ?, updated_at = ?
		WHERE id = ? AND sender_id = ? AND is_deleted = 0
	`, newText, now, now, messageID, editorID)
	if err != nil {
		return nil, fmt.Errorf("edit message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, r.explainMiss(ctx, messageID, editorID)
	}
	return r.GetByID(ctx, messageID)
}

// SoftDelete replaces the content with a tombstone. If the message is the
// conversation's last message, the summary snippet is replaced too.
func (r *MessageRepo) SoftDelete(ctx context.Context, messageID, requesterID int64) (*domain.Message, error) {
	now := r.now()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE messages
		SET text = ?, media_url = NULL, media_filename = NULL, media_size = NULL, media_mime = NULL,
			is_deleted = 1, deleted_at = ?, updated_at = ?
		WHERE id = ? AND sender_id = ? AND is_deleted = 0
	`, domain.DeletedMessageText, now, now, messageID, requesterID)
	if err != nil {
		return nil, fmt.Errorf("delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_ = tx.Rollback()
		return nil, r.explainMiss(ctx, messageID, requesterID)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_text = ?
		WHERE last_message_id = ?
	`, domain.DeletedMessageText, messageID); err != nil {
		return nil, fmt.Errorf("update last message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return r.GetByID(ctx, messageID)
}

func (r *MessageRepo) explainMiss(ctx context.Context, messageID, actorID int64) error {
	m, err := r.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if m.SenderID != actorID {
		return domain.ErrNotOwner
	}
	if m.IsDeleted {
		return domain.ErrAlreadyDeleted
	}
	return fmt.Errorf("message %d unchanged", messageID)
}

// MarkRead sets read_at once. readAt never precedes created_at.
func (r *MessageRepo) MarkRead(ctx context.Context, messageID int64, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET read_at = CASE WHEN ? < created_at THEN created_at ELSE ? END
		WHERE id = ? AND read_at IS NULL
	`, at, at, messageID)
	if err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *MessageRepo) MarkDelivered(ctx context.Context, messageID int64, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET delivered_at = CASE WHEN ? < created_at THEN created_at ELSE ? END
		WHERE id = ? AND delivered_at IS NULL
	`, at, at, messageID)
	if err != nil {
		return false, fmt.Errorf("mark delivered: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanMessage(s rowScanner) (*domain.Message, error) {
	m := &domain.Message{}
	var (
		msgType         string
		mediaURL        sql.NullString
		filename, mime  sql.NullString
		size, replyTo   sql.NullInt64
		delivered, read sql.NullTime
		edited, deleted sql.NullTime
	)
	err := s.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &msgType, &mediaURL,
		&filename, &size, &mime, &replyTo, &delivered, &read, &m.IsEdited, &edited,
		&m.IsDeleted, &deleted, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.Type = domain.MessageType(msgType)
	if mediaURL.Valid {
		m.MediaURL = &mediaURL.String
	}
	if filename.Valid || size.Valid || mime.Valid {
		m.MediaMetadata = &domain.MediaMetadata{Filename: filename.String, Size: size.Int64, MimeType: mime.String}
	}
	if replyTo.Valid {
		m.ReplyTo = &replyTo.Int64
	}
	m.DeliveredAt = nullTime(delivered)
	m.ReadAt = nullTime(read)
	m.EditedAt = nullTime(edited)
	m.DeletedAt = nullTime(deleted)
	return m, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
