package postgres

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

// Append inserts m and moves the conversation summary forward in one
// transaction. snippet is the stored lastMessage text.
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

	err := q.QueryRowContext(ctx, `
		INSERT INTO messages (conversation_id, sender_id, text, type, media_url, media_filename,
			media_size, media_mime, reply_to, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING id
	`, m.ConversationID, m.SenderID, m.Text, string(m.Type), m.MediaURL, filename,
		size, mime, m.ReplyTo, m.CreatedAt).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id int64) (*domain.Message, error) {
	return scanMessage(r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
}

// ListPage returns non-deleted messages newest first. With a cursor, only
// messages strictly older than the cursor message (created_at, then id)
// are considered and offset is ignored.
func (r *MessageRepo) ListPage(ctx context.Context, conversationID int64, cursor *int64, offset, limit int) (*domain.MessagePage, error) {
	where := `conversation_id = $1 AND is_deleted = FALSE`
	args := []any{conversationID}

	if cursor != nil {
		var cursorAt time.Time
		err := r.db.QueryRowContext(ctx, `
			SELECT created_at FROM messages WHERE id = $1 AND conversation_id = $2
		`, *cursor, conversationID).Scan(&cursorAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewValidationError("cursor", "unknown message id")
		}
		if err != nil {
			return nil, fmt.Errorf("load cursor: %w", err)
		}
		where += ` AND (created_at, id) < ($2, $3)`
		args = append(args, cursorAt, *cursor)
		offset = 0
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE `+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}

	n := len(args)
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM messages
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, messageColumns, where, n+1, n+2), append(args, limit, offset)...)
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
	m, err := scanMessage(r.db.QueryRowContext(ctx, `
		UPDATE messages
		SET text = $1, is_edited = TRUE, edited_at = $2, updated_at = $2
		WHERE id = $3 AND sender_id = $4 AND is_deleted = FALSE
		RETURNING `+messageColumns,
		newText, r.now(), messageID, editorID))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, r.explainMiss(ctx, messageID, editorID)
	}
	return m, err
}

// SoftDelete replaces the content with a tombstone. If the message is the
// conversation's last message, the summary snippet is replaced too.
func (r *MessageRepo) SoftDelete(ctx context.Context, messageID, requesterID int64) (*domain.Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	m, err := scanMessage(tx.QueryRowContext(ctx, `
		UPDATE messages
		SET text = $1, media_url = NULL, media_filename = NULL, media_size = NULL, media_mime = NULL,
			is_deleted = TRUE, deleted_at = $2, updated_at = $2
		WHERE id = $3 AND sender_id = $4 AND is_deleted = FALSE
		RETURNING `+messageColumns,
		domain.DeletedMessageText, r.now(), messageID, requesterID))
	if errors.Is(err, domain.ErrNotFound) {
		_ = tx.Rollback()
		return nil, r.explainMiss(ctx, messageID, requesterID)
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET last_message_text = $1 WHERE last_message_id = $2
	`, domain.DeletedMessageText, messageID); err != nil {
		return nil, fmt.Errorf("update last message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return m, nil
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
		SET read_at = GREATEST($1::timestamptz, created_at)
		WHERE id = $2 AND read_at IS NULL
	`, at, messageID)
	if err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *MessageRepo) MarkDelivered(ctx context.Context, messageID int64, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET delivered_at = GREATEST($1::timestamptz, created_at)
		WHERE id = $2 AND delivered_at IS NULL
	`, at, messageID)
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
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
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
	v := t.Time.UTC()
	return &v
}
