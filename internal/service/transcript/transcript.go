// Package transcript archives committed conversation messages in SQL so a
// browser can page back through its history.
package transcript

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"langy/internal/models"
)

type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// CreateConversation inserts the conversation header and its seed messages.
func (s *Service) CreateConversation(ctx context.Context, id, profile string, seed []models.Message) (*models.Session, error) {
	if id == "" {
		return nil, errors.New("conversation id is required")
	}
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, profile, total_tokens, total_cost, created_at, updated_at) VALUES (?, ?, 0, 0, ?, ?)`,
		id, profile, now, now,
	); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	if err := insertMessages(ctx, tx, id, seed, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit conversation: %w", err)
	}
	return &models.Session{ID: id, Profile: profile, CreatedAt: now, UpdatedAt: now}, nil
}

func insertMessages(ctx context.Context, tx *sql.Tx, id string, msgs []models.Message, now time.Time) error {
	for _, m := range msgs {
		if !m.Role.Valid() {
			return fmt.Errorf("invalid role %q", m.Role)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
			id, string(m.Role), m.Content, now,
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return nil
}

// AppendTurn stores the messages of one committed turn and the running
// totals of the conversation.
func (s *Service) AppendTurn(ctx context.Context, id string, msgs []models.Message, totalTokens int, totalCost float64) error {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET total_tokens = ?, total_cost = ?, updated_at = ? WHERE id = ?`,
		totalTokens, totalCost, now, id,
	)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	} else if affected == 0 {
		return sql.ErrNoRows
	}
	if err := insertMessages(ctx, tx, id, msgs, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit turn: %w", err)
	}
	return nil
}

// ResetTotals zeroes the counters after the conversation was cleared. The
// archived messages stay.
func (s *Service) ResetTotals(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET total_tokens = 0, total_cost = 0, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("reset totals: %w", err)
	}
	return nil
}

// GetConversation returns the header, or sql.ErrNoRows.
func (s *Service) GetConversation(ctx context.Context, id string) (*models.Session, error) {
	var c models.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, profile, total_tokens, total_cost, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.Profile, &c.TotalTokens, &c.TotalCost, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

// ListMessages returns every archived message of a conversation in order.
func (s *Service) ListMessages(ctx context.Context, id string) ([]models.ArchivedMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []models.ArchivedMessage
	for rows.Next() {
		var m models.ArchivedMessage
		var role string
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = models.Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation with its messages and browser
// sessions.
func (s *Service) DeleteConversation(ctx context.Context, id string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM browser_sessions WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete browser sessions: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		err = sql.ErrNoRows
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation: %w", err)
	}
	return nil
}
