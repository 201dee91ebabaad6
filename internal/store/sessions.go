package store

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/examrag/internal/model"
)

// CreateSession starts an empty study session with a fresh id.
func (s *Store) CreateSession(ctx context.Context) (*model.Session, error) {
	now := s.now()
	sess := &model.Session{ID: uuid.NewString(), CreatedAt: now, UpdatedAt: now}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO study_sessions (id, created_at, updated_at) VALUES (?, ?, ?)`,
		sess.ID, now, now,
	)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession returns a session by id, or a NotFound error.
func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var sess model.Session
	var usedContext int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, exam, mode, difficulty, question_type, raw, question, answer, explanation,
		        context, used_context, created_at, updated_at
		 FROM study_sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.Exam, &sess.Mode, &sess.Difficulty, &sess.QuestionType, &sess.Raw,
		&sess.Question, &sess.Answer, &sess.Explanation, &sess.Context, &usedContext,
		&sess.CreatedAt, &sess.UpdatedAt)
	if isNoRows(err) {
		return nil, model.Errorf(model.KindNotFound, "session %q not found", id)
	}
	if err != nil {
		return nil, err
	}
	sess.UsedContext = usedContext != 0
	return &sess, nil
}

// SaveSession writes the question state of sess.
func (s *Store) SaveSession(ctx context.Context, sess *model.Session) error {
	sess.UpdatedAt = s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE study_sessions SET exam = ?, mode = ?, difficulty = ?, question_type = ?, raw = ?,
		        question = ?, answer = ?, explanation = ?, context = ?, used_context = ?, updated_at = ?
		 WHERE id = ?`,
		sess.Exam, sess.Mode, sess.Difficulty, sess.QuestionType, sess.Raw,
		sess.Question, sess.Answer, sess.Explanation, sess.Context, boolToInt(sess.UsedContext),
		sess.UpdatedAt, sess.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.Errorf(model.KindNotFound, "session %q not found", sess.ID)
	}
	return nil
}

// AddChatTurn appends a chat exchange to a session.
func (s *Store) AddChatTurn(ctx context.Context, turn model.ChatTurn) (int64, error) {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_turns (session_id, user_message, assistant_message, created_at) VALUES (?, ?, ?, ?)`,
		turn.SessionID, turn.User, turn.Assistant, turn.CreatedAt,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RecentChatTurns returns at most n of the latest turns of a session,
// oldest first.
func (s *Store) RecentChatTurns(ctx context.Context, sessionID string, n int) ([]model.ChatTurn, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, user_message, assistant_message, created_at
		 FROM chat_turns WHERE session_id = ? ORDER BY id DESC LIMIT ?`, sessionID, n,
	)
	if err != nil {
		return nil, err
	}
	var turns []model.ChatTurn
	for rows.Next() {
		var t model.ChatTurn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.User, &t.Assistant, &t.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		turns = append(turns, t)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}
	slices.Reverse(turns)
	return turns, nil
}

// CleanupSessions removes sessions untouched since before cutoff, with
// their chat turns. It returns the number of sessions removed.
func (s *Store) CleanupSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx,
		`DELETE FROM chat_turns WHERE session_id IN (SELECT id FROM study_sessions WHERE updated_at < ?)`, cutoff)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM study_sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
