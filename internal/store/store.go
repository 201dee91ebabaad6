package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/pavelanni/examrag/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: SQLite allows a single writer, and every connection to
	// :memory: would otherwise see its own empty database.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS exams (
		name TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS documents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam TEXT NOT NULL,
		filename TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		chunks_count INTEGER NOT NULL DEFAULT 0,
		uploaded_at DATETIME NOT NULL,
		FOREIGN KEY (exam) REFERENCES exams(name)
	);
	CREATE INDEX IF NOT EXISTS documents_exam ON documents(exam);

	CREATE TABLE IF NOT EXISTS exam_subjects (
		exam TEXT NOT NULL,
		subject TEXT NOT NULL,
		PRIMARY KEY (exam, subject),
		FOREIGN KEY (exam) REFERENCES exams(name)
	);

	CREATE TABLE IF NOT EXISTS store_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS study_sessions (
		id TEXT PRIMARY KEY,
		exam TEXT NOT NULL DEFAULT '',
		mode TEXT NOT NULL DEFAULT '',
		difficulty TEXT NOT NULL DEFAULT '',
		question_type TEXT NOT NULL DEFAULT '',
		raw TEXT NOT NULL DEFAULT '',
		question TEXT NOT NULL DEFAULT '',
		answer TEXT NOT NULL DEFAULT '',
		explanation TEXT NOT NULL DEFAULT '',
		context TEXT NOT NULL DEFAULT '',
		used_context INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		user_message TEXT NOT NULL,
		assistant_message TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES study_sessions(id)
	);
	CREATE INDEX IF NOT EXISTS chat_turns_session ON chat_turns(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateExam registers a new, empty exam.
func (s *Store) CreateExam(ctx context.Context, name string) (model.Exam, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Exam{}, err
	}
	defer tx.Rollback()

	ok, err := examExists(ctx, tx, name)
	if err != nil {
		return model.Exam{}, err
	}
	if ok {
		return model.Exam{}, model.Errorf(model.KindAlreadyExists, "exam %q already exists", name)
	}
	exam := model.Exam{Name: name, CreatedAt: s.now(), Documents: []model.DocumentSummary{}, Subjects: []string{}}
	if _, err := tx.ExecContext(ctx, `INSERT INTO exams (name, created_at) VALUES (?, ?)`, name, exam.CreatedAt); err != nil {
		return model.Exam{}, err
	}
	return exam, tx.Commit()
}

// ExamExists reports whether an exam with exactly this name exists.
func (s *Store) ExamExists(ctx context.Context, name string) (bool, error) {
	return examExists(ctx, s.db, name)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func examExists(ctx context.Context, q queryer, name string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM exams WHERE name = ?`, name).Scan(&n)
	return n > 0, err
}

// GetExam returns an exam with its documents and subjects.
func (s *Store) GetExam(ctx context.Context, name string) (model.Exam, error) {
	exams, err := s.loadExams(ctx, name)
	if err != nil {
		return model.Exam{}, err
	}
	if len(exams) == 0 {
		return model.Exam{}, model.Errorf(model.KindNotFound, "exam %q not found", name)
	}
	return exams[0], nil
}

// ListExams returns every exam ordered by name.
func (s *Store) ListExams(ctx context.Context) ([]model.Exam, error) {
	return s.loadExams(ctx, "")
}

// loadExams reads exams, then documents and subjects in two more queries,
// and groups them. An empty name loads every exam.
func (s *Store) loadExams(ctx context.Context, name string) ([]model.Exam, error) {
	where, args := "", []any{}
	if name != "" {
		where, args = " WHERE name = ?", []any{name}
	}
	rows, err := s.db.QueryContext(ctx, `SELECT name, created_at FROM exams`+where+` ORDER BY name`, args...)
	if err != nil {
		return nil, err
	}
	var exams []model.Exam
	byName := make(map[string]int)
	for rows.Next() {
		e := model.Exam{Documents: []model.DocumentSummary{}, Subjects: []string{}}
		if err := rows.Scan(&e.Name, &e.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		byName[e.Name] = len(exams)
		exams = append(exams, e)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}
	if len(exams) == 0 {
		return exams, nil
	}

	where = strings.Replace(where, "name", "exam", 1)
	rows, err = s.db.QueryContext(ctx,
		`SELECT exam, filename, fingerprint, chunks_count, uploaded_at FROM documents`+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var exam string
		var d model.DocumentSummary
		if err := rows.Scan(&exam, &d.Filename, &d.Fingerprint, &d.ChunksCount, &d.UploadedAt); err != nil {
			rows.Close()
			return nil, err
		}
		if i, ok := byName[exam]; ok {
			exams[i].Documents = append(exams[i].Documents, d)
		}
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT exam, subject FROM exam_subjects`+where+` ORDER BY subject`, args...)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var exam, subject string
		if err := rows.Scan(&exam, &subject); err != nil {
			rows.Close()
			return nil, err
		}
		if i, ok := byName[exam]; ok {
			exams[i].Subjects = append(exams[i].Subjects, subject)
		}
	}
	return exams, closeRows(rows)
}

func closeRows(rows *sql.Rows) error {
	err := rows.Err()
	if cerr := rows.Close(); err == nil {
		err = cerr
	}
	return err
}

// AddDocument records an accepted upload. If the exam does not exist it is
// created when createIfMissing is set and NotFound is returned otherwise.
//
// apply runs inside the transaction after the rows are written; if it fails
// the transaction is rolled back. If apply succeeded but the commit fails,
// the caller must undo whatever apply did.
func (s *Store) AddDocument(ctx context.Context, exam string, createIfMissing bool, doc model.DocumentSummary, apply func() error) (created bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	ok, err := examExists(ctx, tx, exam)
	if err != nil {
		return false, err
	}
	if !ok {
		if !createIfMissing {
			return false, model.Errorf(model.KindNotFound, "exam %q not found", exam)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO exams (name, created_at) VALUES (?, ?)`, exam, s.now()); err != nil {
			return false, fmt.Errorf("create exam: %w", err)
		}
		created = true
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = s.now()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (exam, filename, fingerprint, chunks_count, uploaded_at) VALUES (?, ?, ?, ?, ?)`,
		exam, doc.Filename, doc.Fingerprint, doc.ChunksCount, doc.UploadedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert document: %w", err)
	}
	if apply != nil {
		if err := apply(); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit document: %w", err)
	}
	return created, nil
}

// RemoveExam deletes an exam with its documents and subjects. cascade runs
// inside the transaction; if it fails nothing is deleted.
func (s *Store) RemoveExam(ctx context.Context, name string, cascade func() error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ok, err := examExists(ctx, tx, name)
	if err != nil {
		return err
	}
	if !ok {
		return model.Errorf(model.KindNotFound, "exam %q not found", name)
	}
	for _, q := range []string{
		`DELETE FROM documents WHERE exam = ?`,
		`DELETE FROM exam_subjects WHERE exam = ?`,
		`DELETE FROM exams WHERE name = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, name); err != nil {
			return fmt.Errorf("delete exam: %w", err)
		}
	}
	if cascade != nil {
		if err := cascade(); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RemoveDocument deletes the rows recorded for one document of an exam and
// returns how many were deleted. The exam itself is kept.
func (s *Store) RemoveDocument(ctx context.Context, exam, filename string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE exam = ? AND filename = ?`, exam, filename)
	if err != nil {
		return 0, fmt.Errorf("delete document: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// SetSubjects replaces the subject tags of an exam. Tags are trimmed,
// deduplicated and stored sorted; empty tags are dropped.
func (s *Store) SetSubjects(ctx context.Context, exam string, subjects []string) ([]string, error) {
	clean := make([]string, 0, len(subjects))
	for _, sub := range subjects {
		if sub = strings.TrimSpace(sub); sub != "" {
			clean = append(clean, sub)
		}
	}
	slices.Sort(clean)
	clean = slices.Compact(clean)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ok, err := examExists(ctx, tx, exam)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.Errorf(model.KindNotFound, "exam %q not found", exam)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM exam_subjects WHERE exam = ?`, exam); err != nil {
		return nil, err
	}
	for _, sub := range clean {
		if _, err := tx.ExecContext(ctx, `INSERT INTO exam_subjects (exam, subject) VALUES (?, ?)`, exam, sub); err != nil {
			return nil, err
		}
	}
	return clean, tx.Commit()
}

// ClearExams deletes every exam, document and subject tag. Study sessions
// are kept.
func (s *Store) ClearExams(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, q := range []string{`DELETE FROM documents`, `DELETE FROM exam_subjects`, `DELETE FROM exams`} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("clear exams: %w", err)
		}
	}
	return tx.Commit()
}

// ExamCount returns the number of exams.
func (s *Store) ExamCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM exams`).Scan(&count)
	return count, err
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
