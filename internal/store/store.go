// Package store persists targets, run records and pending batches in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/portal-orchestrator/internal/domain"
)

// Store provides SQLite-backed persistence
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New opens (and migrates) the database at dbPath
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases coherent and avoids
	// SQLITE_BUSY between concurrent runs.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for maintenance tasks
func (s *Store) DB() *sql.DB {
	return s.db
}

// Status values written by the reconciler
const (
	LookupNotFound   = "Não Encontrado"
	LookupNoNumber   = "Inexistente"
	FilingRegular    = "Regular"
	FilingPending    = "Pendente Anual"
	NotFoundSentinel = "Não encontrado"
)

// TargetRecord is a stored target with its derived status fields
type TargetRecord struct {
	ID              string
	Account         string
	Name            string
	Locality        string
	LookupStatus    string
	LookupNumber    string
	LookupLocality  string
	LookupWorkplace string
	LookupFirstDate string
	FilingStatus    string
	FilingYear      int
	Documents       []domain.Document
	UpdatedAt       time.Time
}

// Target returns the automation view of the record
func (r *TargetRecord) Target() domain.Target {
	return domain.Target{ID: r.ID, Account: r.Account, Name: r.Name, Locality: r.Locality}
}

// UpsertTarget inserts or updates a target's identity columns. Status
// columns are left untouched on update.
func (s *Store) UpsertTarget(ctx context.Context, t domain.Target) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO targets (id, account, name, locality, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			account = excluded.account,
			name = excluded.name,
			locality = excluded.locality,
			updated_at = excluded.updated_at
	`, t.ID, t.Account, t.Name, t.Locality, s.now(), s.now())
	return err
}

const targetColumns = `id, account, name, locality,
	COALESCE(lookup_status, ''), COALESCE(lookup_number, ''), COALESCE(lookup_locality, ''),
	COALESCE(lookup_workplace, ''), COALESCE(lookup_first_date, ''),
	COALESCE(filing_status, ''), COALESCE(filing_year, 0), documents, updated_at`

// GetTarget retrieves a target by ID
func (s *Store) GetTarget(ctx context.Context, id string) (*TargetRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = ?`, id)
	rec, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("target %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// TargetFilter selects targets for scheduled batches
type TargetFilter string

const (
	FilterAll           TargetFilter = "all"
	FilterLookupPending TargetFilter = "lookup_pending"
	FilterFilingPending TargetFilter = "filing_pending"
)

// ListTargets returns targets matching filter, ordered by id
func (s *Store) ListTargets(ctx context.Context, filter TargetFilter) ([]*TargetRecord, error) {
	query := `SELECT ` + targetColumns + ` FROM targets WHERE 1=1`
	switch filter {
	case "", FilterAll:
	case FilterLookupPending:
		query += ` AND (lookup_status IS NULL OR lookup_status = '')`
	case FilterFilingPending:
		query += ` AND (filing_status IS NULL OR filing_status <> 'Regular')`
	default:
		return nil, fmt.Errorf("unknown target filter %q", filter)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TargetRecord
	for rows.Next() {
		rec, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Fields is a column-to-value update set
type Fields map[string]any

// Without returns a copy of f lacking the given columns
func (f Fields) Without(cols ...string) Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	for _, c := range cols {
		delete(out, c)
	}
	return out
}

var identifier = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// UpdateTarget writes the given columns. Unknown columns surface as
// *SchemaMismatchError so callers can retry with a reduced set.
func (s *Store) UpdateTarget(ctx context.Context, id string, fields Fields) error {
	if len(fields) == 0 {
		return nil
	}
	cols := make([]string, 0, len(fields))
	for c := range fields {
		if !identifier.MatchString(c) {
			return fmt.Errorf("invalid column name %q", c)
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)

	sets := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+2)
	for _, c := range cols {
		sets = append(sets, c+" = ?")
		args = append(args, fields[c])
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.now(), id)

	res, err := s.db.ExecContext(ctx, `UPDATE targets SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("target %s: %w", id, ErrNotFound)
	}
	return nil
}

// AppendDocument adds doc to the target's document list, keeping existing entries
func (s *Store) AppendDocument(ctx context.Context, id string, doc domain.Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT documents FROM targets WHERE id = ?`, id).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("target %s: %w", id, ErrNotFound)
		}
		return err
	}
	docs, err := decodeDocuments(raw)
	if err != nil {
		return err
	}
	docs = append(docs, doc)
	encoded, err := json.Marshal(docs)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE targets SET documents = ?, updated_at = ? WHERE id = ?`,
		string(encoded), s.now(), id); err != nil {
		return classify(err)
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTarget(row scanner) (*TargetRecord, error) {
	var rec TargetRecord
	var docs string
	err := row.Scan(&rec.ID, &rec.Account, &rec.Name, &rec.Locality,
		&rec.LookupStatus, &rec.LookupNumber, &rec.LookupLocality,
		&rec.LookupWorkplace, &rec.LookupFirstDate,
		&rec.FilingStatus, &rec.FilingYear, &docs, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if rec.Documents, err = decodeDocuments(docs); err != nil {
		return nil, err
	}
	return &rec, nil
}

func decodeDocuments(raw string) ([]domain.Document, error) {
	if raw == "" {
		return nil, nil
	}
	var docs []domain.Document
	if err := json.Unmarshal([]byte(raw), &docs); err != nil {
		return nil, fmt.Errorf("decoding documents: %w", err)
	}
	return docs, nil
}
