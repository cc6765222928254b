package worklog

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/go-faster/errors"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/ukydev/fleet-assistance/internal/models"
	"github.com/ukydev/fleet-assistance/internal/routing"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

type entryRow struct {
	ID             int64  `db:"id"`
	OccurrenceID   int64  `db:"occurrence_id"`
	OccurrenceUUID string `db:"occurrence_uuid"`
	Step           string `db:"step"`
	PreviousStatus string `db:"previous_status"`
	NewStatus      string `db:"new_status"`
	UserID         string `db:"user_id"`
	ChangedAt      int64  `db:"changed_at"`
	ActionType     string `db:"action_type"`
	Description    string `db:"description"`
}

type fieldRow struct {
	ID        int64  `db:"id"`
	EntryID   int64  `db:"entry_id"`
	FieldName string `db:"field_name"`
	OldValue  string `db:"old_value"`
	NewValue  string `db:"new_value"`
	ValueType string `db:"value_type"`
}

// Open connects to the worklog database. SQLite handles are limited to one
// connection so in-memory databases are shared by every query.
func Open(driver, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s worklog", driver)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// Migrate creates the worklog tables when missing.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if db.DriverName() == DriverPostgres {
		id = "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS worklog_entries (
			id ` + id + `,
			occurrence_id BIGINT NOT NULL,
			occurrence_uuid TEXT NOT NULL,
			step TEXT NOT NULL DEFAULT '',
			previous_status TEXT NOT NULL DEFAULT '',
			new_status TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL,
			changed_at BIGINT NOT NULL,
			action_type TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS worklog_field_changes (
			id ` + id + `,
			entry_id BIGINT NOT NULL REFERENCES worklog_entries(id),
			field_name TEXT NOT NULL,
			old_value TEXT NOT NULL DEFAULT '',
			new_value TEXT NOT NULL DEFAULT '',
			value_type TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_worklog_occurrence ON worklog_entries (occurrence_id, changed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_worklog_occurrence_uuid ON worklog_entries (occurrence_uuid, changed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_worklog_user ON worklog_entries (user_id, changed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_worklog_changed_at ON worklog_entries (changed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_worklog_fields_entry ON worklog_field_changes (entry_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "migrate worklog")
		}
	}
	return nil
}

// SQLStore implements Store on a relational database. Writes go to the
// primary; reads follow the routing context.
type SQLStore struct {
	router *routing.SQLRouter
}

func NewSQLStore(router *routing.SQLRouter) *SQLStore {
	return &SQLStore{router: router}
}

// Append inserts the entry and its field changes in one transaction.
func (s *SQLStore) Append(ctx context.Context, entry *models.WorklogKanbanEntry) error {
	if entry.OccurrenceID == 0 && entry.OccurrenceUUID == "" {
		return errors.New("worklog entry needs an occurrence reference")
	}
	if entry.UserID == "" || entry.ActionType == "" {
		return errors.New("worklog entry needs a user and an action type")
	}
	if entry.ChangedAt.IsZero() {
		entry.ChangedAt = time.Now()
	}
	entry.ChangedAt = entry.ChangedAt.UTC().Truncate(time.Millisecond)

	db := s.router.Primary()
	return inTx(ctx, db, func(tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx, tx.Rebind(`
			INSERT INTO worklog_entries
				(occurrence_id, occurrence_uuid, step, previous_status, new_status, user_id, changed_at, action_type, description)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`),
			entry.OccurrenceID, entry.OccurrenceUUID, entry.Step, entry.PreviousStatus, entry.NewStatus,
			entry.UserID, entry.ChangedAt.UnixMilli(), string(entry.ActionType), entry.Description,
		).Scan(&entry.ID)
		if err != nil {
			return errors.Wrap(err, "insert worklog entry")
		}

		for i := range entry.Fields {
			f := &entry.Fields[i]
			f.EntryID = entry.ID
			err := tx.QueryRowxContext(ctx, tx.Rebind(`
				INSERT INTO worklog_field_changes (entry_id, field_name, old_value, new_value, value_type)
				VALUES (?, ?, ?, ?, ?)
				RETURNING id`),
				f.EntryID, f.FieldName, f.OldValue, f.NewValue, string(f.ValueType),
			).Scan(&f.ID)
			if err != nil {
				return errors.Wrapf(err, "insert field change %s", f.FieldName)
			}
		}
		return nil
	})
}

// Query returns the entries matching f, newest first, with their field changes.
func (s *SQLStore) Query(ctx context.Context, f Filter) ([]models.WorklogKanbanEntry, error) {
	db := s.router.DB(ctx)
	where, args := buildFilters(f)
	page := f.Page.normalized()

	query := `
		SELECT id, occurrence_id, occurrence_uuid, step, previous_status, new_status,
			user_id, changed_at, action_type, description
		FROM worklog_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY changed_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, page.Limit, page.Offset)

	var rows []entryRow
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "query worklog")
	}
	if len(rows) == 0 {
		return []models.WorklogKanbanEntry{}, nil
	}

	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	fields, err := s.fieldsFor(ctx, db, ids)
	if err != nil {
		return nil, err
	}

	out := make([]models.WorklogKanbanEntry, len(rows))
	for i, r := range rows {
		out[i] = toDomain(r, fields[r.ID])
	}
	return out, nil
}

func (s *SQLStore) fieldsFor(ctx context.Context, db *sqlx.DB, ids []int64) (map[int64][]models.FieldChangeEntry, error) {
	query, args, err := sqlx.In(`
		SELECT id, entry_id, field_name, old_value, new_value, value_type
		FROM worklog_field_changes
		WHERE entry_id IN (?)
		ORDER BY id`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "build field query")
	}
	var rows []fieldRow
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "query field changes")
	}
	byEntry := make(map[int64][]models.FieldChangeEntry, len(ids))
	for _, r := range rows {
		byEntry[r.EntryID] = append(byEntry[r.EntryID], models.FieldChangeEntry{
			ID:        r.ID,
			EntryID:   r.EntryID,
			FieldName: r.FieldName,
			OldValue:  r.OldValue,
			NewValue:  r.NewValue,
			ValueType: models.ValueType(r.ValueType),
		})
	}
	return byEntry, nil
}

func buildFilters(f Filter) ([]string, []any) {
	var where []string
	var args []any
	if f.OccurrenceID != 0 {
		where = append(where, "occurrence_id = ?")
		args = append(args, f.OccurrenceID)
	}
	if f.OccurrenceUUID != "" {
		where = append(where, "occurrence_uuid = ?")
		args = append(args, f.OccurrenceUUID)
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Step != "" {
		where = append(where, "step = ?")
		args = append(args, f.Step)
	}
	if !f.From.IsZero() {
		where = append(where, "changed_at >= ?")
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		where = append(where, "changed_at <= ?")
		args = append(args, f.To.UnixMilli())
	}
	return where, args
}

func toDomain(r entryRow, fields []models.FieldChangeEntry) models.WorklogKanbanEntry {
	return models.WorklogKanbanEntry{
		ID:             r.ID,
		OccurrenceID:   r.OccurrenceID,
		OccurrenceUUID: r.OccurrenceUUID,
		Step:           r.Step,
		PreviousStatus: r.PreviousStatus,
		NewStatus:      r.NewStatus,
		UserID:         r.UserID,
		ChangedAt:      time.UnixMilli(r.ChangedAt).UTC(),
		ActionType:     models.ActionType(r.ActionType),
		Description:    r.Description,
		Fields:         fields,
	}
}

// inTx runs fn in a new transaction, rolling back when fn fails.
func inTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin worklog tx")
	}
	if err := fn(tx); err != nil {
		if rErr := tx.Rollback(); rErr != nil {
			return errors.Wrapf(err, "rollback failed: %v", rErr)
		}
		return err
	}
	return tx.Commit()
}
