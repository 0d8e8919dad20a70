package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"strings"
	"time"

	"github.com/cuemby/dispatch/pkg/metrics"
	"github.com/cuemby/dispatch/pkg/storage"
	"github.com/cuemby/dispatch/pkg/types"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// ErrAlreadyArchived is returned when a task id is archived twice
var ErrAlreadyArchived = errors.New("call already archived")

// pageSize bounds the rows read per query while ranging over Find
const pageSize = 100

const schema = `
CREATE TABLE IF NOT EXISTS archived_calls (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id     TEXT NOT NULL UNIQUE,
    group_id    TEXT NOT NULL DEFAULT '',
    kind        TEXT NOT NULL DEFAULT '',
    state       TEXT NOT NULL,
    archived_at INTEGER NOT NULL,
    item        TEXT NOT NULL,
    status      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS archived_calls_group ON archived_calls(group_id);
CREATE INDEX IF NOT EXISTS archived_calls_archived_at ON archived_calls(archived_at);

CREATE TABLE IF NOT EXISTS archived_tags (
    task_id TEXT NOT NULL,
    tag     TEXT NOT NULL,
    PRIMARY KEY (task_id, tag)
);
`

// SQLiteArchive is the insert-only history of terminal calls
type SQLiteArchive struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteArchive opens (or creates) the archive database at dbPath in WAL
// mode and creates the schema if it does not exist.
func NewSQLiteArchive(ctx context.Context, dbPath string) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}

	// SQLite has a single writer; one pooled connection avoids SQLITE_BUSY
	// between connections.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create schema: %w", err)
	}

	return &SQLiteArchive{db: db, now: time.Now}, nil
}

// Close closes the database
func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}

// Ping checks the database is reachable
func (a *SQLiteArchive) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

// Archive inserts a terminal call. Archiving the same task id twice returns
// ErrAlreadyArchived.
func (a *SQLiteArchive) Archive(ctx context.Context, call *types.ArchivedCall) error {
	if call.Status == nil || call.Item == nil {
		return fmt.Errorf("history: archive %s: status and item are required", call.TaskID)
	}
	if !call.Status.State.Terminal() {
		return fmt.Errorf("history: archive %s: state %s is not terminal", call.TaskID, call.Status.State)
	}
	if call.ArchivedAt.IsZero() {
		call.ArchivedAt = a.now()
	}

	item, err := json.Marshal(call.Item)
	if err != nil {
		return fmt.Errorf("history: encode item %s: %w", call.TaskID, err)
	}
	status, err := json.Marshal(call.Status)
	if err != nil {
		return fmt.Errorf("history: encode status %s: %w", call.TaskID, err)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM archived_calls WHERE task_id = ?", call.TaskID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("history: archive %s: %w", call.TaskID, err)
	}
	if exists > 0 {
		return fmt.Errorf("history: archive %s: %w", call.TaskID, ErrAlreadyArchived)
	}

	const q = `
		INSERT INTO archived_calls (task_id, group_id, kind, state, archived_at, item, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, q, call.TaskID, call.GroupID, call.Status.Kind,
		string(call.Status.State), call.ArchivedAt.UnixNano(), string(item), string(status)); err != nil {
		return fmt.Errorf("history: archive %s: %w", call.TaskID, err)
	}

	for _, tag := range call.Status.Tags {
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO archived_tags (task_id, tag) VALUES (?, ?)", call.TaskID, tag); err != nil {
			return fmt.Errorf("history: archive tag %q for %s: %w", tag, call.TaskID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history: commit %s: %w", call.TaskID, err)
	}
	metrics.ArchivedTotal.Inc()
	return nil
}

// Get returns the archived call for taskID
func (a *SQLiteArchive) Get(ctx context.Context, taskID string) (*types.ArchivedCall, error) {
	row := a.db.QueryRowContext(ctx,
		"SELECT seq, task_id, group_id, archived_at, item, status FROM archived_calls WHERE task_id = ?", taskID)
	call, _, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("archived call %s: %w", taskID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("history: get %s: %w", taskID, err)
	}
	return call, nil
}

// Find returns a lazy, single-use sequence of archived calls matching filter,
// oldest first. Rows are read one page per query.
func (a *SQLiteArchive) Find(ctx context.Context, filter types.Filter) iter.Seq2[*types.ArchivedCall, error] {
	where, args := filterClause(filter)

	return storage.SingleUse(func(yield func(*types.ArchivedCall, error) bool) {
		var after int64
		emitted := 0
		for {
			page, err := a.page(ctx, where, args, after)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, p := range page {
				if !yield(p.call, nil) {
					return
				}
				emitted++
				if filter.Limit > 0 && emitted >= filter.Limit {
					return
				}
				after = p.seq
			}
			if len(page) < pageSize {
				return
			}
		}
	})
}

type pagedCall struct {
	seq  int64
	call *types.ArchivedCall
}

func (a *SQLiteArchive) page(ctx context.Context, where string, args []any, after int64) ([]pagedCall, error) {
	q := "SELECT seq, task_id, group_id, archived_at, item, status FROM archived_calls WHERE seq > ?"
	if where != "" {
		q += " AND " + where
	}
	q += fmt.Sprintf(" ORDER BY seq LIMIT %d", pageSize)

	rows, err := a.db.QueryContext(ctx, q, append([]any{after}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("history: find: %w", err)
	}
	defer rows.Close()

	var page []pagedCall
	for rows.Next() {
		call, seq, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("history: find: %w", err)
		}
		page = append(page, pagedCall{seq: seq, call: call})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: find: %w", err)
	}
	return page, nil
}

// filterClause translates filter into a WHERE fragment. Limit is applied by
// the caller.
func filterClause(filter types.Filter) (string, []any) {
	var conds []string
	var args []any

	if len(filter.TaskIDs) > 0 {
		conds = append(conds, "task_id IN ("+placeholders(len(filter.TaskIDs))+")")
		for _, id := range filter.TaskIDs {
			args = append(args, id)
		}
	}
	if filter.GroupID != "" {
		conds = append(conds, "group_id = ?")
		args = append(args, filter.GroupID)
	}
	if filter.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, filter.Kind)
	}
	if len(filter.States) > 0 {
		conds = append(conds, "state IN ("+placeholders(len(filter.States))+")")
		for _, s := range filter.States {
			args = append(args, string(s))
		}
	}
	for _, tag := range filter.Tags {
		conds = append(conds, "task_id IN (SELECT task_id FROM archived_tags WHERE tag = ?)")
		args = append(args, tag)
	}
	return strings.Join(conds, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(row scanner) (*types.ArchivedCall, int64, error) {
	var (
		seq        int64
		call       types.ArchivedCall
		archivedAt int64
		item       string
		status     string
	)
	if err := row.Scan(&seq, &call.TaskID, &call.GroupID, &archivedAt, &item, &status); err != nil {
		return nil, 0, err
	}
	call.ArchivedAt = time.Unix(0, archivedAt).UTC()
	call.Item = &types.WorkItem{}
	if err := json.Unmarshal([]byte(item), call.Item); err != nil {
		return nil, 0, fmt.Errorf("decode item %s: %w", call.TaskID, err)
	}
	call.Status = &types.TaskStatus{}
	if err := json.Unmarshal([]byte(status), call.Status); err != nil {
		return nil, 0, fmt.Errorf("decode status %s: %w", call.TaskID, err)
	}
	return &call, seq, nil
}

// Purge enforces retention: it deletes calls archived more than olderThan
// ago, always sparing the newest keep calls. olderThan <= 0 disables the age
// cutoff, so only keep bounds the history. It returns the number of calls
// deleted.
func (a *SQLiteArchive) Purge(ctx context.Context, olderThan time.Duration, keep int) (int64, error) {
	if olderThan <= 0 && keep <= 0 {
		return 0, &types.ValidationError{Field: "retention", Message: "either an age or a count to keep is required"}
	}

	cutoff := int64(math.MaxInt64)
	if olderThan > 0 {
		cutoff = a.now().Add(-olderThan).UnixNano()
	}
	if keep < 0 {
		keep = 0
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("history: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	const q = `
		DELETE FROM archived_calls
		WHERE archived_at < ?
		  AND seq NOT IN (SELECT seq FROM archived_calls ORDER BY seq DESC LIMIT ?)`
	res, err := tx.ExecContext(ctx, q, cutoff, keep)
	if err != nil {
		return 0, fmt.Errorf("history: purge: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("history: purge: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM archived_tags WHERE task_id NOT IN (SELECT task_id FROM archived_calls)"); err != nil {
		return 0, fmt.Errorf("history: purge tags: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("history: commit purge: %w", err)
	}
	return deleted, nil
}
