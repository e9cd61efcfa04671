package pg

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// --- Nullable helpers ---

func nilUUID(u *uuid.UUID) *uuid.UUID {
	if u == nil || *u == uuid.Nil {
		return nil
	}
	return u
}

func nilTime(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	return t
}

// --- JSON helpers ---

func jsonOrEmpty(data []byte) []byte {
	if data == nil || string(data) == "null" {
		return []byte("{}")
	}
	return data
}

// --- Dynamic UPDATE helper ---

// execMapUpdate builds and runs a dynamic UPDATE from a column→value map.
// Columns are sorted so the statement text is stable.
func execMapUpdate(ctx context.Context, db *sqlx.DB, table string, id uuid.UUID, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	cols := make([]string, 0, len(updates))
	for col := range updates {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	setClauses := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, col := range cols {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, i+1))
		args = append(args, updates[col])
	}
	args = append(args, id)
	q := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", table, strings.Join(setClauses, ", "), len(cols)+1)
	_, err := db.ExecContext(ctx, q, args...)
	return err
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
