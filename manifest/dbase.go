package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	_ "modernc.org/sqlite"

	"destigo/internal"
)

// definitionNamePattern bounds the table names that may be interpolated into
// a query; anything else is rejected before touching the database.
var definitionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// SignedHash reinterprets an unsigned 32-bit hash as the signed 32-bit
// integer the content database stores: values >= 2^31 wrap to negative,
// everything below is unchanged.
func SignedHash(v uint32) int32 {
	return int32(v)
}

// contentDB is a read-only handle on one language's content database
type contentDB struct {
	db *sql.DB
}

// openContent opens the content database at path
func openContent(path string) (*contentDB, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open content database: %w", err)
	}
	return &contentDB{db: db}, nil
}

// Close releases the database handle
func (c *contentDB) Close() error {
	return c.db.Close()
}

// queryJSON looks up the serialized document for key in the definition
// table. identifier names the lookup column ("id" or "key").
func (c *contentDB) queryJSON(ctx context.Context, definition, identifier string, key interface{}) (json.RawMessage, error) {
	if !definitionNamePattern.MatchString(definition) {
		return nil, internal.NewInvalidDefinitionError(definition)
	}

	// Table names cannot be bound parameters; the definition is validated
	// above and bracket-quoted here.
	query := fmt.Sprintf("SELECT json FROM [%s] WHERE %s = ?", definition, identifier)

	var doc []byte
	err := c.db.QueryRowContext(ctx, query, key).Scan(&doc)
	switch {
	case err == sql.ErrNoRows:
		return nil, internal.NewEntryNotFoundError(definition, key)
	case err != nil && strings.Contains(err.Error(), "no such table"):
		return nil, internal.NewInvalidDefinitionError(definition).WithCause(err)
	case err != nil:
		return nil, fmt.Errorf("content database query failed: %w", err)
	}

	return json.RawMessage(doc), nil
}
