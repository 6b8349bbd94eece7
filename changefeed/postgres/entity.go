package postgres

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

var (
	ErrInvalidIdentifier = errors.New("invalid SQL identifier")
	ErrUnknownEntity     = errors.New("entity is not defined")
	ErrUnknownColumn     = errors.New("column is not defined for entity")
	ErrNoValues          = errors.New("no column values given")
	ErrRowNotFound       = errors.New("row not found")
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// Entity maps a captured entity name to its table. Key is the primary key
// column; Columns are the other columns read back after every write.
type Entity struct {
	Name    string
	Table   string
	Key     string
	Columns []string
}

func (e Entity) table() string {
	if e.Table == "" {
		return e.Name
	}

	return e.Table
}

// Validate checks every identifier, since they are spliced into SQL.
func (e Entity) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("%w: empty entity name", ErrInvalidIdentifier)
	}

	for _, ident := range append([]string{e.table(), e.Key}, e.Columns...) {
		if !identifierPattern.MatchString(ident) {
			return fmt.Errorf("%w: %q in entity %s", ErrInvalidIdentifier, ident, e.Name)
		}
	}

	return nil
}

// columns returns the key followed by the other columns, without duplicates.
func (e Entity) columns() []string {
	out := []string{e.Key}

	for _, column := range e.Columns {
		if !slices.Contains(out, column) {
			out = append(out, column)
		}
	}

	return out
}

func (e Entity) hasColumn(column string) bool {
	return column == e.Key || slices.Contains(e.Columns, column)
}

func quoteIdent(ident string) string {
	return `"` + ident + `"`
}

func quoteList(idents []string) string {
	quoted := make([]string, len(idents))
	for i, ident := range idents {
		quoted[i] = quoteIdent(ident)
	}

	return strings.Join(quoted, ", ")
}
