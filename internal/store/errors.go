package store

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNotFound is returned when no row matches the given id
var ErrNotFound = errors.New("not found")

// SchemaMismatchError reports columns the database does not know about.
// Callers may retry the same update without them.
type SchemaMismatchError struct {
	Columns []string
	Err     error
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch on columns %s: %v", strings.Join(e.Columns, ", "), e.Err)
}

func (e *SchemaMismatchError) Unwrap() error { return e.Err }

var missingColumn = []*regexp.Regexp{
	regexp.MustCompile(`no such column: (?:\w+\.)?(\w+)`),
	regexp.MustCompile(`has no column named (\w+)`),
}

// classify turns driver errors about unknown columns into SchemaMismatchError
func classify(err error) error {
	if err == nil {
		return nil
	}
	var cols []string
	for _, re := range missingColumn {
		for _, m := range re.FindAllStringSubmatch(err.Error(), -1) {
			cols = append(cols, m[1])
		}
	}
	if len(cols) == 0 {
		return err
	}
	return &SchemaMismatchError{Columns: cols, Err: err}
}
