package postgres

import (
	"regexp"
	"strings"
)

const maxSQLIdentifierLength = 63

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength || !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

// validateIdentifierPath accepts "table" or "schema.table".
func validateIdentifierPath(path string) error {
	parts := strings.Split(path, ".")
	if len(parts) > 2 {
		return ErrInvalidIdentifier
	}

	for _, part := range parts {
		if err := validateIdentifier(strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	quoted := make([]string, 0, len(parts))

	for _, part := range parts {
		quoted = append(quoted, quoteIdentifier(strings.TrimSpace(part)))
	}

	return strings.Join(quoted, ".")
}

func quoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
