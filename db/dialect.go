package db

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/findertool/deployctl"
)

// Rewrite translates a statement written with canonical `?` placeholders into
// the native placeholder syntax of the target dialect. SQLite consumes `?`
// directly; PostgreSQL requires sequential numbered placeholders.
//
// Placeholders inside single-quoted or double-quoted literals and inside SQL
// comments are left untouched.
func Rewrite(dialect deployctl.Dialect, statement string) string {
	if dialect != deployctl.DialectPostgres {
		return statement
	}

	var b strings.Builder
	b.Grow(len(statement) + 8)

	n := 0
	i := 0
	for i < len(statement) {
		c := statement[i]
		switch c {
		case '\'', '"':
			end := skipQuoted(statement, i, c)
			b.WriteString(statement[i:end])
			i = end
		case '-':
			if i+1 < len(statement) && statement[i+1] == '-' {
				end := skipLineComment(statement, i)
				b.WriteString(statement[i:end])
				i = end
			} else {
				b.WriteByte(c)
				i++
			}
		case '/':
			if i+1 < len(statement) && statement[i+1] == '*' {
				end := skipBlockComment(statement, i)
				b.WriteString(statement[i:end])
				i = end
			} else {
				b.WriteByte(c)
				i++
			}
		case '?':
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			i++
		default:
			b.WriteByte(c)
			i++
		}
	}

	return b.String()
}

// skipQuoted returns the index just past the closing quote, honoring the SQL
// convention of doubling the quote character to escape it.
func skipQuoted(s string, start int, quote byte) int {
	i := start + 1
	for i < len(s) {
		if s[i] == quote {
			if i+1 < len(s) && s[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return len(s)
}

func skipLineComment(s string, start int) int {
	for i := start; i < len(s); i++ {
		if s[i] == '\n' {
			return i + 1
		}
	}
	return len(s)
}

func skipBlockComment(s string, start int) int {
	for i := start + 2; i+1 < len(s); i++ {
		if s[i] == '*' && s[i+1] == '/' {
			return i + 2
		}
	}
	return len(s)
}

// driverName returns the database/sql driver registered for a dialect.
func driverName(dialect deployctl.Dialect) (string, error) {
	switch dialect {
	case deployctl.DialectPostgres:
		return "postgres", nil
	case deployctl.DialectSQLite:
		return "sqlite3", nil
	}
	return "", fmt.Errorf("unsupported dialect %q", dialect)
}

// ParseURL determines the dialect and driver DSN from a connection URL.
// URLs beginning with postgres:// or postgresql:// select PostgreSQL and are
// passed to the driver unchanged. Anything else is treated as a SQLite
// database path, with optional sqlite:// or file: prefixes stripped.
func ParseURL(url string) (deployctl.Dialect, string, error) {
	if url == "" {
		return "", "", fmt.Errorf("database URL is empty")
	}

	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return deployctl.DialectPostgres, url, nil
	}

	path := strings.TrimPrefix(url, "sqlite://")
	path = strings.TrimPrefix(path, "file:")
	if path == "" {
		return "", "", fmt.Errorf("sqlite path is empty in URL %q", url)
	}

	return deployctl.DialectSQLite, path, nil
}
