package internal

import (
	"math"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/lychee-technology/tabq"
)

// sanitizeIdentifier quotes a possibly schema-qualified name such as
// "public.query_metrics".
func sanitizeIdentifier(name string) string {
	if name == "" {
		return ""
	}
	parts := strings.Split(name, ".")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.Trim(part, " \"")
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}
	if len(clean) == 0 {
		clean = []string{name}
	}
	return pgx.Identifier(clean).Sanitize()
}

// quoteColumn quotes a single column name verbatim, dots included.
func quoteColumn(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// sqlString renders s as a single-quoted SQL string literal.
func sqlString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// sqlLiteral renders a predicate literal for DuckDB.
func sqlLiteral(l tabq.Literal) string {
	switch l.Kind {
	case tabq.LiteralInt:
		return strconv.FormatInt(l.Int, 10)
	case tabq.LiteralFloat:
		if math.IsNaN(l.Float) || math.IsInf(l.Float, 0) {
			return "CAST(" + sqlString(strconv.FormatFloat(l.Float, 'g', -1, 64)) + " AS DOUBLE)"
		}
		return strconv.FormatFloat(l.Float, 'g', -1, 64)
	default:
		return sqlString(l.Str)
	}
}

// sqlOperator maps a predicate operator onto its SQL spelling.
func sqlOperator(op tabq.CompareOp) (string, bool) {
	switch op {
	case tabq.OpGreater, tabq.OpLess, tabq.OpGreaterEqual, tabq.OpLessEqual:
		return string(op), true
	case tabq.OpEqual:
		return "=", true
	case tabq.OpNotEqual:
		return "<>", true
	default:
		return "", false
	}
}

func isRemotePath(path string) bool {
	for _, prefix := range []string{"s3://", "http://", "https://", "gs://", "az://"} {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
