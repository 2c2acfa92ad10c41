package pg

import (
	"fmt"
	"strings"
)

// batchInsert builds a single multi-row VALUES insert with positional
// placeholders: one round trip regardless of how many rows the caller binds.
func batchInsert(table string, cols []string, rows [][]any) (string, []any) {
	if len(rows) == 0 {
		return "", nil
	}
	var (
		b    strings.Builder
		args = make([]any, 0, len(rows)*len(cols))
	)
	b.WriteString("insert into ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(") values ")
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range row {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", len(args)+j+1)
		}
		b.WriteString(")")
		args = append(args, row...)
	}
	return b.String(), args
}

// inClause builds "col in ($n, $n+1, ...)" for a variable-length id list,
// returning the clause and the next free placeholder index.
func inClause(col string, start, n int) (string, int) {
	if n == 0 {
		return "false", start
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return col + " in (" + strings.Join(parts, ", ") + ")", start + n
}

// idArgs converts a typed id slice into []any for binding.
func idArgs[T any](ids []T) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
