package translate

import "strings"

// ProbeKind names the catalog surface a client query is reading.
type ProbeKind int

const (
	ProbeNone ProbeKind = iota
	ProbeTables
	ProbeColumns
	ProbeNamespaces
	ProbeTypes
	ProbeIndexes
	ProbeProcs
	ProbeSettings
	ProbeConstant // information functions only, no catalog relation
)

func (k ProbeKind) String() string {
	switch k {
	case ProbeTables:
		return "tables"
	case ProbeColumns:
		return "columns"
	case ProbeNamespaces:
		return "namespaces"
	case ProbeTypes:
		return "types"
	case ProbeIndexes:
		return "indexes"
	case ProbeProcs:
		return "procs"
	case ProbeSettings:
		return "settings"
	case ProbeConstant:
		return "constant"
	default:
		return "none"
	}
}

// Probe describes a recognized catalog query: which surface it reads,
// the catalog relations it mentions, and simple column filters extracted
// from the WHERE clause (column = 'literal' or column LIKE 'pattern',
// keyed by lowercase column name). The catalog layer synthesizes the
// response from IRIS metadata instead of forwarding the query.
type Probe struct {
	Kind      ProbeKind
	Relations []string
	Filters   map[string]string
	Functions []string
}

// catalogRelations maps the pg_catalog and information_schema relations
// the gateway can answer to the surface they expose.
var catalogRelations = map[string]ProbeKind{
	"pg_class":            ProbeTables,
	"pg_tables":           ProbeTables,
	"pg_views":            ProbeTables,
	"pg_stat_user_tables": ProbeTables,
	"pg_attribute":        ProbeColumns,
	"pg_attrdef":          ProbeColumns,
	"pg_namespace":        ProbeNamespaces,
	"pg_type":             ProbeTypes,
	"pg_index":            ProbeIndexes,
	"pg_indexes":          ProbeIndexes,
	"pg_proc":             ProbeProcs,
	"pg_settings":         ProbeSettings,
	"pg_description":      ProbeTables,
	"pg_roles":            ProbeNamespaces,
	"pg_database":         ProbeNamespaces,
	// information_schema names (detected only when schema-qualified).
	"tables":   ProbeTables,
	"columns":  ProbeColumns,
	"views":    ProbeTables,
	"schemata": ProbeNamespaces,
}

// infoFunctions are PostgreSQL information functions a probe may consist
// of entirely; version() by itself is the most common liveness check.
var infoFunctions = map[string]bool{
	"version":                true,
	"current_database":       true,
	"current_schema":         true,
	"current_schemas":        true,
	"current_user":           true,
	"session_user":           true,
	"pg_backend_pid":         true,
	"pg_is_in_recovery":      true,
	"pg_encoding_to_char":    true,
	"format_type":            true,
	"pg_get_expr":            true,
	"pg_get_indexdef":        true,
	"pg_get_userbyid":        true,
	"pg_table_is_visible":    true,
	"pg_total_relation_size": true,
	"has_schema_privilege":   true,
	"has_table_privilege":    true,
	"obj_description":        true,
	"col_description":        true,
}

// kindRank orders kinds by specificity so a join of pg_class and
// pg_attribute classifies as a column probe.
var kindRank = map[ProbeKind]int{
	ProbeNamespaces: 1,
	ProbeTables:     2,
	ProbeTypes:      3,
	ProbeIndexes:    4,
	ProbeProcs:      5,
	ProbeColumns:    6,
	ProbeSettings:   7,
}

// detectProbe reports whether the statement reads the PostgreSQL catalog
// and, if so, which surface. Statements mixing catalog and user
// relations are not probes; the direct pipeline handles them (and IRIS
// rejects the unknown names, which matches what a client sees from a
// server without that catalog).
func detectProbe(tokens []Token, sig []int) *Probe {
	if strings.ToUpper(tokens[sig[0]].Text) != "SELECT" && strings.ToUpper(tokens[sig[0]].Text) != "SHOW" {
		return nil
	}

	if strings.ToUpper(tokens[sig[0]].Text) == "SHOW" {
		p := &Probe{Kind: ProbeSettings, Filters: map[string]string{}}
		if len(sig) > 1 {
			p.Filters["name"] = strings.ToLower(tokens[sig[1]].Text)
		}
		return p
	}

	p := &Probe{Filters: map[string]string{}}
	sawCatalog := false
	for si, ti := range sig {
		tk := tokens[ti]
		if tk.Type != TokenIdent {
			continue
		}
		name := strings.ToLower(tk.Text)

		// Schema qualifiers themselves prove nothing; classify on the
		// relation that follows.
		if name == "pg_catalog" || name == "information_schema" {
			continue
		}

		if kind, ok := catalogRelations[name]; ok {
			// tables/columns/views/schemata only count when qualified by
			// information_schema; bare names are likely user relations.
			if !strings.HasPrefix(name, "pg_") && !qualifiedByInfoSchema(tokens, sig, si) {
				continue
			}
			sawCatalog = true
			p.Relations = append(p.Relations, name)
			if kindRank[kind] > kindRank[p.Kind] {
				p.Kind = kind
			}
			continue
		}

		if infoFunctions[name] && nextIsLParen(tokens, sig, si) {
			p.Functions = append(p.Functions, name)
		}
	}

	if !sawCatalog {
		if len(p.Functions) > 0 && len(p.Relations) == 0 && !hasFromClause(tokens, sig) {
			p.Kind = ProbeConstant
			return p
		}
		return nil
	}

	extractFilters(tokens, sig, p.Filters)
	return p
}

func qualifiedByInfoSchema(tokens []Token, sig []int, si int) bool {
	if si < 2 {
		return false
	}
	if tokens[sig[si-1]].Type != TokenDot {
		return false
	}
	q := tokens[sig[si-2]]
	return q.Type == TokenIdent && strings.EqualFold(q.Text, "information_schema")
}

func nextIsLParen(tokens []Token, sig []int, si int) bool {
	return si+1 < len(sig) && tokens[sig[si+1]].Type == TokenLParen
}

func hasFromClause(tokens []Token, sig []int) bool {
	for _, ti := range sig {
		tk := tokens[ti]
		if tk.Type == TokenIdent && strings.EqualFold(tk.Text, "FROM") {
			return true
		}
	}
	return false
}

// extractFilters picks up "column = 'literal'" and "column LIKE
// 'pattern'" comparisons. Alias prefixes (c.relname) are dropped. The
// catalog layer applies what it understands and ignores the rest, which
// at worst returns a superset of the rows the client asked for.
func extractFilters(tokens []Token, sig []int, filters map[string]string) {
	for si := 0; si+2 < len(sig); si++ {
		col := tokens[sig[si]]
		op := tokens[sig[si+1]]
		val := tokens[sig[si+2]]

		if col.Type != TokenIdent || val.Type != TokenString {
			continue
		}
		isEq := op.Type == TokenOperator && op.Text == "="
		isLike := op.Type == TokenIdent && (strings.EqualFold(op.Text, "LIKE") || strings.EqualFold(op.Text, "ILIKE"))
		if !isEq && !isLike {
			continue
		}
		filters[strings.ToLower(col.Text)] = unquoteString(val.Text)
	}
}
