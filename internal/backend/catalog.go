package backend

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/irisgate/irisgate/internal/iris"
	"github.com/irisgate/irisgate/internal/pgwire"
	"github.com/irisgate/irisgate/internal/translate"
)

// Catalog answers pg_catalog and information_schema probes from IRIS
// metadata. Clients never see IRIS's own dictionary tables; recognized
// probes are synthesized into the canonical column set for their kind.
// One Catalog is held per session so synthetic OIDs stay stable for the
// session's lifetime.
type Catalog struct {
	Executor      *Executor
	ServerVersion string
	DatabaseName  string
	SchemaName    string
	User          string
	BackendPID    uint32

	oids map[string]uint32
}

// Result is a fully materialized catalog response, text format
// throughout.
type Result struct {
	Fields []pgproto3.FieldDescription
	Rows   [][][]byte
}

// Execute answers one probe.
func (c *Catalog) Execute(ctx context.Context, conn iris.Conn, probe *translate.Probe) (*Result, error) {
	switch probe.Kind {
	case translate.ProbeConstant:
		return c.constants(probe)
	case translate.ProbeSettings:
		return c.settings(probe)
	case translate.ProbeTables:
		return c.tables(ctx, conn, probe)
	case translate.ProbeColumns:
		return c.columns(ctx, conn, probe)
	case translate.ProbeNamespaces:
		return c.namespaces(ctx, conn, probe)
	case translate.ProbeTypes:
		return c.types(probe)
	case translate.ProbeIndexes:
		return c.indexes(ctx, conn, probe)
	case translate.ProbeProcs:
		return c.procs(ctx, conn, probe)
	default:
		return nil, fmt.Errorf("unrecognized catalog probe")
	}
}

// OID returns the synthetic OID for a schema-qualified name. OIDs are
// FNV-1a hashes with the high bit set so they can never collide with
// real PostgreSQL OIDs a client might hardcode.
func (c *Catalog) OID(schema, name string) uint32 {
	key := schema + "." + name
	if c.oids == nil {
		c.oids = make(map[string]uint32)
	}
	if oid, ok := c.oids[key]; ok {
		return oid
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	oid := h.Sum32() | 0x80000000
	c.oids[key] = oid
	return oid
}

func (c *Catalog) constants(probe *translate.Probe) (*Result, error) {
	fields := make([]pgproto3.FieldDescription, len(probe.Functions))
	row := make([][]byte, len(probe.Functions))
	for i, fn := range probe.Functions {
		oid := pgwire.OIDText
		var val string
		switch fn {
		case "version":
			val = "PostgreSQL " + c.ServerVersion + " (IRIS gateway) on InterSystems IRIS"
		case "current_database":
			val = c.DatabaseName
		case "current_schema":
			val = c.SchemaName
		case "current_schemas":
			val = "{" + c.SchemaName + "}"
		case "current_user", "session_user", "pg_get_userbyid":
			val = c.User
		case "pg_backend_pid":
			oid = pgwire.OIDInt4
			val = strconv.FormatUint(uint64(c.BackendPID), 10)
		case "pg_is_in_recovery":
			oid = pgwire.OIDBool
			val = "f"
		case "pg_encoding_to_char":
			val = "UTF8"
		case "has_schema_privilege", "has_table_privilege", "pg_table_is_visible":
			oid = pgwire.OIDBool
			val = "t"
		case "pg_total_relation_size":
			oid = pgwire.OIDInt8
			val = "0"
		default:
			// format_type, pg_get_expr, descriptions: nothing to say.
			row[i] = nil
			fields[i] = textField(fn, oid)
			continue
		}
		row[i] = []byte(val)
		fields[i] = textField(fn, oid)
	}
	return &Result{Fields: fields, Rows: [][][]byte{row}}, nil
}

// serverSettings are the GUC values the gateway reports. DateStyle and
// integer_datetimes match the formats the type codecs produce.
func (c *Catalog) serverSettings() [][2]string {
	return [][2]string{
		{"server_version", c.ServerVersion},
		{"server_encoding", "UTF8"},
		{"client_encoding", "UTF8"},
		{"DateStyle", "ISO, MDY"},
		{"TimeZone", "UTC"},
		{"integer_datetimes", "on"},
		{"standard_conforming_strings", "on"},
		{"application_name", ""},
		{"is_superuser", "off"},
		{"search_path", c.SchemaName},
	}
}

// StartupParameters lists the ParameterStatus pairs a session reports
// right after authentication.
func (c *Catalog) StartupParameters() [][2]string {
	out := make([][2]string, 0, 8)
	for _, kv := range c.serverSettings() {
		switch kv[0] {
		case "server_version", "server_encoding", "client_encoding",
			"DateStyle", "TimeZone", "integer_datetimes",
			"standard_conforming_strings", "application_name":
			out = append(out, kv)
		}
	}
	return out
}

func (c *Catalog) settings(probe *translate.Probe) (*Result, error) {
	want := probe.Filters["name"]

	if want != "" {
		for _, kv := range c.serverSettings() {
			if strings.EqualFold(kv[0], want) {
				return &Result{
					Fields: []pgproto3.FieldDescription{textField(kv[0], pgwire.OIDText)},
					Rows:   [][][]byte{{[]byte(kv[1])}},
				}, nil
			}
		}
		return nil, fmt.Errorf("unrecognized configuration parameter %q", want)
	}

	fields := []pgproto3.FieldDescription{
		textField("name", pgwire.OIDText),
		textField("setting", pgwire.OIDText),
	}
	var rows [][][]byte
	for _, kv := range c.serverSettings() {
		rows = append(rows, [][]byte{[]byte(kv[0]), []byte(kv[1])})
	}
	return &Result{Fields: fields, Rows: rows}, nil
}

func (c *Catalog) tables(ctx context.Context, conn iris.Conn, probe *translate.Probe) (*Result, error) {
	rows, err := conn.Query(ctx,
		"SELECT TABLE_SCHEMA, TABLE_NAME, TABLE_TYPE FROM INFORMATION_SCHEMA.TABLES")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := []pgproto3.FieldDescription{
		textField("oid", pgwire.OIDOID),
		textField("nspname", pgwire.OIDName),
		textField("relname", pgwire.OIDName),
		textField("relkind", pgwire.OIDText),
	}

	filter := newNameFilter(probe)
	var out [][][]byte
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		schema, name, typ := str(vals[0]), str(vals[1]), str(vals[2])
		kind := "r"
		if strings.Contains(strings.ToUpper(typ), "VIEW") {
			kind = "v"
		}
		if !filter.matchSchema(schema) || !filter.matchName(name) || !filter.matchKind(kind) {
			continue
		}
		out = append(out, [][]byte{
			oidBytes(c.OID(schema, name)),
			[]byte(schema),
			[]byte(name),
			[]byte(kind),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &Result{Fields: fields, Rows: out}, nil
}

func (c *Catalog) columns(ctx context.Context, conn iris.Conn, probe *translate.Probe) (*Result, error) {
	rows, err := conn.Query(ctx,
		"SELECT TABLE_SCHEMA, TABLE_NAME, COLUMN_NAME, ORDINAL_POSITION, DATA_TYPE, IS_NULLABLE, CHARACTER_MAXIMUM_LENGTH, NUMERIC_PRECISION, NUMERIC_SCALE FROM INFORMATION_SCHEMA.COLUMNS ORDER BY TABLE_SCHEMA, TABLE_NAME, ORDINAL_POSITION")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := []pgproto3.FieldDescription{
		textField("attrelid", pgwire.OIDOID),
		textField("nspname", pgwire.OIDName),
		textField("relname", pgwire.OIDName),
		textField("attname", pgwire.OIDName),
		textField("attnum", pgwire.OIDInt2),
		textField("atttypid", pgwire.OIDOID),
		textField("typname", pgwire.OIDName),
		textField("attnotnull", pgwire.OIDBool),
	}

	filter := newNameFilter(probe)
	var out [][][]byte
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		schema, table, column := str(vals[0]), str(vals[1]), str(vals[2])
		if !filter.matchSchema(schema) || !filter.matchName(table) {
			continue
		}

		meta := iris.ColumnMeta{Name: column, TypeName: str(vals[4])}
		meta.Precision, _ = asInt(vals[6])
		if meta.Precision == 0 {
			meta.Precision, _ = asInt(vals[7])
			meta.Scale, _ = asInt(vals[8])
		}
		oid, _ := typeForColumn(meta, c.Executor.vectorOID())

		notNull := "f"
		if strings.EqualFold(str(vals[5]), "NO") {
			notNull = "t"
		}
		pos, _ := asInt(vals[3])

		out = append(out, [][]byte{
			oidBytes(c.OID(schema, table)),
			[]byte(schema),
			[]byte(table),
			[]byte(column),
			[]byte(strconv.FormatInt(pos, 10)),
			oidBytes(oid),
			[]byte(c.typeName(oid)),
			[]byte(notNull),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &Result{Fields: fields, Rows: out}, nil
}

func (c *Catalog) namespaces(ctx context.Context, conn iris.Conn, probe *translate.Probe) (*Result, error) {
	rows, err := conn.Query(ctx, "SELECT SCHEMA_NAME FROM INFORMATION_SCHEMA.SCHEMATA")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := []pgproto3.FieldDescription{
		textField("oid", pgwire.OIDOID),
		textField("nspname", pgwire.OIDName),
	}

	filter := newNameFilter(probe)
	var out [][][]byte
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		schema := str(vals[0])
		if !filter.matchSchema(schema) {
			continue
		}
		out = append(out, [][]byte{
			oidBytes(c.OID(schema, "")),
			[]byte(schema),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &Result{Fields: fields, Rows: out}, nil
}

// knownTypes is the closed pg_type surface the gateway exposes.
func (c *Catalog) knownTypes() [][2]any {
	return [][2]any{
		{pgwire.OIDBool, "bool"},
		{pgwire.OIDBytea, "bytea"},
		{pgwire.OIDInt8, "int8"},
		{pgwire.OIDInt2, "int2"},
		{pgwire.OIDInt4, "int4"},
		{pgwire.OIDText, "text"},
		{pgwire.OIDFloat4, "float4"},
		{pgwire.OIDFloat8, "float8"},
		{pgwire.OIDVarchar, "varchar"},
		{pgwire.OIDBpchar, "bpchar"},
		{pgwire.OIDDate, "date"},
		{pgwire.OIDTime, "time"},
		{pgwire.OIDTimestamp, "timestamp"},
		{pgwire.OIDTimestamptz, "timestamptz"},
		{pgwire.OIDNumeric, "numeric"},
		{pgwire.OIDUUID, "uuid"},
		{pgwire.OIDJSON, "json"},
		{pgwire.OIDJSONB, "jsonb"},
		{c.Executor.vectorOID(), "vector"},
	}
}

func (c *Catalog) typeName(oid uint32) string {
	if oid == c.Executor.vectorOID() {
		return "vector"
	}
	return pgwire.TypeName(oid)
}

func (c *Catalog) types(probe *translate.Probe) (*Result, error) {
	fields := []pgproto3.FieldDescription{
		textField("oid", pgwire.OIDOID),
		textField("typname", pgwire.OIDName),
	}

	want := probe.Filters["typname"]
	var out [][][]byte
	for _, t := range c.knownTypes() {
		oid, name := t[0].(uint32), t[1].(string)
		if want != "" && !likeMatch(want, name) {
			continue
		}
		out = append(out, [][]byte{oidBytes(oid), []byte(name)})
	}
	return &Result{Fields: fields, Rows: out}, nil
}

func (c *Catalog) indexes(ctx context.Context, conn iris.Conn, probe *translate.Probe) (*Result, error) {
	rows, err := conn.Query(ctx,
		"SELECT TABLE_SCHEMA, TABLE_NAME, INDEX_NAME, NON_UNIQUE FROM INFORMATION_SCHEMA.INDEXES")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := []pgproto3.FieldDescription{
		textField("indexrelid", pgwire.OIDOID),
		textField("indrelid", pgwire.OIDOID),
		textField("nspname", pgwire.OIDName),
		textField("tablename", pgwire.OIDName),
		textField("indexname", pgwire.OIDName),
		textField("indisunique", pgwire.OIDBool),
	}

	filter := newNameFilter(probe)
	var out [][][]byte
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		schema, table, index := str(vals[0]), str(vals[1]), str(vals[2])
		if !filter.matchSchema(schema) || !filter.matchName(table) {
			continue
		}
		unique := "t"
		if n, _ := asInt(vals[3]); n != 0 {
			unique = "f"
		}
		out = append(out, [][]byte{
			oidBytes(c.OID(schema, table+"."+index)),
			oidBytes(c.OID(schema, table)),
			[]byte(schema),
			[]byte(table),
			[]byte(index),
			[]byte(unique),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &Result{Fields: fields, Rows: out}, nil
}

func (c *Catalog) procs(ctx context.Context, conn iris.Conn, probe *translate.Probe) (*Result, error) {
	rows, err := conn.Query(ctx,
		"SELECT ROUTINE_SCHEMA, ROUTINE_NAME FROM INFORMATION_SCHEMA.ROUTINES")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := []pgproto3.FieldDescription{
		textField("oid", pgwire.OIDOID),
		textField("nspname", pgwire.OIDName),
		textField("proname", pgwire.OIDName),
	}

	filter := newNameFilter(probe)
	var out [][][]byte
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		schema, name := str(vals[0]), str(vals[1])
		if !filter.matchSchema(schema) || !filter.matchName(name) {
			continue
		}
		out = append(out, [][]byte{
			oidBytes(c.OID(schema, name)),
			[]byte(schema),
			[]byte(name),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &Result{Fields: fields, Rows: out}, nil
}

// nameFilter applies the relation/schema/kind filters a probe extracted.
// Filters the gateway does not understand are ignored, which at worst
// returns a superset of the rows the client asked for.
type nameFilter struct {
	name   string
	schema string
	kind   string
}

func newNameFilter(probe *translate.Probe) nameFilter {
	f := nameFilter{}
	for _, key := range []string{"relname", "table_name", "tablename", "typname", "proname", "indexname"} {
		if v, ok := probe.Filters[key]; ok {
			f.name = v
			break
		}
	}
	for _, key := range []string{"nspname", "table_schema", "schemaname", "schema_name"} {
		if v, ok := probe.Filters[key]; ok {
			f.schema = v
			break
		}
	}
	f.kind = probe.Filters["relkind"]
	return f
}

func (f nameFilter) matchName(name string) bool {
	return f.name == "" || likeMatch(f.name, name)
}

func (f nameFilter) matchSchema(schema string) bool {
	return f.schema == "" || likeMatch(f.schema, schema)
}

func (f nameFilter) matchKind(kind string) bool {
	return f.kind == "" || strings.Contains(f.kind, kind)
}

// likeMatch evaluates a SQL LIKE pattern, case-insensitively; catalog
// name comparisons tolerate the case folding difference between the two
// systems.
func likeMatch(pattern, s string) bool {
	if !strings.ContainsAny(pattern, "%_") {
		return strings.EqualFold(pattern, s)
	}
	var sb strings.Builder
	sb.WriteString("(?i)^")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

func textField(name string, oid uint32) pgproto3.FieldDescription {
	return pgproto3.FieldDescription{
		Name:         []byte(name),
		DataTypeOID:  oid,
		DataTypeSize: pgwire.TypeSize(oid),
		TypeModifier: -1,
		Format:       pgwire.FormatText,
	}
}

func oidBytes(oid uint32) []byte {
	return []byte(strconv.FormatUint(uint64(oid), 10))
}

func str(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		return parsed, err == nil
	case []byte:
		parsed, err := strconv.ParseInt(string(n), 10, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}
