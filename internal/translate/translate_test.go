package translate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTranslator(t *testing.T) *Translator {
	t.Helper()
	tr, err := New(Config{})
	require.NoError(t, err)
	return tr
}

func TestDirectRewrites(t *testing.T) {
	tr := newTestTranslator(t)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "fold unquoted identifiers",
			in:   "select id, name from users where age > 30",
			want: "SELECT ID, NAME FROM USERS WHERE AGE > 30",
		},
		{
			name: "quoted identifiers pass through",
			in:   `SELECT "MixedCase", other FROM t`,
			want: `SELECT "MixedCase", OTHER FROM T`,
		},
		{
			name: "string literals untouched",
			in:   "SELECT 'select lower from t' FROM logs",
			want: "SELECT 'select lower from t' FROM LOGS",
		},
		{
			name: "comments preserved",
			in:   "SELECT id /* keep me */ FROM t -- tail",
			want: "SELECT ID /* keep me */ FROM T -- tail",
		},
		{
			name: "date literal after comparison",
			in:   "SELECT * FROM t WHERE d = '2024-01-15'",
			want: "SELECT * FROM T WHERE D = TO_DATE('2024-01-15','YYYY-MM-DD')",
		},
		{
			name: "date literals in IN list",
			in:   "SELECT * FROM t WHERE d IN ('2024-01-15', '2024-02-01')",
			want: "SELECT * FROM T WHERE D IN (TO_DATE('2024-01-15','YYYY-MM-DD'), TO_DATE('2024-02-01','YYYY-MM-DD'))",
		},
		{
			name: "date between",
			in:   "SELECT * FROM t WHERE d BETWEEN '2024-01-01' AND '2024-12-31'",
			want: "SELECT * FROM T WHERE D BETWEEN TO_DATE('2024-01-01','YYYY-MM-DD') AND TO_DATE('2024-12-31','YYYY-MM-DD')",
		},
		{
			name: "date after boolean AND stays a string",
			in:   "SELECT * FROM t WHERE active AND '2024-01-15' = d",
			want: "SELECT * FROM T WHERE ACTIVE AND '2024-01-15' = D",
		},
		{
			name: "boolean AND after a closed BETWEEN",
			in:   "SELECT * FROM t WHERE d BETWEEN '2024-01-01' AND '2024-12-31' AND '2024-06-01' = x",
			want: "SELECT * FROM T WHERE D BETWEEN TO_DATE('2024-01-01','YYYY-MM-DD') AND TO_DATE('2024-12-31','YYYY-MM-DD') AND '2024-06-01' = X",
		},
		{
			name: "date shaped text in select list stays a string",
			in:   "SELECT '2024-01-15' FROM t",
			want: "SELECT '2024-01-15' FROM T",
		},
		{
			name: "date inside longer string stays",
			in:   "SELECT * FROM t WHERE note = 'due 2024-01-15 noon'",
			want: "SELECT * FROM T WHERE NOTE = 'due 2024-01-15 noon'",
		},
		{
			name: "trailing semicolon stripped",
			in:   "SELECT 1;",
			want: "SELECT 1",
		},
		{
			name: "trailing semicolon run stripped",
			in:   "SELECT 1 ; ; ",
			want: "SELECT 1",
		},
		{
			name: "version call inlined inside larger query",
			in:   "SELECT version(), name FROM users",
			want: "SELECT 'PostgreSQL 14.2 (IRIS gateway)', NAME FROM USERS",
		},
		{
			name: "current_database inlined",
			in:   "SELECT current_database(), count(*) FROM t",
			want: "SELECT 'USER', COUNT(*) FROM T",
		},
		{
			name: "version as column name untouched",
			in:   "SELECT version FROM releases",
			want: "SELECT VERSION FROM RELEASES",
		},
		{
			name: "dollar quoted string untouched",
			in:   "SELECT $tag$keep 'this' as-is$tag$ FROM t",
			want: "SELECT $tag$keep 'this' as-is$tag$ FROM T",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r, err := tr.Translate(tc.in, nil)
			require.NoError(t, err)
			assert.Equal(t, ClassDirect, r.Class)
			assert.Equal(t, tc.want, r.SQL)
		})
	}
}

func TestTranslateIdempotent(t *testing.T) {
	tr := newTestTranslator(t)

	inputs := []string{
		"SELECT * FROM t WHERE d = '2024-01-15'",
		"select id from docs order by embedding <-> $1 limit 5",
		"SELECT version(), name FROM users",
		"SELECT * FROM t WHERE d IN ('2024-01-15', '2024-02-01')",
	}
	for _, in := range inputs {
		first, err := tr.Translate(in, nil)
		require.NoError(t, err)
		second, err := tr.Translate(first.SQL, nil)
		require.NoError(t, err)
		assert.Equal(t, first.SQL, second.SQL, "input: %s", in)
	}
}

func TestTranslateCaches(t *testing.T) {
	tr := newTestTranslator(t)

	a, err := tr.Translate("SELECT 1", nil)
	require.NoError(t, err)
	b, err := tr.Translate("SELECT 1", nil)
	require.NoError(t, err)
	assert.Same(t, a, b)

	c, err := tr.Translate("SELECT 1", []uint32{23})
	require.NoError(t, err)
	assert.NotSame(t, a, c)
}

func TestPlaceholderRewrite(t *testing.T) {
	tr := newTestTranslator(t)

	r, err := tr.Translate("SELECT * FROM t WHERE a = $2 AND b = $1", nil)
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM T WHERE A = ? AND B = ?", r.SQL)
	assert.Equal(t, []int{2, 1}, r.ParamMap)
}

func TestVectorOperators(t *testing.T) {
	tr := newTestTranslator(t)

	tests := []struct {
		name      string
		in        string
		want      string
		wantMap   []int
		wantHints []uint32
	}{
		{
			name:      "l2 distance",
			in:        "SELECT id FROM docs ORDER BY embedding <-> $1 LIMIT 5",
			want:      "SELECT ID FROM DOCS ORDER BY VECTOR_L2(EMBEDDING,?) LIMIT 5",
			wantMap:   []int{1},
			wantHints: []uint32{DefaultVectorOID},
		},
		{
			name:      "cosine distance",
			in:        "SELECT embedding <=> $1 FROM docs",
			want:      "SELECT 1 - VECTOR_COSINE(EMBEDDING,?) FROM DOCS",
			wantMap:   []int{1},
			wantHints: []uint32{DefaultVectorOID},
		},
		{
			name:      "inner product",
			in:        "SELECT embedding <#> $1 FROM docs",
			want:      "SELECT -VECTOR_DOT_PRODUCT(EMBEDDING,?) FROM DOCS",
			wantMap:   []int{1},
			wantHints: []uint32{DefaultVectorOID},
		},
		{
			name:    "qualified column operand",
			in:      "SELECT d.id FROM docs d ORDER BY d.embedding <-> d.centroid",
			want:    "SELECT D.ID FROM DOCS D ORDER BY VECTOR_L2(D.EMBEDDING,D.CENTROID)",
			wantMap: nil,
		},
		{
			name:      "function call operand",
			in:        "SELECT id FROM docs ORDER BY embedding <-> TO_VECTOR($1) LIMIT 3",
			want:      "SELECT ID FROM DOCS ORDER BY VECTOR_L2(EMBEDDING,TO_VECTOR(?)) LIMIT 3",
			wantMap:   []int{1},
			wantHints: []uint32{DefaultVectorOID},
		},
		{
			name:      "bare to_vector call still hints",
			in:        "INSERT INTO docs (id, embedding) VALUES ($1, TO_VECTOR($2))",
			want:      "INSERT INTO DOCS (ID, EMBEDDING) VALUES (?, TO_VECTOR(?))",
			wantMap:   []int{1, 2},
			wantHints: []uint32{0, DefaultVectorOID},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r, err := tr.Translate(tc.in, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.want, r.SQL)
			assert.Equal(t, tc.wantMap, r.ParamMap)
			assert.Equal(t, tc.wantHints, r.ParamHints)
		})
	}
}

func TestVectorOperatorCustomConfig(t *testing.T) {
	tr, err := New(Config{L2Func: "MY_L2", VectorOID: 7777})
	require.NoError(t, err)

	r, err := tr.Translate("SELECT embedding <-> $1 FROM docs", nil)
	require.NoError(t, err)
	assert.Equal(t, "SELECT MY_L2(EMBEDDING,?) FROM DOCS", r.SQL)
	assert.Equal(t, []uint32{7777}, r.ParamHints)
}

func TestVectorOperatorMissingOperand(t *testing.T) {
	tr := newTestTranslator(t)

	_, err := tr.Translate("SELECT <-> $1 FROM docs", nil)
	var mal *MalformedError
	require.ErrorAs(t, err, &mal)
}

func TestTransactionVerbs(t *testing.T) {
	tr := newTestTranslator(t)

	tests := []struct {
		in       string
		want     string
		wantVerb VerbKind
	}{
		{"BEGIN", "START TRANSACTION", VerbBegin},
		{"begin work;", "START TRANSACTION", VerbBegin},
		{"BEGIN TRANSACTION ISOLATION LEVEL SERIALIZABLE", "START TRANSACTION ISOLATION LEVEL SERIALIZABLE", VerbBegin},
		{"START TRANSACTION READ ONLY", "START TRANSACTION READ ONLY", VerbBegin},
		{"COMMIT", "COMMIT", VerbCommit},
		{"commit work", "COMMIT", VerbCommit},
		{"END", "COMMIT", VerbCommit},
		{"END TRANSACTION", "COMMIT", VerbCommit},
		{"ROLLBACK", "ROLLBACK", VerbRollback},
		{"ROLLBACK WORK", "ROLLBACK", VerbRollback},
		{"SAVEPOINT sp1", "SAVEPOINT sp1", VerbSavepoint},
		{"RELEASE sp1", "RELEASE SAVEPOINT sp1", VerbRelease},
		{"RELEASE SAVEPOINT sp1", "RELEASE SAVEPOINT sp1", VerbRelease},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			r, err := tr.Translate(tc.in, nil)
			require.NoError(t, err)
			assert.Equal(t, ClassTransaction, r.Class)
			assert.Equal(t, tc.want, r.SQL)
			assert.Equal(t, tc.wantVerb, r.Verb)
		})
	}
}

func TestEmptyStatement(t *testing.T) {
	tr := newTestTranslator(t)

	for _, in := range []string{"", "   ", "-- just a comment", "/* block */"} {
		r, err := tr.Translate(in, nil)
		require.NoError(t, err)
		assert.Equal(t, ClassEmpty, r.Class, "input: %q", in)
	}
}

func TestMalformedInput(t *testing.T) {
	tr := newTestTranslator(t)

	for _, in := range []string{
		"SELECT 'unterminated",
		`SELECT "unterminated`,
		"SELECT /* no close",
		"SELECT $body$ no close",
	} {
		_, err := tr.Translate(in, nil)
		var mal *MalformedError
		require.ErrorAs(t, err, &mal, "input: %q", in)
		assert.GreaterOrEqual(t, mal.Position, 0)
	}
}

func TestCopyFromStdin(t *testing.T) {
	tr := newTestTranslator(t)

	r, err := tr.Translate("COPY users (id, name) FROM STDIN WITH (FORMAT CSV, HEADER)", nil)
	require.NoError(t, err)
	assert.Equal(t, ClassCopyIn, r.Class)
	require.NotNil(t, r.Copy)
	assert.Equal(t, "USERS", r.Copy.Table)
	assert.Equal(t, []string{"ID", "NAME"}, r.Copy.Columns)
	assert.Equal(t, CopyCSV, r.Copy.Options.Format)
	assert.True(t, r.Copy.Options.Header)
	assert.Equal(t, byte(','), r.Copy.Options.Delimiter)
}

func TestCopyTextDefaults(t *testing.T) {
	tr := newTestTranslator(t)

	r, err := tr.Translate("COPY app.events FROM STDIN", nil)
	require.NoError(t, err)
	assert.Equal(t, ClassCopyIn, r.Class)
	assert.Equal(t, "APP.EVENTS", r.Copy.Table)
	assert.Equal(t, CopyText, r.Copy.Options.Format)
	assert.Equal(t, byte('\t'), r.Copy.Options.Delimiter)
	assert.Equal(t, `\N`, r.Copy.Options.Null)
}

func TestCopyToStdout(t *testing.T) {
	tr := newTestTranslator(t)

	r, err := tr.Translate("COPY users TO STDOUT WITH (FORMAT CSV, DELIMITER ';', NULL 'NULL')", nil)
	require.NoError(t, err)
	assert.Equal(t, ClassCopyOut, r.Class)
	assert.Equal(t, "USERS", r.Copy.Table)
	assert.Equal(t, byte(';'), r.Copy.Options.Delimiter)
	assert.Equal(t, "NULL", r.Copy.Options.Null)
}

func TestCopyQueryToStdout(t *testing.T) {
	tr := newTestTranslator(t)

	r, err := tr.Translate("COPY (SELECT id, name FROM users WHERE active = 1) TO STDOUT WITH (FORMAT CSV)", nil)
	require.NoError(t, err)
	assert.Equal(t, ClassCopyOut, r.Class)
	assert.Empty(t, r.Copy.Table)
	assert.Equal(t, "SELECT ID, NAME FROM USERS WHERE ACTIVE = 1", r.Copy.Query)
}

func TestCopyRejectsFiles(t *testing.T) {
	tr := newTestTranslator(t)

	for _, in := range []string{
		"COPY users FROM '/tmp/users.csv'",
		"COPY users TO '/tmp/out.csv'",
		"COPY (SELECT 1) FROM STDIN",
	} {
		_, err := tr.Translate(in, nil)
		require.ErrorIs(t, err, ErrUnsupported, "input: %q", in)
	}
}

func TestCopyBinaryFormatParses(t *testing.T) {
	tr := newTestTranslator(t)

	r, err := tr.Translate("COPY users FROM STDIN WITH (FORMAT BINARY)", nil)
	require.NoError(t, err)
	assert.Equal(t, CopyBinary, r.Copy.Options.Format)
}

func TestProbeDetection(t *testing.T) {
	tr := newTestTranslator(t)

	tests := []struct {
		name     string
		in       string
		wantKind ProbeKind
		wantFilt map[string]string
	}{
		{
			name:     "table list",
			in:       "SELECT relname FROM pg_catalog.pg_class WHERE relkind = 'r'",
			wantKind: ProbeTables,
			wantFilt: map[string]string{"relkind": "r"},
		},
		{
			name:     "column list via join",
			in:       "SELECT a.attname FROM pg_attribute a JOIN pg_class c ON a.attrelid = c.oid WHERE c.relname = 'users'",
			wantKind: ProbeColumns,
			wantFilt: map[string]string{"relname": "users"},
		},
		{
			name:     "namespace list",
			in:       "SELECT nspname FROM pg_namespace WHERE nspname LIKE 'pg_%'",
			wantKind: ProbeNamespaces,
			wantFilt: map[string]string{"nspname": "pg_%"},
		},
		{
			name:     "type lookup",
			in:       "SELECT oid, typname FROM pg_type WHERE typname = 'vector'",
			wantKind: ProbeTypes,
			wantFilt: map[string]string{"typname": "vector"},
		},
		{
			name:     "information_schema tables",
			in:       "SELECT table_name FROM information_schema.tables WHERE table_schema = 'public'",
			wantKind: ProbeTables,
			wantFilt: map[string]string{"table_schema": "public"},
		},
		{
			name:     "information_schema columns",
			in:       "SELECT column_name, data_type FROM information_schema.columns WHERE table_name = 'users'",
			wantKind: ProbeColumns,
			wantFilt: map[string]string{"table_name": "users"},
		},
		{
			name:     "bare version call",
			in:       "SELECT version()",
			wantKind: ProbeConstant,
		},
		{
			name:     "backend pid",
			in:       "select pg_backend_pid()",
			wantKind: ProbeConstant,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r, err := tr.Translate(tc.in, nil)
			require.NoError(t, err)
			assert.Equal(t, ClassCatalog, r.Class)
			require.NotNil(t, r.Probe)
			assert.Equal(t, tc.wantKind, r.Probe.Kind)
			for k, v := range tc.wantFilt {
				assert.Equal(t, v, r.Probe.Filters[k], "filter %s", k)
			}
		})
	}
}

func TestProbeNotTriggeredByUserTables(t *testing.T) {
	tr := newTestTranslator(t)

	// "tables" and "columns" as user relation names stay direct queries.
	for _, in := range []string{
		"SELECT * FROM tables",
		"SELECT name FROM columns WHERE id = 1",
		"SELECT version FROM releases",
	} {
		r, err := tr.Translate(in, nil)
		require.NoError(t, err)
		assert.Equal(t, ClassDirect, r.Class, "input: %q", in)
		assert.Nil(t, r.Probe)
	}
}

func TestShowStatement(t *testing.T) {
	tr := newTestTranslator(t)

	r, err := tr.Translate("SHOW server_version", nil)
	require.NoError(t, err)
	assert.Equal(t, ClassCatalog, r.Class)
	require.NotNil(t, r.Probe)
	assert.Equal(t, ProbeSettings, r.Probe.Kind)
	assert.Equal(t, "server_version", r.Probe.Filters["name"])
}

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"single", "SELECT 1", []string{"SELECT 1"}},
		{"two", "SELECT 1; SELECT 2", []string{"SELECT 1", " SELECT 2"}},
		{"empty between", "SELECT 1;;SELECT 2", []string{"SELECT 1", "", "SELECT 2"}},
		{"semicolon in string", "SELECT 'a;b'; SELECT 2", []string{"SELECT 'a;b'", " SELECT 2"}},
		{"semicolon in comment", "SELECT 1 -- a;b\n; SELECT 2", []string{"SELECT 1 -- a;b\n", " SELECT 2"}},
		{"semicolon in dollar quote", "SELECT $$a;b$$", []string{"SELECT $$a;b$$"}},
		{"empty input", "", []string{""}},
		{"trailing semicolon", "SELECT 1;", []string{"SELECT 1"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := SplitStatements(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestLexLossFree(t *testing.T) {
	inputs := []string{
		"SELECT a.b, \"C d\" FROM t WHERE x = 'y''z' -- tail",
		"SELECT $1 + $22 /* mid */ FROM t",
		"SELECT E'back\\'slash' FROM t",
		"SELECT $fn$body with 'quotes' and $1$fn$",
		"SELECT 1.5e-3, .25, 42",
	}
	for _, in := range inputs {
		tokens, err := Lex(in)
		require.NoError(t, err, "input: %q", in)
		assert.Equal(t, in, joinTokens(tokens), "input: %q", in)
	}
}
