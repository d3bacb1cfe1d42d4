package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irisgate/irisgate/internal/iris"
	"github.com/irisgate/irisgate/internal/pgwire"
)

type captureSink struct {
	rows [][][]byte
}

func (s *captureSink) WriteDataRow(values [][]byte) error {
	row := make([][]byte, len(values))
	copy(row, values)
	s.rows = append(s.rows, row)
	return nil
}

func TestExecuteQuery(t *testing.T) {
	stub := iris.NewStub(map[string]*iris.StubResult{
		"SELECT": {
			Cols: []iris.ColumnMeta{
				{Name: "ID", TypeName: "INTEGER"},
				{Name: "NAME", TypeName: "VARCHAR", Precision: 50},
			},
			Rows: [][]any{{int64(1), "alice"}, {int64(2), "bob"}},
		},
	})

	e := &Executor{}
	out, err := e.Execute(context.Background(), stub, "SELECT ID, NAME FROM USERS", nil, nil)
	require.NoError(t, err)
	require.NotNil(t, out.Cursor)
	defer out.Cursor.Close()

	fields := out.Cursor.Fields()
	require.Len(t, fields, 2)
	assert.Equal(t, pgwire.OIDInt4, fields[0].DataTypeOID)
	assert.Equal(t, pgwire.OIDVarchar, fields[1].DataTypeOID)
	assert.Equal(t, pgwire.VarcharTypmod(50), fields[1].TypeModifier)

	sink := &captureSink{}
	done, err := out.Cursor.Fetch(context.Background(), 0, sink)
	require.NoError(t, err)
	assert.True(t, done)
	require.Len(t, sink.rows, 2)
	assert.Equal(t, "1", string(sink.rows[0][0]))
	assert.Equal(t, "alice", string(sink.rows[0][1]))
	assert.Equal(t, "SELECT 2", out.Cursor.Tag())
}

func TestExecuteNonQuery(t *testing.T) {
	stub := iris.NewStub(map[string]*iris.StubResult{
		"INSERT": {Affected: 3},
		"UPDATE": {Affected: 1},
		"CREATE": {},
	})

	e := &Executor{}
	tests := []struct {
		sql string
		tag string
	}{
		{"INSERT INTO T (A) VALUES (1)", "INSERT 0 3"},
		{"UPDATE T SET A = 1", "UPDATE 1"},
		{"CREATE TABLE T (A INTEGER)", "CREATE TABLE"},
		{"START TRANSACTION", "BEGIN"},
	}
	for _, tc := range tests {
		out, err := e.Execute(context.Background(), stub, tc.sql, nil, nil)
		require.NoError(t, err, tc.sql)
		require.Nil(t, out.Cursor, tc.sql)
		assert.Equal(t, tc.tag, out.Tag, tc.sql)
	}
}

func TestFetchRowLimitSuspends(t *testing.T) {
	stub := iris.NewStub(map[string]*iris.StubResult{
		"SELECT": {
			Cols: []iris.ColumnMeta{{Name: "N", TypeName: "INTEGER"}},
			Rows: [][]any{{int64(1)}, {int64(2)}, {int64(3)}},
		},
	})

	e := &Executor{}
	out, err := e.Execute(context.Background(), stub, "SELECT N FROM T", nil, nil)
	require.NoError(t, err)
	defer out.Cursor.Close()

	sink := &captureSink{}
	done, err := out.Cursor.Fetch(context.Background(), 2, sink)
	require.NoError(t, err)
	assert.False(t, done, "limit hit should suspend")
	assert.Len(t, sink.rows, 2)

	done, err = out.Cursor.Fetch(context.Background(), 2, sink)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Len(t, sink.rows, 3)
	assert.Equal(t, "SELECT 3", out.Cursor.Tag())
}

func TestFetchHonorsCancellation(t *testing.T) {
	stub := iris.NewStub(map[string]*iris.StubResult{
		"SELECT": {
			Cols: []iris.ColumnMeta{{Name: "N", TypeName: "INTEGER"}},
			Rows: [][]any{{int64(1)}},
		},
	})

	e := &Executor{}
	out, err := e.Execute(context.Background(), stub, "SELECT N FROM T", nil, nil)
	require.NoError(t, err)
	defer out.Cursor.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = out.Cursor.Fetch(ctx, 0, &captureSink{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInlineParams(t *testing.T) {
	e := &Executor{}

	tests := []struct {
		name   string
		sql    string
		params []Param
		want   string
	}{
		{
			name:   "scalars",
			sql:    "SELECT * FROM T WHERE A = ? AND B = ?",
			params: []Param{{Value: int64(42), OID: pgwire.OIDInt8}, {Value: "hi", OID: pgwire.OIDText}},
			want:   "SELECT * FROM T WHERE A = 42 AND B = 'hi'",
		},
		{
			name:   "quote escaping",
			sql:    "INSERT INTO T (NAME) VALUES (?)",
			params: []Param{{Value: "O'Hara", OID: pgwire.OIDText}},
			want:   "INSERT INTO T (NAME) VALUES ('O''Hara')",
		},
		{
			name:   "null and bool",
			sql:    "UPDATE T SET A = ?, B = ? WHERE C = ?",
			params: []Param{{Value: nil, OID: pgwire.OIDText}, {Value: true, OID: pgwire.OIDBool}, {Value: false, OID: pgwire.OIDBool}},
			want:   "UPDATE T SET A = NULL, B = 1 WHERE C = 0",
		},
		{
			name:   "question mark inside literal untouched",
			sql:    "SELECT * FROM T WHERE A = '?' AND B = ?",
			params: []Param{{Value: int64(7), OID: pgwire.OIDInt4}},
			want:   "SELECT * FROM T WHERE A = '?' AND B = 7",
		},
		{
			name:   "date uses odbc escape",
			sql:    "SELECT * FROM T WHERE D = ?",
			params: []Param{{Value: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), OID: pgwire.OIDDate}},
			want:   "SELECT * FROM T WHERE D = {d '2024-01-15'}",
		},
		{
			name:   "timestamp uses odbc escape",
			sql:    "SELECT * FROM T WHERE TS = ?",
			params: []Param{{Value: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC), OID: pgwire.OIDTimestamp}},
			want:   "SELECT * FROM T WHERE TS = {ts '2024-01-15 10:30:00'}",
		},
		{
			name:   "vector becomes to_vector call",
			sql:    "SELECT VECTOR_L2(EMBEDDING,?) FROM T",
			params: []Param{{Value: []float32{1, 2.5, 3}, OID: pgwire.DefaultVectorOID}},
			want:   "SELECT VECTOR_L2(EMBEDDING,TO_VECTOR('[1,2.5,3]',FLOAT)) FROM T",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := e.inlineParams(tc.sql, tc.params)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestInlineParamsCountMismatch(t *testing.T) {
	e := &Executor{}
	_, err := e.inlineParams("SELECT ?", []Param{{Value: int64(1)}, {Value: int64(2)}})
	assert.Error(t, err)
	_, err = e.inlineParams("SELECT ?, ?", []Param{{Value: int64(1)}})
	assert.Error(t, err)
}

func TestEncodeValueNormalization(t *testing.T) {
	tests := []struct {
		name   string
		v      any
		oid    uint32
		format int16
		want   string
	}{
		{"bool from int64", int64(1), pgwire.OIDBool, pgwire.FormatText, "t"},
		{"bool from zero", int64(0), pgwire.OIDBool, pgwire.FormatText, "f"},
		{"date from string", "2024-01-15", pgwire.OIDDate, pgwire.FormatText, "2024-01-15"},
		{"numeric from string", "12.340", pgwire.OIDNumeric, pgwire.FormatText, "12.34"},
		{"int4 from string", "42", pgwire.OIDInt4, pgwire.FormatText, "42"},
		{"vector from string", "[1,2,3]", pgwire.DefaultVectorOID, pgwire.FormatText, "[1,2,3]"},
		{"time of day", time.Date(2000, 1, 1, 13, 45, 30, 0, time.UTC), pgwire.OIDTime, pgwire.FormatText, "13:45:30"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := encodeValue(tc.v, tc.oid, tc.format, pgwire.DefaultVectorOID)
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(got))
		})
	}

	null, err := encodeValue(nil, pgwire.OIDText, pgwire.FormatText, pgwire.DefaultVectorOID)
	require.NoError(t, err)
	assert.Nil(t, null)
}

func TestReturnsRows(t *testing.T) {
	assert.True(t, returnsRows("SELECT 1"))
	assert.True(t, returnsRows("  select 1"))
	assert.True(t, returnsRows("WITH X AS (SELECT 1) SELECT * FROM X"))
	assert.True(t, returnsRows("CALL MYPROC()"))
	assert.False(t, returnsRows("INSERT INTO T VALUES (1)"))
	assert.False(t, returnsRows("UPDATE T SET A = 1"))
	assert.False(t, returnsRows(""))
}

func TestCommandTag(t *testing.T) {
	assert.Equal(t, "INSERT 0 5", commandTag("INSERT INTO T VALUES (1)", 5))
	assert.Equal(t, "DELETE 2", commandTag("DELETE FROM T", 2))
	assert.Equal(t, "DROP TABLE", commandTag("DROP TABLE T", 0))
	assert.Equal(t, "TRUNCATE", commandTag("TRUNCATE T", 0))
	assert.Equal(t, "SET", commandTag("SET OPTION X = 1", 0))
}

func TestTypeForColumn(t *testing.T) {
	tests := []struct {
		typeName string
		want     uint32
	}{
		{"INTEGER", pgwire.OIDInt4},
		{"BIGINT", pgwire.OIDInt8},
		{"SMALLINT", pgwire.OIDInt2},
		{"BIT", pgwire.OIDBool},
		{"DOUBLE", pgwire.OIDFloat8},
		{"NUMERIC", pgwire.OIDNumeric},
		{"DATE", pgwire.OIDDate},
		{"TIMESTAMP", pgwire.OIDTimestamp},
		{"POSIXTIME", pgwire.OIDTimestamptz},
		{"UNIQUEIDENTIFIER", pgwire.OIDUUID},
		{"LONGVARBINARY", pgwire.OIDBytea},
		{"LONGVARCHAR", pgwire.OIDText},
		{"VECTOR", pgwire.DefaultVectorOID},
		{"VARCHAR", pgwire.OIDVarchar},
		{"SOMETHING_ELSE", pgwire.OIDText},
	}
	for _, tc := range tests {
		oid, _ := typeForColumn(iris.ColumnMeta{TypeName: tc.typeName}, pgwire.DefaultVectorOID)
		assert.Equal(t, tc.want, oid, tc.typeName)
	}
}
