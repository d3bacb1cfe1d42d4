package backend

import (
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/irisgate/irisgate/internal/iris"
	"github.com/irisgate/irisgate/internal/pgwire"
)

// typeForColumn maps an IRIS column type to the PostgreSQL OID and type
// modifier reported in RowDescription.
func typeForColumn(m iris.ColumnMeta, vectorOID uint32) (oid uint32, typmod int32) {
	switch strings.ToUpper(m.TypeName) {
	case "BIT", "BOOLEAN":
		return pgwire.OIDBool, -1
	case "TINYINT", "SMALLINT":
		return pgwire.OIDInt2, -1
	case "INTEGER", "INT", "MEDIUMINT":
		return pgwire.OIDInt4, -1
	case "BIGINT":
		return pgwire.OIDInt8, -1
	case "REAL":
		return pgwire.OIDFloat4, -1
	case "DOUBLE", "FLOAT", "DOUBLE PRECISION":
		return pgwire.OIDFloat8, -1
	case "NUMERIC", "DECIMAL", "DEC", "MONEY", "SMALLMONEY":
		if m.Precision > 0 {
			return pgwire.OIDNumeric, pgwire.NumericTypmod(int(m.Precision), int(m.Scale))
		}
		return pgwire.OIDNumeric, -1
	case "DATE":
		return pgwire.OIDDate, -1
	case "TIME":
		return pgwire.OIDTime, -1
	case "TIMESTAMP", "TIMESTAMP2", "DATETIME", "DATETIME2", "SMALLDATETIME":
		return pgwire.OIDTimestamp, -1
	case "POSIXTIME":
		return pgwire.OIDTimestamptz, -1
	case "UNIQUEIDENTIFIER":
		return pgwire.OIDUUID, -1
	case "BINARY", "VARBINARY", "BINARY VARYING", "LONGVARBINARY", "RAW":
		return pgwire.OIDBytea, -1
	case "LONGVARCHAR", "TEXT", "CLOB", "NTEXT":
		return pgwire.OIDText, -1
	case "VECTOR", "EMBEDDING":
		return vectorOID, -1
	case "VARCHAR", "CHAR VARYING", "CHARACTER VARYING", "NVARCHAR":
		return pgwire.OIDVarchar, pgwire.VarcharTypmod(int(m.Precision))
	case "CHAR", "CHARACTER", "NCHAR":
		return pgwire.OIDBpchar, pgwire.VarcharTypmod(int(m.Precision))
	default:
		return pgwire.OIDText, -1
	}
}

// fieldsForColumns builds the RowDescription entries for a result set.
// formats may be empty (all text), hold one code for every column, or
// one code per column.
func fieldsForColumns(meta []iris.ColumnMeta, formats []int16, vectorOID uint32) ([]pgproto3.FieldDescription, []uint32) {
	fields := make([]pgproto3.FieldDescription, len(meta))
	oids := make([]uint32, len(meta))
	for i, m := range meta {
		oid, typmod := typeForColumn(m, vectorOID)
		oids[i] = oid
		fields[i] = pgproto3.FieldDescription{
			Name:         []byte(m.Name),
			DataTypeOID:  oid,
			DataTypeSize: pgwire.TypeSize(oid),
			TypeModifier: typmod,
			Format:       formatFor(formats, i),
		}
	}
	return fields, oids
}

// formatFor resolves the format code for column i per the Bind rules:
// none declared = text, one declared = applies to all, else positional.
func formatFor(formats []int16, i int) int16 {
	switch len(formats) {
	case 0:
		return pgwire.FormatText
	case 1:
		return formats[0]
	default:
		if i < len(formats) {
			return formats[i]
		}
		return pgwire.FormatText
	}
}
