package pgwire

// PostgreSQL type OIDs understood by the gateway. Values match the
// pg_type rows every PostgreSQL client ships with.
const (
	OIDBool        uint32 = 16
	OIDBytea       uint32 = 17
	OIDName        uint32 = 19
	OIDInt8        uint32 = 20
	OIDInt2        uint32 = 21
	OIDInt4        uint32 = 23
	OIDText        uint32 = 25
	OIDOID         uint32 = 26
	OIDJSON        uint32 = 114
	OIDFloat4      uint32 = 700
	OIDFloat8      uint32 = 701
	OIDBpchar      uint32 = 1042
	OIDVarchar     uint32 = 1043
	OIDDate        uint32 = 1082
	OIDTime        uint32 = 1083
	OIDTimestamp   uint32 = 1114
	OIDTimestamptz uint32 = 1184
	OIDNumeric     uint32 = 1700
	OIDUUID        uint32 = 2950
	OIDJSONB       uint32 = 3802

	// DefaultVectorOID is the vendor OID reported for IRIS VECTOR columns
	// when the deployment does not configure one.
	DefaultVectorOID uint32 = 16385
)

// Format codes from the Bind and RowDescription messages.
const (
	FormatText   int16 = 0
	FormatBinary int16 = 1
)

// TypeName returns the PostgreSQL name for an OID, used in catalog
// synthesis and error messages.
func TypeName(oid uint32) string {
	switch oid {
	case OIDBool:
		return "bool"
	case OIDBytea:
		return "bytea"
	case OIDName:
		return "name"
	case OIDInt8:
		return "int8"
	case OIDInt2:
		return "int2"
	case OIDInt4:
		return "int4"
	case OIDText:
		return "text"
	case OIDOID:
		return "oid"
	case OIDJSON:
		return "json"
	case OIDFloat4:
		return "float4"
	case OIDFloat8:
		return "float8"
	case OIDBpchar:
		return "bpchar"
	case OIDVarchar:
		return "varchar"
	case OIDDate:
		return "date"
	case OIDTime:
		return "time"
	case OIDTimestamp:
		return "timestamp"
	case OIDTimestamptz:
		return "timestamptz"
	case OIDNumeric:
		return "numeric"
	case OIDUUID:
		return "uuid"
	case OIDJSONB:
		return "jsonb"
	default:
		return "unknown"
	}
}

// TypeSize returns the fixed wire size for an OID, or -1 for
// variable-length types. Used to fill RowDescription.DataTypeSize.
func TypeSize(oid uint32) int16 {
	switch oid {
	case OIDBool:
		return 1
	case OIDInt2:
		return 2
	case OIDInt4, OIDFloat4, OIDDate, OIDOID:
		return 4
	case OIDInt8, OIDFloat8, OIDTime, OIDTimestamp, OIDTimestamptz:
		return 8
	case OIDUUID:
		return 16
	default:
		return -1
	}
}

// VarcharTypmod converts a declared character length into the typmod
// PostgreSQL reports for varchar/bpchar columns (length + 4 header bytes).
// Zero or negative lengths map to -1 (unlimited).
func VarcharTypmod(n int) int32 {
	if n <= 0 {
		return -1
	}
	return int32(n) + 4
}

// NumericTypmod packs precision and scale the way pg_attribute.atttypmod
// stores them for numeric columns.
func NumericTypmod(precision, scale int) int32 {
	if precision <= 0 {
		return -1
	}
	return (int32(precision)<<16 | int32(scale)&0xffff) + 4
}
