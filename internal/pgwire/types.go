package pgwire

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Canonical Go representations per OID:
//
//	int2/int4/int8/oid  int64
//	float4/float8       float64
//	numeric             decimal.Decimal
//	bool                bool
//	text/varchar/bpchar/json/jsonb/name  string
//	bytea               []byte
//	date/timestamp/timestamptz           time.Time
//	time                time.Duration (since midnight)
//	uuid                uuid.UUID
//	vector              []float32
//
// A nil value means SQL NULL and is handled by the caller (NULL has no
// wire payload, only a -1 length).

var pgEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	dateFormat        = "2006-01-02"
	timestampFormat   = "2006-01-02 15:04:05.999999"
	timestamptzFormat = "2006-01-02 15:04:05.999999-07"
)

// EncodeText renders a value in PostgreSQL's canonical text format.
func EncodeText(oid uint32, v any) ([]byte, error) {
	switch oid {
	case OIDInt2, OIDInt4, OIDInt8, OIDOID:
		n, err := asInt64(v)
		if err != nil {
			return nil, err
		}
		return strconv.AppendInt(nil, n, 10), nil
	case OIDFloat4:
		f, err := asFloat64(v)
		if err != nil {
			return nil, err
		}
		return strconv.AppendFloat(nil, f, 'g', -1, 32), nil
	case OIDFloat8:
		f, err := asFloat64(v)
		if err != nil {
			return nil, err
		}
		return strconv.AppendFloat(nil, f, 'g', -1, 64), nil
	case OIDNumeric:
		d, err := asDecimal(v)
		if err != nil {
			return nil, err
		}
		return []byte(d.String()), nil
	case OIDBool:
		b, ok := v.(bool)
		if !ok {
			return nil, typeErr(oid, v)
		}
		if b {
			return []byte{'t'}, nil
		}
		return []byte{'f'}, nil
	case OIDText, OIDVarchar, OIDBpchar, OIDJSON, OIDJSONB, OIDName:
		s, err := asString(v)
		if err != nil {
			return nil, err
		}
		return []byte(s), nil
	case OIDBytea:
		b, ok := v.([]byte)
		if !ok {
			return nil, typeErr(oid, v)
		}
		out := make([]byte, 2+hex.EncodedLen(len(b)))
		out[0], out[1] = '\\', 'x'
		hex.Encode(out[2:], b)
		return out, nil
	case OIDDate:
		t, ok := v.(time.Time)
		if !ok {
			return nil, typeErr(oid, v)
		}
		return []byte(t.Format(dateFormat)), nil
	case OIDTime:
		d, ok := v.(time.Duration)
		if !ok {
			return nil, typeErr(oid, v)
		}
		return []byte(formatTimeOfDay(d)), nil
	case OIDTimestamp:
		t, ok := v.(time.Time)
		if !ok {
			return nil, typeErr(oid, v)
		}
		return []byte(t.Format(timestampFormat)), nil
	case OIDTimestamptz:
		t, ok := v.(time.Time)
		if !ok {
			return nil, typeErr(oid, v)
		}
		return []byte(t.Format(timestamptzFormat)), nil
	case OIDUUID:
		u, ok := v.(uuid.UUID)
		if !ok {
			return nil, typeErr(oid, v)
		}
		return []byte(u.String()), nil
	default:
		if vec, ok := v.([]float32); ok {
			return []byte(FormatVector(vec)), nil
		}
		s, err := asString(v)
		if err != nil {
			return nil, err
		}
		return []byte(s), nil
	}
}

// DecodeText parses PostgreSQL canonical text format into the canonical Go
// representation for the OID.
func DecodeText(oid uint32, data []byte) (any, error) {
	s := string(data)
	switch oid {
	case OIDInt2, OIDInt4, OIDInt8, OIDOID:
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, decodeErr(oid, err)
		}
		return n, nil
	case OIDFloat4, OIDFloat8:
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, decodeErr(oid, err)
		}
		return f, nil
	case OIDNumeric:
		d, err := decimal.NewFromString(strings.TrimSpace(s))
		if err != nil {
			return nil, decodeErr(oid, err)
		}
		return d, nil
	case OIDBool:
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "t", "true", "1", "yes", "on":
			return true, nil
		case "f", "false", "0", "no", "off":
			return false, nil
		}
		return nil, decodeErr(oid, fmt.Errorf("invalid bool %q", s))
	case OIDText, OIDVarchar, OIDBpchar, OIDJSON, OIDJSONB, OIDName:
		return s, nil
	case OIDBytea:
		if strings.HasPrefix(s, `\x`) {
			b, err := hex.DecodeString(s[2:])
			if err != nil {
				return nil, decodeErr(oid, err)
			}
			return b, nil
		}
		return []byte(s), nil
	case OIDDate:
		t, err := time.ParseInLocation(dateFormat, s, time.UTC)
		if err != nil {
			return nil, decodeErr(oid, err)
		}
		return t, nil
	case OIDTime:
		d, err := parseTimeOfDay(s)
		if err != nil {
			return nil, decodeErr(oid, err)
		}
		return d, nil
	case OIDTimestamp:
		t, err := time.ParseInLocation(timestampFormat[:len("2006-01-02 15:04:05")], s[:min(len(s), 19)], time.UTC)
		if err != nil {
			return nil, decodeErr(oid, err)
		}
		if len(s) > 20 && s[19] == '.' {
			frac, err := strconv.ParseFloat("0"+s[19:], 64)
			if err != nil {
				return nil, decodeErr(oid, err)
			}
			t = t.Add(time.Duration(frac * float64(time.Second)))
		}
		return t, nil
	case OIDTimestamptz:
		t, err := time.Parse(timestamptzFormat, s)
		if err != nil {
			// Some clients send a full numeric zone offset.
			t, err = time.Parse("2006-01-02 15:04:05.999999-07:00", s)
		}
		if err != nil {
			return nil, decodeErr(oid, err)
		}
		return t.UTC(), nil
	case OIDUUID:
		u, err := uuid.Parse(strings.TrimSpace(s))
		if err != nil {
			return nil, decodeErr(oid, err)
		}
		return u, nil
	default:
		return s, nil
	}
}

// EncodeBinary renders a value in PostgreSQL's big-endian binary format.
func EncodeBinary(oid uint32, v any) ([]byte, error) {
	switch oid {
	case OIDInt2:
		n, err := asInt64(v)
		if err != nil {
			return nil, err
		}
		if n < math.MinInt16 || n > math.MaxInt16 {
			return nil, fmt.Errorf("pgwire: %d out of int2 range", n)
		}
		return binary.BigEndian.AppendUint16(nil, uint16(int16(n))), nil
	case OIDInt4, OIDOID:
		n, err := asInt64(v)
		if err != nil {
			return nil, err
		}
		if oid == OIDInt4 && (n < math.MinInt32 || n > math.MaxInt32) {
			return nil, fmt.Errorf("pgwire: %d out of int4 range", n)
		}
		return binary.BigEndian.AppendUint32(nil, uint32(int32(n))), nil
	case OIDInt8:
		n, err := asInt64(v)
		if err != nil {
			return nil, err
		}
		return binary.BigEndian.AppendUint64(nil, uint64(n)), nil
	case OIDFloat4:
		f, err := asFloat64(v)
		if err != nil {
			return nil, err
		}
		return binary.BigEndian.AppendUint32(nil, math.Float32bits(float32(f))), nil
	case OIDFloat8:
		f, err := asFloat64(v)
		if err != nil {
			return nil, err
		}
		return binary.BigEndian.AppendUint64(nil, math.Float64bits(f)), nil
	case OIDNumeric:
		d, err := asDecimal(v)
		if err != nil {
			return nil, err
		}
		return encodeNumericBinary(d), nil
	case OIDBool:
		b, ok := v.(bool)
		if !ok {
			return nil, typeErr(oid, v)
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case OIDText, OIDVarchar, OIDBpchar, OIDJSON, OIDName:
		s, err := asString(v)
		if err != nil {
			return nil, err
		}
		return []byte(s), nil
	case OIDJSONB:
		s, err := asString(v)
		if err != nil {
			return nil, err
		}
		// jsonb binary format carries a 1-byte version header.
		return append([]byte{1}, s...), nil
	case OIDBytea:
		b, ok := v.([]byte)
		if !ok {
			return nil, typeErr(oid, v)
		}
		return b, nil
	case OIDDate:
		t, ok := v.(time.Time)
		if !ok {
			return nil, typeErr(oid, v)
		}
		days := int32(t.UTC().Truncate(24*time.Hour).Sub(pgEpoch) / (24 * time.Hour))
		return binary.BigEndian.AppendUint32(nil, uint32(days)), nil
	case OIDTime:
		d, ok := v.(time.Duration)
		if !ok {
			return nil, typeErr(oid, v)
		}
		return binary.BigEndian.AppendUint64(nil, uint64(d.Microseconds())), nil
	case OIDTimestamp, OIDTimestamptz:
		t, ok := v.(time.Time)
		if !ok {
			return nil, typeErr(oid, v)
		}
		micros := t.UTC().Sub(pgEpoch).Microseconds()
		return binary.BigEndian.AppendUint64(nil, uint64(micros)), nil
	case OIDUUID:
		u, ok := v.(uuid.UUID)
		if !ok {
			return nil, typeErr(oid, v)
		}
		b := u // copy
		return b[:], nil
	default:
		if vec, ok := v.([]float32); ok {
			return EncodeVectorBinary(vec), nil
		}
		return nil, typeErr(oid, v)
	}
}

// DecodeBinary is the inverse of EncodeBinary.
func DecodeBinary(oid uint32, data []byte) (any, error) {
	switch oid {
	case OIDInt2:
		if len(data) != 2 {
			return nil, lengthErr(oid, len(data))
		}
		return int64(int16(binary.BigEndian.Uint16(data))), nil
	case OIDInt4, OIDOID:
		if len(data) != 4 {
			return nil, lengthErr(oid, len(data))
		}
		return int64(int32(binary.BigEndian.Uint32(data))), nil
	case OIDInt8:
		if len(data) != 8 {
			return nil, lengthErr(oid, len(data))
		}
		return int64(binary.BigEndian.Uint64(data)), nil
	case OIDFloat4:
		if len(data) != 4 {
			return nil, lengthErr(oid, len(data))
		}
		return float64(math.Float32frombits(binary.BigEndian.Uint32(data))), nil
	case OIDFloat8:
		if len(data) != 8 {
			return nil, lengthErr(oid, len(data))
		}
		return math.Float64frombits(binary.BigEndian.Uint64(data)), nil
	case OIDNumeric:
		return decodeNumericBinary(data)
	case OIDBool:
		if len(data) != 1 {
			return nil, lengthErr(oid, len(data))
		}
		return data[0] != 0, nil
	case OIDText, OIDVarchar, OIDBpchar, OIDJSON, OIDName:
		return string(data), nil
	case OIDJSONB:
		if len(data) < 1 || data[0] != 1 {
			return nil, decodeErr(oid, fmt.Errorf("unknown jsonb version"))
		}
		return string(data[1:]), nil
	case OIDBytea:
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	case OIDDate:
		if len(data) != 4 {
			return nil, lengthErr(oid, len(data))
		}
		days := int32(binary.BigEndian.Uint32(data))
		return pgEpoch.AddDate(0, 0, int(days)), nil
	case OIDTime:
		if len(data) != 8 {
			return nil, lengthErr(oid, len(data))
		}
		return time.Duration(int64(binary.BigEndian.Uint64(data))) * time.Microsecond, nil
	case OIDTimestamp, OIDTimestamptz:
		if len(data) != 8 {
			return nil, lengthErr(oid, len(data))
		}
		micros := int64(binary.BigEndian.Uint64(data))
		return pgEpoch.Add(time.Duration(micros) * time.Microsecond), nil
	case OIDUUID:
		if len(data) != 16 {
			return nil, lengthErr(oid, len(data))
		}
		var u uuid.UUID
		copy(u[:], data)
		return u, nil
	default:
		if vec, err := DecodeVectorBinary(data); err == nil {
			return vec, nil
		}
		return string(data), nil
	}
}

func formatTimeOfDay(d time.Duration) string {
	micros := d.Microseconds()
	h := micros / 3_600_000_000
	m := micros / 60_000_000 % 60
	s := micros / 1_000_000 % 60
	frac := micros % 1_000_000
	if frac == 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return strings.TrimRight(fmt.Sprintf("%02d:%02d:%02d.%06d", h, m, s, frac), "0")
}

func parseTimeOfDay(s string) (time.Duration, error) {
	var h, m int
	var sec float64
	if _, err := fmt.Sscanf(s, "%d:%d:%f", &h, &m, &sec); err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", s, err)
	}
	if h < 0 || h > 24 || m < 0 || m > 59 || sec < 0 || sec >= 61 {
		return 0, fmt.Errorf("time %q out of range", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
		time.Duration(sec*float64(time.Second)), nil
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("pgwire: cannot encode %T as integer", v)
	}
}

func asFloat64(v any) (float64, error) {
	switch f := v.(type) {
	case float64:
		return f, nil
	case float32:
		return float64(f), nil
	case int64:
		return float64(f), nil
	default:
		return 0, fmt.Errorf("pgwire: cannot encode %T as float", v)
	}
}

func asString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	default:
		return "", fmt.Errorf("pgwire: cannot encode %T as text", v)
	}
}

func asDecimal(v any) (decimal.Decimal, error) {
	switch d := v.(type) {
	case decimal.Decimal:
		return d, nil
	case int64:
		return decimal.NewFromInt(d), nil
	case float64:
		return decimal.NewFromFloat(d), nil
	case string:
		return decimal.NewFromString(d)
	default:
		return decimal.Decimal{}, fmt.Errorf("pgwire: cannot encode %T as numeric", v)
	}
}

func typeErr(oid uint32, v any) error {
	return fmt.Errorf("pgwire: cannot encode %T as %s", v, TypeName(oid))
}

func decodeErr(oid uint32, err error) error {
	return fmt.Errorf("pgwire: decoding %s: %w", TypeName(oid), err)
}

func lengthErr(oid uint32, n int) error {
	return fmt.Errorf("pgwire: invalid %s payload length %d", TypeName(oid), n)
}
