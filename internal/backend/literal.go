package backend

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/irisgate/irisgate/internal/pgwire"
	"github.com/irisgate/irisgate/internal/translate"
)

// Param is one decoded statement parameter with the OID it was decoded
// under.
type Param struct {
	Value any
	OID   uint32
}

// inlineParams substitutes decoded parameter values into the translated
// SQL as IRIS literals, replacing the ? markers in order. IRIS receives
// plain literal SQL; nothing is prepared on the backend side.
func (e *Executor) inlineParams(sql string, params []Param) (string, error) {
	if len(params) == 0 {
		return sql, nil
	}
	tokens, err := translate.Lex(sql)
	if err != nil {
		return "", fmt.Errorf("relexing translated SQL: %w", err)
	}

	var sb strings.Builder
	sb.Grow(len(sql))
	next := 0
	for _, tk := range tokens {
		if tk.Type == translate.TokenOperator && tk.Text == "?" {
			if next >= len(params) {
				return "", fmt.Errorf("statement has more placeholders than parameters")
			}
			lit, err := e.literal(params[next])
			if err != nil {
				return "", err
			}
			sb.WriteString(lit)
			next++
			continue
		}
		sb.WriteString(tk.Text)
	}
	if next < len(params) {
		return "", fmt.Errorf("statement has %d placeholders for %d parameters", next, len(params))
	}
	return sb.String(), nil
}

// literal renders one parameter as an IRIS literal. Temporal values use
// ODBC escape sequences, which IRIS parses regardless of its date
// format settings.
func (e *Executor) literal(p Param) (string, error) {
	if p.Value == nil {
		return "NULL", nil
	}

	if p.OID == e.vectorOID() {
		vec, err := asVector(p.Value)
		if err != nil {
			return "", err
		}
		return "TO_VECTOR(" + quoteString(pgwire.FormatVector(vec)) + ",FLOAT)", nil
	}

	switch v := p.Value.(type) {
	case bool:
		if v {
			return "1", nil
		}
		return "0", nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int:
		return strconv.Itoa(v), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32), nil
	case decimal.Decimal:
		return v.String(), nil
	case string:
		return quoteString(v), nil
	case []byte:
		return "X'" + strings.ToUpper(hex.EncodeToString(v)) + "'", nil
	case uuid.UUID:
		return quoteString(v.String()), nil
	case time.Duration:
		return "{t " + quoteString(formatClock(v)) + "}", nil
	case time.Time:
		switch p.OID {
		case pgwire.OIDDate:
			return "{d " + quoteString(v.Format("2006-01-02")) + "}", nil
		default:
			return "{ts " + quoteString(v.Format("2006-01-02 15:04:05.999999")) + "}", nil
		}
	case []float32:
		return "TO_VECTOR(" + quoteString(pgwire.FormatVector(v)) + ",FLOAT)", nil
	default:
		return "", fmt.Errorf("cannot inline parameter of type %T", p.Value)
	}
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func formatClock(d time.Duration) string {
	d %= 24 * time.Hour
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func asVector(v any) ([]float32, error) {
	switch vec := v.(type) {
	case []float32:
		return vec, nil
	case string:
		return pgwire.ParseVector(vec)
	case []byte:
		return pgwire.ParseVector(string(vec))
	default:
		return nil, fmt.Errorf("cannot render %T as a vector", v)
	}
}
