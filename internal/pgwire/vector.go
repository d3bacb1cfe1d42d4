package pgwire

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// pgvector wire formats. Text is a bracketed float list; binary is a
// uint16 dimension, uint16 reserved flags word, then float32 elements.

// FormatVector renders a vector in pgvector text format: [x,y,z].
func FormatVector(vec []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

// ParseVector accepts the encodings clients are known to bind vector
// parameters with: pgvector text ("[1,2,3]"), a bare comma list
// ("1,2,3"), a JSON array, or base64-encoded little-endian float32s.
func ParseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("pgwire: empty vector literal")
	}

	trimmed := strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if looksLikeFloatList(trimmed) {
		return parseFloatList(trimmed)
	}

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw)%4 != 0 || len(raw) == 0 {
		return nil, fmt.Errorf("pgwire: unrecognized vector literal %.40q", s)
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vec, nil
}

// EncodeVectorBinary renders the pgvector binary format.
func EncodeVectorBinary(vec []float32) []byte {
	out := make([]byte, 4, 4+4*len(vec))
	binary.BigEndian.PutUint16(out[0:2], uint16(len(vec)))
	// bytes 2..4 are the unused flags word
	for _, f := range vec {
		out = binary.BigEndian.AppendUint32(out, math.Float32bits(f))
	}
	return out
}

// DecodeVectorBinary is the inverse of EncodeVectorBinary.
func DecodeVectorBinary(data []byte) ([]float32, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("pgwire: vector payload too short: %d", len(data))
	}
	dim := int(binary.BigEndian.Uint16(data[0:2]))
	if len(data) != 4+4*dim {
		return nil, fmt.Errorf("pgwire: vector payload length %d does not match dimension %d", len(data), dim)
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.BigEndian.Uint32(data[4+4*i:]))
	}
	return vec, nil
}

func looksLikeFloatList(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == ',' || r == '.' || r == '-' || r == '+' || r == 'e' || r == 'E' || r == ' ' || r == '\t':
		default:
			return false
		}
	}
	return strings.ContainsAny(s, "0123456789")
}

func parseFloatList(s string) ([]float32, error) {
	parts := strings.Split(s, ",")
	vec := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("pgwire: invalid vector element %q: %w", p, err)
		}
		vec = append(vec, float32(f))
	}
	return vec, nil
}
