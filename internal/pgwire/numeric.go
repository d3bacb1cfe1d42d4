package pgwire

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// PostgreSQL numeric binary format: int16 digit count, int16 weight,
// uint16 sign, uint16 display scale, then base-10000 digits most
// significant first. weight is the exponent (in units of 10^4) of the
// first digit.
const (
	numericPos = 0x0000
	numericNeg = 0x4000
	numericNaN = 0xC000
)

func encodeNumericBinary(d decimal.Decimal) []byte {
	sign := uint16(numericPos)
	if d.Sign() < 0 {
		sign = numericNeg
		d = d.Neg()
	}

	s := d.String()
	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}
	dscale := uint16(len(fracPart))

	// Pad both sides to whole base-10000 groups.
	for len(intPart)%4 != 0 {
		intPart = "0" + intPart
	}
	for len(fracPart)%4 != 0 {
		fracPart += "0"
	}

	var digits []uint16
	for i := 0; i < len(intPart); i += 4 {
		digits = append(digits, parseGroup(intPart[i:i+4]))
	}
	weight := int16(len(digits) - 1)
	for i := 0; i < len(fracPart); i += 4 {
		digits = append(digits, parseGroup(fracPart[i:i+4]))
	}

	// Strip leading zero groups, adjusting weight.
	for len(digits) > 0 && digits[0] == 0 {
		digits = digits[1:]
		weight--
	}
	// Strip trailing zero groups; dscale already records display digits.
	for len(digits) > 0 && digits[len(digits)-1] == 0 {
		digits = digits[:len(digits)-1]
	}
	if len(digits) == 0 {
		weight = 0
	}

	out := make([]byte, 0, 8+2*len(digits))
	out = binary.BigEndian.AppendUint16(out, uint16(len(digits)))
	out = binary.BigEndian.AppendUint16(out, uint16(weight))
	out = binary.BigEndian.AppendUint16(out, sign)
	out = binary.BigEndian.AppendUint16(out, dscale)
	for _, dg := range digits {
		out = binary.BigEndian.AppendUint16(out, dg)
	}
	return out
}

func decodeNumericBinary(data []byte) (decimal.Decimal, error) {
	if len(data) < 8 {
		return decimal.Decimal{}, fmt.Errorf("pgwire: numeric payload too short: %d", len(data))
	}
	ndigits := int(binary.BigEndian.Uint16(data[0:2]))
	weight := int(int16(binary.BigEndian.Uint16(data[2:4])))
	sign := binary.BigEndian.Uint16(data[4:6])
	dscale := int(binary.BigEndian.Uint16(data[6:8]))

	if sign == numericNaN {
		return decimal.Decimal{}, fmt.Errorf("pgwire: numeric NaN is not supported")
	}
	if len(data) != 8+2*ndigits {
		return decimal.Decimal{}, fmt.Errorf("pgwire: numeric payload length %d does not match %d digits", len(data), ndigits)
	}

	var sb strings.Builder
	if sign == numericNeg {
		sb.WriteByte('-')
	}

	// Integer groups cover weight+1 positions, counted from the first digit.
	if weight < 0 {
		sb.WriteByte('0')
	} else {
		for i := 0; i <= weight; i++ {
			g := uint16(0)
			if i < ndigits {
				g = binary.BigEndian.Uint16(data[8+2*i:])
			}
			if i == 0 {
				fmt.Fprintf(&sb, "%d", g)
			} else {
				fmt.Fprintf(&sb, "%04d", g)
			}
		}
	}

	if dscale > 0 {
		sb.WriteByte('.')
		var frac strings.Builder
		for i := weight + 1; frac.Len() < dscale; i++ {
			g := uint16(0)
			if i >= 0 && i < ndigits {
				g = binary.BigEndian.Uint16(data[8+2*i:])
			}
			fmt.Fprintf(&frac, "%04d", g)
		}
		// Zero groups between the decimal point and the first stored
		// digit fall out of the i < 0 case above; trim to display scale.
		fracStr := frac.String()
		if len(fracStr) > dscale {
			fracStr = fracStr[:dscale]
		}
		sb.WriteString(fracStr)
	}

	return decimal.NewFromString(sb.String())
}

func parseGroup(s string) uint16 {
	var n uint16
	for i := 0; i < len(s); i++ {
		n = n*10 + uint16(s[i]-'0')
	}
	return n
}
