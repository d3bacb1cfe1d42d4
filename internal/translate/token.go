package translate

import (
	"fmt"
	"strings"
)

// TokenType classifies a lexed SQL fragment. The lexer is loss-free: the
// concatenation of all token texts reproduces the input byte-for-byte,
// which is what lets the rewrite stages leave string literals and
// comments untouched.
type TokenType int

const (
	TokenWhitespace TokenType = iota
	TokenComment
	TokenIdent
	TokenQuotedIdent
	TokenString       // includes the surrounding quotes
	TokenDollarString // includes the $tag$ delimiters
	TokenNumber
	TokenParam // $1, $2, ...
	TokenOperator
	TokenComma
	TokenLParen
	TokenRParen
	TokenSemicolon
	TokenDot
)

// Token is one lexed fragment with its byte offset in the original SQL.
type Token struct {
	Type TokenType
	Text string
	Pos  int
}

// MalformedError reports unlexable SQL with the byte position of the
// problem, surfaced to clients as a syntax error.
type MalformedError struct {
	Position int
	Reason   string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed SQL at byte %d: %s", e.Position, e.Reason)
}

const operatorChars = "+-*/<>=~!@#%^&|`?"

// Lex tokenizes sql. Literals, comments and dollar-quoted strings are
// single tokens; everything else follows PostgreSQL lexical rules closely
// enough for rewriting (nested block comments are not supported).
func Lex(sql string) ([]Token, error) {
	var tokens []Token
	i := 0
	n := len(sql)

	for i < n {
		start := i
		c := sql[i]

		switch {
		case isSpace(c):
			for i < n && isSpace(sql[i]) {
				i++
			}
			tokens = append(tokens, Token{TokenWhitespace, sql[start:i], start})

		case c == '-' && i+1 < n && sql[i+1] == '-':
			for i < n && sql[i] != '\n' {
				i++
			}
			tokens = append(tokens, Token{TokenComment, sql[start:i], start})

		case c == '/' && i+1 < n && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				return nil, &MalformedError{start, "unterminated block comment"}
			}
			i += 2 + end + 2
			tokens = append(tokens, Token{TokenComment, sql[start:i], start})

		case c == '\'':
			escapeBackslash := prevIsEscapePrefix(tokens)
			j, err := scanString(sql, i, escapeBackslash)
			if err != nil {
				return nil, err
			}
			i = j
			tokens = append(tokens, Token{TokenString, sql[start:i], start})

		case c == '"':
			j, err := scanQuotedIdent(sql, i)
			if err != nil {
				return nil, err
			}
			i = j
			tokens = append(tokens, Token{TokenQuotedIdent, sql[start:i], start})

		case c == '$':
			if i+1 < n && isDigit(sql[i+1]) {
				i++
				for i < n && isDigit(sql[i]) {
					i++
				}
				tokens = append(tokens, Token{TokenParam, sql[start:i], start})
				break
			}
			j, ok := scanDollarString(sql, i)
			if !ok {
				return nil, &MalformedError{start, "unterminated dollar-quoted string"}
			}
			i = j
			tokens = append(tokens, Token{TokenDollarString, sql[start:i], start})

		case isIdentStart(c):
			for i < n && isIdentPart(sql[i]) {
				i++
			}
			tokens = append(tokens, Token{TokenIdent, sql[start:i], start})

		case isDigit(c) || (c == '.' && i+1 < n && isDigit(sql[i+1])):
			for i < n && (isDigit(sql[i]) || sql[i] == '.' || sql[i] == 'e' || sql[i] == 'E' ||
				((sql[i] == '+' || sql[i] == '-') && (sql[i-1] == 'e' || sql[i-1] == 'E'))) {
				i++
			}
			tokens = append(tokens, Token{TokenNumber, sql[start:i], start})

		case c == ',':
			i++
			tokens = append(tokens, Token{TokenComma, ",", start})

		case c == '(':
			i++
			tokens = append(tokens, Token{TokenLParen, "(", start})

		case c == ')':
			i++
			tokens = append(tokens, Token{TokenRParen, ")", start})

		case c == ';':
			i++
			tokens = append(tokens, Token{TokenSemicolon, ";", start})

		case c == '.':
			i++
			tokens = append(tokens, Token{TokenDot, ".", start})

		case strings.IndexByte(operatorChars, c) >= 0:
			for i < n && strings.IndexByte(operatorChars, sql[i]) >= 0 {
				// Stop before a comment opener embedded in an operator run.
				if i+1 < n && ((sql[i] == '-' && sql[i+1] == '-') || (sql[i] == '/' && sql[i+1] == '*')) && i > start {
					break
				}
				i++
			}
			tokens = append(tokens, Token{TokenOperator, sql[start:i], start})

		case c == '[' || c == ']' || c == ':':
			i++
			tokens = append(tokens, Token{TokenOperator, sql[start:i], start})

		default:
			return nil, &MalformedError{start, fmt.Sprintf("unexpected byte %q", c)}
		}
	}

	return tokens, nil
}

// scanString consumes a single-quoted literal starting at sql[i] == '\''.
// Doubled quotes always escape; backslash escapes only in E'' strings.
func scanString(sql string, i int, escapeBackslash bool) (int, error) {
	start := i
	i++ // opening quote
	n := len(sql)
	for i < n {
		switch {
		case escapeBackslash && sql[i] == '\\':
			i += 2
		case sql[i] == '\'':
			if i+1 < n && sql[i+1] == '\'' {
				i += 2
				continue
			}
			return i + 1, nil
		default:
			i++
		}
	}
	return 0, &MalformedError{start, "unterminated string literal"}
}

func scanQuotedIdent(sql string, i int) (int, error) {
	start := i
	i++
	n := len(sql)
	for i < n {
		if sql[i] == '"' {
			if i+1 < n && sql[i+1] == '"' {
				i += 2
				continue
			}
			return i + 1, nil
		}
		i++
	}
	return 0, &MalformedError{start, "unterminated quoted identifier"}
}

// scanDollarString consumes $tag$ ... $tag$. Returns ok=false when the
// opener is not a valid dollar quote or the closer is missing.
func scanDollarString(sql string, i int) (int, bool) {
	n := len(sql)
	j := i + 1
	for j < n && (isIdentStart(sql[j]) || (j > i+1 && isDigit(sql[j]))) {
		j++
	}
	if j >= n || sql[j] != '$' {
		return 0, false
	}
	tag := sql[i : j+1]
	end := strings.Index(sql[j+1:], tag)
	if end < 0 {
		return 0, false
	}
	return j + 1 + end + len(tag), true
}

// prevIsEscapePrefix reports whether the immediately preceding token is a
// bare E/e with no separating whitespace, i.e. this is an E'' string.
func prevIsEscapePrefix(tokens []Token) bool {
	if len(tokens) == 0 {
		return false
	}
	t := tokens[len(tokens)-1]
	return t.Type == TokenIdent && (t.Text == "e" || t.Text == "E")
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= 0x80
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '$'
}

// joinTokens reassembles SQL text from tokens.
func joinTokens(tokens []Token) string {
	var sb strings.Builder
	for _, t := range tokens {
		sb.WriteString(t.Text)
	}
	return sb.String()
}

// stripTrivia returns the indexes of tokens that are neither whitespace
// nor comments, in order.
func stripTrivia(tokens []Token) []int {
	idx := make([]int, 0, len(tokens))
	for i, t := range tokens {
		if t.Type != TokenWhitespace && t.Type != TokenComment {
			idx = append(idx, i)
		}
	}
	return idx
}
