package translate

import (
	"fmt"
	"strings"
)

// CopyFormat is the data format of a COPY transfer.
type CopyFormat int

const (
	CopyText CopyFormat = iota
	CopyCSV
	CopyBinary
)

func (f CopyFormat) String() string {
	switch f {
	case CopyCSV:
		return "csv"
	case CopyBinary:
		return "binary"
	default:
		return "text"
	}
}

// CopyOptions carries the recognized WITH-clause options.
type CopyOptions struct {
	Format    CopyFormat
	Header    bool
	Delimiter byte
	Null      string
	Quote     byte
	Escape    byte
}

func defaultCopyOptions() CopyOptions {
	return CopyOptions{Format: CopyText, Delimiter: '\t', Null: `\N`, Quote: '"', Escape: '"'}
}

// CopyStmt is a parsed COPY statement. For COPY (query) TO STDOUT the
// Query field holds the inner query and Table is empty.
type CopyStmt struct {
	Table   string
	Columns []string
	Query   string
	Options CopyOptions
}

// translateCopy parses COPY ... FROM STDIN / TO STDOUT. COPY to or from a
// server-side file is refused.
func (t *Translator) translateCopy(tokens []Token, sig []int) (*Result, error) {
	p := &copyParser{tokens: tokens, sig: sig, i: 1} // past COPY
	stmt := &CopyStmt{Options: defaultCopyOptions()}

	var err error
	isQuery := false
	if p.peekType() == TokenLParen {
		stmt.Query, err = p.parenGroupText()
		if err != nil {
			return nil, err
		}
		isQuery = true
	} else {
		stmt.Table, err = p.qualifiedName()
		if err != nil {
			return nil, err
		}
		if p.peekType() == TokenLParen {
			stmt.Columns, err = p.columnList()
			if err != nil {
				return nil, err
			}
		}
	}

	dir := strings.ToUpper(p.ident())
	target := strings.ToUpper(p.ident())
	class := ClassCopyIn
	switch {
	case dir == "FROM" && target == "STDIN" && !isQuery:
		class = ClassCopyIn
	case dir == "TO" && target == "STDOUT":
		class = ClassCopyOut
	default:
		return nil, fmt.Errorf("%w: COPY must use FROM STDIN or TO STDOUT", ErrUnsupported)
	}

	if up := strings.ToUpper(p.ident()); up == "WITH" {
		if err := p.options(&stmt.Options); err != nil {
			return nil, err
		}
	} else if up != "" && up != ";" {
		return nil, &MalformedError{p.pos(), fmt.Sprintf("unexpected %q in COPY", up)}
	}

	// The inner query of COPY (query) TO STDOUT goes through the direct
	// pipeline so identifier folding and friends still apply.
	if stmt.Query != "" {
		inner, err := t.Translate(stmt.Query, nil)
		if err != nil {
			return nil, err
		}
		if inner.Class != ClassDirect && inner.Class != ClassCatalog {
			return nil, &MalformedError{0, "COPY query must be a plain query"}
		}
		stmt.Query = inner.SQL
	}

	return &Result{Class: class, Copy: stmt}, nil
}

type copyParser struct {
	tokens []Token
	sig    []int
	i      int
}

func (p *copyParser) peekType() TokenType {
	if p.i >= len(p.sig) {
		return TokenSemicolon
	}
	return p.tokens[p.sig[p.i]].Type
}

func (p *copyParser) pos() int {
	if p.i >= len(p.sig) {
		return -1
	}
	return p.tokens[p.sig[p.i]].Pos
}

func (p *copyParser) next() (Token, bool) {
	if p.i >= len(p.sig) {
		return Token{}, false
	}
	tk := p.tokens[p.sig[p.i]]
	p.i++
	return tk, true
}

// ident returns the next token's text, or "" at end of statement.
func (p *copyParser) ident() string {
	tk, ok := p.next()
	if !ok || tk.Type == TokenSemicolon {
		return ""
	}
	return tk.Text
}

// qualifiedName consumes schema.table, folding unquoted parts.
func (p *copyParser) qualifiedName() (string, error) {
	var parts []string
	for {
		tk, ok := p.next()
		if !ok {
			return "", &MalformedError{-1, "missing table name in COPY"}
		}
		switch tk.Type {
		case TokenIdent:
			parts = append(parts, strings.ToUpper(tk.Text))
		case TokenQuotedIdent:
			parts = append(parts, tk.Text)
		default:
			return "", &MalformedError{tk.Pos, "invalid table name in COPY"}
		}
		if p.peekType() != TokenDot {
			return strings.Join(parts, "."), nil
		}
		p.next() // dot
	}
}

func (p *copyParser) columnList() ([]string, error) {
	p.next() // (
	var cols []string
	for {
		tk, ok := p.next()
		if !ok {
			return nil, &MalformedError{-1, "unterminated column list in COPY"}
		}
		switch tk.Type {
		case TokenIdent:
			cols = append(cols, strings.ToUpper(tk.Text))
		case TokenQuotedIdent:
			cols = append(cols, tk.Text)
		default:
			return nil, &MalformedError{tk.Pos, "invalid column name in COPY"}
		}
		sep, ok := p.next()
		if !ok {
			return nil, &MalformedError{-1, "unterminated column list in COPY"}
		}
		if sep.Type == TokenRParen {
			return cols, nil
		}
		if sep.Type != TokenComma {
			return nil, &MalformedError{sep.Pos, "expected , or ) in COPY column list"}
		}
	}
}

// parenGroupText returns the raw text between a balanced paren pair.
func (p *copyParser) parenGroupText() (string, error) {
	open := p.tokens[p.sig[p.i]]
	depth := 0
	startByte := -1
	for ; p.i < len(p.sig); p.i++ {
		tk := p.tokens[p.sig[p.i]]
		switch tk.Type {
		case TokenLParen:
			if depth == 0 {
				startByte = p.sig[p.i]
			}
			depth++
		case TokenRParen:
			depth--
			if depth == 0 {
				var sb strings.Builder
				for _, t := range p.tokens[startByte+1 : p.sig[p.i]] {
					sb.WriteString(t.Text)
				}
				p.i++
				return strings.TrimSpace(sb.String()), nil
			}
		}
	}
	return "", &MalformedError{open.Pos, "unterminated ( in COPY"}
}

// options parses the parenthesized WITH-option list.
func (p *copyParser) options(opts *CopyOptions) error {
	if p.peekType() != TokenLParen {
		return &MalformedError{p.pos(), "expected ( after WITH in COPY"}
	}
	p.next()

	for {
		tk, ok := p.next()
		if !ok {
			return &MalformedError{-1, "unterminated COPY options"}
		}
		if tk.Type == TokenRParen {
			return nil
		}
		if tk.Type == TokenComma {
			continue
		}
		if tk.Type != TokenIdent {
			return &MalformedError{tk.Pos, "expected option name in COPY"}
		}

		switch strings.ToUpper(tk.Text) {
		case "FORMAT":
			v, _ := p.next()
			switch strings.ToUpper(v.Text) {
			case "CSV":
				opts.Format = CopyCSV
				opts.Delimiter = ','
				opts.Null = ""
			case "TEXT":
				opts.Format = CopyText
			case "BINARY":
				opts.Format = CopyBinary
			default:
				return &MalformedError{v.Pos, fmt.Sprintf("unknown COPY format %q", v.Text)}
			}
		case "HEADER":
			opts.Header = true
			if p.peekType() == TokenIdent {
				v, _ := p.next()
				switch strings.ToLower(v.Text) {
				case "true", "on":
					opts.Header = true
				case "false", "off":
					opts.Header = false
				default:
					// Not a bool: it was the next option name.
					p.i--
				}
			}
		case "DELIMITER":
			c, err := p.charOption("DELIMITER")
			if err != nil {
				return err
			}
			opts.Delimiter = c
		case "NULL":
			v, ok := p.next()
			if !ok || v.Type != TokenString {
				return &MalformedError{v.Pos, "NULL option requires a string"}
			}
			opts.Null = unquoteString(v.Text)
		case "QUOTE":
			c, err := p.charOption("QUOTE")
			if err != nil {
				return err
			}
			opts.Quote = c
		case "ESCAPE":
			c, err := p.charOption("ESCAPE")
			if err != nil {
				return err
			}
			opts.Escape = c
		default:
			return fmt.Errorf("%w: COPY option %s", ErrUnsupported, tk.Text)
		}
	}
}

func (p *copyParser) charOption(name string) (byte, error) {
	v, ok := p.next()
	if !ok || v.Type != TokenString {
		return 0, &MalformedError{v.Pos, name + " option requires a one-character string"}
	}
	s := unquoteString(v.Text)
	if len(s) != 1 {
		return 0, &MalformedError{v.Pos, name + " must be a single character"}
	}
	return s[0], nil
}

// unquoteString strips the surrounding quotes of a string token and
// resolves doubled quotes.
func unquoteString(text string) string {
	inner := text[1 : len(text)-1]
	return strings.ReplaceAll(inner, "''", "'")
}
