package translate

import (
	"strings"
)

// rewriteDirect runs the DirectQuery pipeline. Stages run over the token
// stream in a fixed order; each is idempotent and so is the composition.
func (t *Translator) rewriteDirect(tokens []Token, paramOIDs []uint32) (*Result, error) {
	r := &Result{Class: ClassDirect}

	tokens, err := t.rewriteVectorOps(tokens, paramOIDs, r)
	if err != nil {
		return nil, err
	}
	t.hintToVectorCalls(tokens, r)
	tokens = rewritePlaceholders(tokens, r)
	tokens = foldIdentifiers(tokens)
	tokens = wrapDateLiterals(tokens)
	tokens = t.inlineCatalogFuncs(tokens)
	tokens = stripTrailingSemicolons(tokens)

	r.SQL = strings.TrimSpace(joinTokens(tokens))
	return r, nil
}

// rewritePlaceholders turns $n parameters into IRIS positional ? markers,
// recording the original index of each.
func rewritePlaceholders(tokens []Token, r *Result) []Token {
	for i, tk := range tokens {
		if tk.Type != TokenParam {
			continue
		}
		idx := 0
		for _, c := range tk.Text[1:] {
			idx = idx*10 + int(c-'0')
		}
		r.ParamMap = append(r.ParamMap, idx)
		tokens[i] = Token{TokenOperator, "?", tk.Pos}
	}
	return tokens
}

// foldIdentifiers uppercases unquoted identifiers; IRIS folds unquoted
// names to upper case where PostgreSQL folds to lower. Quoted identifiers
// pass through byte-identically.
func foldIdentifiers(tokens []Token) []Token {
	for i, tk := range tokens {
		if tk.Type == TokenIdent {
			tokens[i].Text = strings.ToUpper(tk.Text)
		}
	}
	return tokens
}

// wrapDateLiterals wraps complete 'YYYY-MM-DD' literals in value
// positions with TO_DATE so IRIS parses them as dates rather than
// strings. Literals inside longer text, comments, or outside value
// positions are left alone.
func wrapDateLiterals(tokens []Token) []Token {
	sig := stripTrivia(tokens)

	// Track whether each open paren introduces a value list (IN, VALUES)
	// so commas inside one count as value positions.
	valueParen := make(map[int]bool) // significant index of '(' -> value list
	var stack []int
	for si, ti := range sig {
		switch tokens[ti].Type {
		case TokenLParen:
			isValue := false
			if si > 0 {
				prev := tokens[sig[si-1]]
				if prev.Type == TokenIdent {
					switch strings.ToUpper(prev.Text) {
					case "IN", "VALUES":
						isValue = true
					}
				}
			}
			valueParen[si] = isValue
			stack = append(stack, si)
		case TokenRParen:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	// Second pass: rewrite. Recompute the paren stack as we go.
	stack = stack[:0]
	for si, ti := range sig {
		tk := tokens[ti]
		switch tk.Type {
		case TokenLParen:
			stack = append(stack, si)
			continue
		case TokenRParen:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			continue
		case TokenString:
		default:
			continue
		}

		inner := tk.Text
		if len(inner) != 12 || !isDateLiteral(inner[1:11]) {
			continue
		}
		if si == 0 {
			continue
		}
		if !inValuePosition(tokens, sig, si, stack, valueParen) {
			continue
		}
		tokens[ti].Text = "TO_DATE(" + tk.Text + ",'YYYY-MM-DD')"
	}
	return tokens
}

func inValuePosition(tokens []Token, sig []int, si int, stack []int, valueParen map[int]bool) bool {
	prev := tokens[sig[si-1]]

	// Never rewrap: the literal is already the first argument of TO_DATE.
	if prev.Type == TokenLParen && si >= 2 {
		before := tokens[sig[si-2]]
		if before.Type == TokenIdent && strings.EqualFold(before.Text, "TO_DATE") {
			return false
		}
	}

	switch prev.Type {
	case TokenOperator:
		return strings.ContainsAny(prev.Text, "<>=")
	case TokenIdent:
		up := strings.ToUpper(prev.Text)
		if up == "BETWEEN" {
			return true
		}
		if up == "AND" {
			// Only the AND that closes a BETWEEN range puts the literal
			// in value position; a boolean AND does not.
			return betweenPending(tokens, sig, si-1)
		}
		return false
	case TokenLParen:
		return valueParen[si-1]
	case TokenComma:
		// Comma counts only inside a value list.
		return len(stack) > 0 && valueParen[stack[len(stack)-1]]
	}
	return false
}

// betweenPending reports whether the AND at significant index ai closes a
// BETWEEN predicate. It scans left at the same paren depth; a BETWEEN
// reached before any other connective means the AND supplies the range's
// upper bound.
func betweenPending(tokens []Token, sig []int, ai int) bool {
	depth := 0
	for i := ai - 1; i >= 0; i-- {
		tk := tokens[sig[i]]
		switch tk.Type {
		case TokenRParen:
			depth++
		case TokenLParen:
			if depth == 0 {
				return false
			}
			depth--
		case TokenComma, TokenSemicolon:
			if depth == 0 {
				return false
			}
		case TokenIdent:
			if depth != 0 {
				continue
			}
			switch strings.ToUpper(tk.Text) {
			case "BETWEEN":
				return true
			case "AND", "OR", "NOT", "WHERE", "ON", "HAVING",
				"WHEN", "THEN", "ELSE", "SELECT", "SET", "VALUES":
				return false
			}
		}
	}
	return false
}

func isDateLiteral(s string) bool {
	if len(s) != 10 || s[4] != '-' || s[7] != '-' {
		return false
	}
	for i, c := range []byte(s) {
		if i == 4 || i == 7 {
			continue
		}
		if !isDigit(c) {
			return false
		}
	}
	return true
}

// inlineCatalogFuncs replaces PostgreSQL information functions that can
// appear inside larger queries with constant expressions.
func (t *Translator) inlineCatalogFuncs(tokens []Token) []Token {
	var out []Token
	sigNext := func(from int) int {
		for j := from; j < len(tokens); j++ {
			if tokens[j].Type != TokenWhitespace && tokens[j].Type != TokenComment {
				return j
			}
		}
		return -1
	}

	for i := 0; i < len(tokens); i++ {
		tk := tokens[i]
		if tk.Type != TokenIdent {
			out = append(out, tk)
			continue
		}

		var repl string
		switch strings.ToLower(tk.Text) {
		case "version":
			repl = "'PostgreSQL " + t.cfg.ServerVersion + " (IRIS gateway)'"
		case "current_database":
			repl = "'" + t.cfg.DatabaseName + "'"
		case "current_schema":
			repl = "'" + t.cfg.SchemaName + "'"
		default:
			out = append(out, tk)
			continue
		}

		// Only rewrite a call: ident followed by ( ).
		j := sigNext(i + 1)
		if j < 0 || tokens[j].Type != TokenLParen {
			out = append(out, tk)
			continue
		}
		k := sigNext(j + 1)
		if k < 0 || tokens[k].Type != TokenRParen {
			out = append(out, tk)
			continue
		}
		out = append(out, Token{TokenString, repl, tk.Pos})
		i = k
	}
	return out
}

// stripTrailingSemicolons removes any run of trailing semicolons and the
// whitespace around them; IRIS rejects them.
func stripTrailingSemicolons(tokens []Token) []Token {
	end := len(tokens)
	for end > 0 {
		t := tokens[end-1]
		if t.Type == TokenWhitespace || t.Type == TokenComment || t.Type == TokenSemicolon {
			end--
			continue
		}
		break
	}
	return tokens[:end]
}
