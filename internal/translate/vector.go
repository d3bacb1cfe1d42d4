package translate

import "strings"

// DefaultVectorOID is the synthetic type OID reported for vector columns
// when the configuration does not assign one.
const DefaultVectorOID uint32 = 16385

// pgvector operator spellings and their IRIS rewrites:
//
//	a <-> b   →  VECTOR_L2(a,b)
//	a <#> b   →  -VECTOR_DOT_PRODUCT(a,b)
//	a <=> b   →  1 - VECTOR_COSINE(a,b)
//
// Any $n parameter appearing as an operand (directly or inside a
// TO_VECTOR call) is hinted as a vector so the executor inlines its bound
// value as a literal instead of passing an oversized prepared-statement
// parameter to IRIS.

// rewriteVectorOps replaces pgvector distance operators with function
// calls. It runs before placeholder rewriting and identifier folding:
// operand tokens are spliced back into the stream, so the later stages
// still see them.
func (t *Translator) rewriteVectorOps(tokens []Token, paramOIDs []uint32, r *Result) ([]Token, error) {
	for {
		sig := stripTrivia(tokens)

		opSi := -1
		var fn string
		var form int // 0: fn(a,b), 1: -fn(a,b), 2: 1 - fn(a,b)
		for si, ti := range sig {
			if tokens[ti].Type != TokenOperator {
				continue
			}
			switch tokens[ti].Text {
			case "<->":
				opSi, fn, form = si, t.cfg.L2Func, 0
			case "<#>":
				opSi, fn, form = si, t.cfg.DotFunc, 1
			case "<=>":
				opSi, fn, form = si, t.cfg.CosineFunc, 2
			}
			if opSi >= 0 {
				break
			}
		}
		if opSi < 0 {
			return tokens, nil
		}

		leftStart, ok := operandStart(tokens, sig, opSi)
		if !ok {
			return nil, &MalformedError{tokens[sig[opSi]].Pos, "missing left operand for vector operator"}
		}
		rightEnd, ok := operandEnd(tokens, sig, opSi)
		if !ok {
			return nil, &MalformedError{tokens[sig[opSi]].Pos, "missing right operand for vector operator"}
		}

		t.hintVectorParams(tokens, sig, leftStart, rightEnd, r)

		pos := tokens[sig[leftStart]].Pos
		var repl []Token
		switch form {
		case 1:
			repl = append(repl, Token{TokenOperator, "-", pos})
		case 2:
			repl = append(repl,
				Token{TokenNumber, "1", pos},
				Token{TokenWhitespace, " ", pos},
				Token{TokenOperator, "-", pos},
				Token{TokenWhitespace, " ", pos})
		}
		repl = append(repl, Token{TokenIdent, fn, pos}, Token{TokenLParen, "(", pos})
		repl = append(repl, significantRange(tokens, sig, leftStart, opSi-1)...)
		repl = append(repl, Token{TokenComma, ",", pos})
		repl = append(repl, significantRange(tokens, sig, opSi+1, rightEnd)...)
		repl = append(repl, Token{TokenRParen, ")", pos})

		from, to := sig[leftStart], sig[rightEnd]
		spliced := make([]Token, 0, len(tokens)+len(repl))
		spliced = append(spliced, tokens[:from]...)
		spliced = append(spliced, repl...)
		spliced = append(spliced, tokens[to+1:]...)
		tokens = spliced
	}
}

// operandStart walks backwards from the operator to the start of its
// operand: a parenthesized group, optionally a function call, or a
// dotted identifier/parameter/literal chain.
func operandStart(tokens []Token, sig []int, opSi int) (int, bool) {
	i := opSi - 1
	if i < 0 {
		return 0, false
	}

	if tokens[sig[i]].Type == TokenRParen {
		depth := 0
		for ; i >= 0; i-- {
			switch tokens[sig[i]].Type {
			case TokenRParen:
				depth++
			case TokenLParen:
				depth--
			}
			if depth == 0 {
				break
			}
		}
		if i < 0 {
			return 0, false
		}
		// Function call: name before the group.
		if i > 0 && isOperandAtom(tokens[sig[i-1]]) {
			i--
		}
	} else if !isOperandAtom(tokens[sig[i]]) {
		return 0, false
	}

	// Dotted qualification: schema.table.column
	for i >= 2 && tokens[sig[i-1]].Type == TokenDot && isOperandAtom(tokens[sig[i-2]]) {
		i -= 2
	}
	return i, true
}

// operandEnd mirrors operandStart going forward.
func operandEnd(tokens []Token, sig []int, opSi int) (int, bool) {
	i := opSi + 1
	if i >= len(sig) {
		return 0, false
	}

	if tokens[sig[i]].Type == TokenLParen {
		depth := 0
		for ; i < len(sig); i++ {
			switch tokens[sig[i]].Type {
			case TokenLParen:
				depth++
			case TokenRParen:
				depth--
			}
			if depth == 0 {
				break
			}
		}
		if i >= len(sig) {
			return 0, false
		}
		return i, true
	}

	if !isOperandAtom(tokens[sig[i]]) {
		return 0, false
	}

	for i+2 < len(sig) && tokens[sig[i+1]].Type == TokenDot && isOperandAtom(tokens[sig[i+2]]) {
		i += 2
	}
	// Function call: group after the name.
	if i+1 < len(sig) && tokens[sig[i+1]].Type == TokenLParen {
		depth := 0
		j := i + 1
		for ; j < len(sig); j++ {
			switch tokens[sig[j]].Type {
			case TokenLParen:
				depth++
			case TokenRParen:
				depth--
			}
			if depth == 0 {
				break
			}
		}
		if j < len(sig) {
			i = j
		}
	}
	return i, true
}

func isOperandAtom(tk Token) bool {
	switch tk.Type {
	case TokenIdent, TokenQuotedIdent, TokenParam, TokenString, TokenDollarString, TokenNumber:
		return true
	}
	return false
}

func (t *Translator) hintVectorParams(tokens []Token, sig []int, fromSi, toSi int, r *Result) {
	oid := t.cfg.VectorOID
	if oid == 0 {
		oid = DefaultVectorOID
	}
	for si := fromSi; si <= toSi; si++ {
		tk := tokens[sig[si]]
		if tk.Type != TokenParam {
			continue
		}
		idx := 0
		for _, c := range tk.Text[1:] {
			idx = idx*10 + int(c-'0')
		}
		for len(r.ParamHints) < idx {
			r.ParamHints = append(r.ParamHints, 0)
		}
		r.ParamHints[idx-1] = oid
	}
}

// hintToVectorCalls hints parameters passed directly to TO_VECTOR, with
// or without a distance operator around the call.
func (t *Translator) hintToVectorCalls(tokens []Token, r *Result) {
	sig := stripTrivia(tokens)
	for si := 0; si+1 < len(sig); si++ {
		tk := tokens[sig[si]]
		if tk.Type != TokenIdent || !strings.EqualFold(tk.Text, "TO_VECTOR") {
			continue
		}
		if tokens[sig[si+1]].Type != TokenLParen {
			continue
		}
		depth := 0
		end := si + 1
		for ; end < len(sig); end++ {
			switch tokens[sig[end]].Type {
			case TokenLParen:
				depth++
			case TokenRParen:
				depth--
			}
			if depth == 0 {
				break
			}
		}
		if end < len(sig) {
			t.hintVectorParams(tokens, sig, si+1, end, r)
		}
	}
}

// significantRange copies the significant tokens in [fromSi, toSi],
// dropping the whitespace and comments between them.
func significantRange(tokens []Token, sig []int, fromSi, toSi int) []Token {
	out := make([]Token, 0, toSi-fromSi+1)
	for si := fromSi; si <= toSi; si++ {
		out = append(out, tokens[sig[si]])
	}
	return out
}
