// Package translate rewrites PostgreSQL-flavored SQL into IRIS-compatible
// SQL. Translation is a pure function of the statement text and declared
// parameter OIDs: no I/O, no shared mutable state beyond an internal LRU
// cache that is observable only through timing.
package translate

import (
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Class tags what kind of statement a translation produced.
type Class int

const (
	ClassEmpty Class = iota
	ClassDirect
	ClassTransaction
	ClassCatalog
	ClassCopyIn
	ClassCopyOut
)

// VerbKind identifies a transaction-control verb.
type VerbKind int

const (
	VerbNone VerbKind = iota
	VerbBegin
	VerbCommit
	VerbRollback
	VerbSavepoint
	VerbRelease
)

// Result is the outcome of translating one statement.
type Result struct {
	// SQL is the translated statement, ready for IRIS.
	SQL   string
	Class Class

	Verb  VerbKind
	Copy  *CopyStmt
	Probe *Probe

	// ParamMap maps positional ? placeholders in SQL to the 1-based $n
	// index they came from: ParamMap[i] is the $ index of the i-th ?.
	ParamMap []int

	// ParamHints carries inferred OIDs for parameters whose declared OID
	// was zero (index is the 1-based $ index minus one). Zero = no hint.
	ParamHints []uint32
}

// ErrUnsupported marks constructs the gateway deliberately refuses
// (reported to clients as SQLSTATE 0A000).
var ErrUnsupported = errors.New("unsupported construct")

// Config tunes the rewrite output. Zero values select the defaults below.
type Config struct {
	L2Func     string // function for the <-> operator
	CosineFunc string // function whose result is subtracted from 1 for <=>
	DotFunc    string // function negated for <#>
	VectorOID  uint32

	// Constants inlined for PostgreSQL catalog functions.
	ServerVersion string
	DatabaseName  string
	SchemaName    string

	CacheSize int
}

func (c *Config) applyDefaults() {
	if c.L2Func == "" {
		c.L2Func = "VECTOR_L2"
	}
	if c.CosineFunc == "" {
		c.CosineFunc = "VECTOR_COSINE"
	}
	if c.DotFunc == "" {
		c.DotFunc = "VECTOR_DOT_PRODUCT"
	}
	if c.ServerVersion == "" {
		c.ServerVersion = "14.2"
	}
	if c.DatabaseName == "" {
		c.DatabaseName = "USER"
	}
	if c.SchemaName == "" {
		c.SchemaName = "SQLUser"
	}
	if c.CacheSize == 0 {
		c.CacheSize = 512
	}
}

// Translator holds the rewrite configuration and cache. Safe for
// concurrent use.
type Translator struct {
	cfg   Config
	cache *lru.Cache[string, *Result]
}

// New builds a Translator.
func New(cfg Config) (*Translator, error) {
	cfg.applyDefaults()
	cache, err := lru.New[string, *Result](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating translation cache: %w", err)
	}
	return &Translator{cfg: cfg, cache: cache}, nil
}

// Translate rewrites one statement. paramOIDs are the client-declared
// parameter OIDs from Parse (may be empty or contain zeros).
func (t *Translator) Translate(sql string, paramOIDs []uint32) (*Result, error) {
	key := cacheKey(sql, paramOIDs)
	if r, ok := t.cache.Get(key); ok {
		return r, nil
	}

	r, err := t.translate(sql, paramOIDs)
	if err != nil {
		return nil, err
	}
	t.cache.Add(key, r)
	return r, nil
}

func (t *Translator) translate(sql string, paramOIDs []uint32) (*Result, error) {
	tokens, err := Lex(sql)
	if err != nil {
		return nil, err
	}

	sig := stripTrivia(tokens)
	if len(sig) == 0 {
		return &Result{Class: ClassEmpty}, nil
	}

	first := tokens[sig[0]]
	if first.Type == TokenIdent {
		switch strings.ToUpper(first.Text) {
		case "BEGIN", "START", "COMMIT", "ROLLBACK", "END", "SAVEPOINT", "RELEASE":
			return t.translateVerb(tokens, sig)
		case "COPY":
			return t.translateCopy(tokens, sig)
		}
	}

	if probe := detectProbe(tokens, sig); probe != nil {
		return &Result{SQL: strings.TrimSpace(sql), Class: ClassCatalog, Probe: probe}, nil
	}

	return t.rewriteDirect(tokens, paramOIDs)
}

// translateVerb normalizes transaction-control statements. BEGIN in all
// its spellings becomes START TRANSACTION with modifiers preserved.
func (t *Translator) translateVerb(tokens []Token, sig []int) (*Result, error) {
	verb := strings.ToUpper(tokens[sig[0]].Text)

	// Index of the first significant token after the verb phrase.
	rest := 1
	next := ""
	if len(sig) > 1 {
		next = strings.ToUpper(tokens[sig[1]].Text)
	}

	var kind VerbKind
	var out string
	switch verb {
	case "BEGIN":
		kind = VerbBegin
		out = "START TRANSACTION"
		if next == "WORK" || next == "TRANSACTION" {
			rest = 2
		}
	case "START":
		if next != "TRANSACTION" {
			return nil, &MalformedError{tokens[sig[0]].Pos, "expected TRANSACTION after START"}
		}
		kind = VerbBegin
		out = "START TRANSACTION"
		rest = 2
	case "COMMIT", "END":
		kind = VerbCommit
		out = "COMMIT"
		if next == "WORK" || next == "TRANSACTION" {
			rest = 2
		}
	case "ROLLBACK":
		kind = VerbRollback
		out = "ROLLBACK"
		if next == "WORK" || next == "TRANSACTION" {
			rest = 2
		}
	case "SAVEPOINT":
		kind = VerbSavepoint
		out = "SAVEPOINT"
	case "RELEASE":
		kind = VerbRelease
		out = "RELEASE SAVEPOINT"
		if next == "SAVEPOINT" {
			rest = 2
		}
	}

	// Preserve remaining modifiers (isolation level, read only, savepoint
	// names) with whitespace collapsed.
	var mods []string
	for _, i := range sig[rest:] {
		tk := tokens[i]
		if tk.Type == TokenSemicolon {
			break
		}
		mods = append(mods, tk.Text)
	}
	if len(mods) > 0 {
		out += " " + strings.Join(mods, " ")
	}

	return &Result{SQL: out, Class: ClassTransaction, Verb: kind}, nil
}

func cacheKey(sql string, oids []uint32) string {
	if len(oids) == 0 {
		return sql
	}
	var sb strings.Builder
	sb.WriteString(sql)
	for _, o := range oids {
		fmt.Fprintf(&sb, "\x00%d", o)
	}
	return sb.String()
}

// SplitStatements splits a Simple Query text on top-level semicolons,
// respecting literals, comments and dollar-quoted strings. Empty
// fragments are preserved so the caller can answer them with
// EmptyQueryResponse.
func SplitStatements(sql string) ([]string, error) {
	tokens, err := Lex(sql)
	if err != nil {
		return nil, err
	}

	var out []string
	var cur []Token
	for _, tk := range tokens {
		if tk.Type == TokenSemicolon {
			out = append(out, joinTokens(cur))
			cur = cur[:0]
			continue
		}
		cur = append(cur, tk)
	}
	if s := joinTokens(cur); strings.TrimSpace(s) != "" || len(out) == 0 {
		out = append(out, s)
	}
	return out, nil
}
