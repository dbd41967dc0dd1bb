// Package matcher finds order codes inside free-text bank transfer memos.
//
// Memos are normalized first: accents stripped, upper-cased, anything that is not a
// letter or digit turned into a separator. A code then matches a token when the token
// is the code itself or ends with it (buyers often glue a prefix on, e.g. "REFORD7K...").
// A token that contains the code but keeps going is reported as ambiguous instead of
// accepted, since it may belong to a longer code.
package matcher

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

type Kind int

const (
	None Kind = iota
	Exact
	Ambiguous
)

func (k Kind) String() string {
	switch k {
	case Exact:
		return "exact"
	case Ambiguous:
		return "ambiguous"
	default:
		return "none"
	}
}

type Result struct {
	Kind   Kind
	Token  string // token yang match, setelah normalisasi
	Reason string // diisi kalau Ambiguous
}

// Matcher decides whether memo refers to code.
type Matcher interface {
	Match(memo, code string) Result
	Candidates(memo string) []string
}

// TokenMatcher is the default Matcher.
type TokenMatcher struct {
	// Prefix every order code starts with, e.g. "ORD".
	Prefix string
}

func New(prefix string) *TokenMatcher { return &TokenMatcher{Prefix: strings.ToUpper(prefix)} }

// Normalize folds memo into upper-case ASCII-ish tokens separated by single spaces.
func Normalize(memo string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, memo)
	if err != nil {
		folded = memo
	}
	folded = strings.ToUpper(folded)
	return strings.Join(strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), " ")
}

func (m *TokenMatcher) Match(memo, code string) Result {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return Result{}
	}
	flat := Normalize(memo)

	var res Result
	for _, tok := range strings.Fields(flat) {
		i := strings.Index(tok, code)
		if i < 0 {
			continue
		}
		if i+len(code) == len(tok) {
			return Result{Kind: Exact, Token: tok}
		}
		res = Result{Kind: Ambiguous, Token: tok, Reason: "token extends past order code"}
	}
	if res.Kind != None {
		return res
	}

	// kode terpotong spasi ("ORD 7KQ2 M9XA")
	if strings.Contains(strings.ReplaceAll(flat, " ", ""), code) {
		return Result{Kind: Ambiguous, Token: code, Reason: "order code split across tokens"}
	}
	return Result{}
}

var codeBody = regexp.MustCompile(`^[0-9A-Z]{4,12}$`)

// Candidates lists every code-shaped token in memo, prefix glued or not, in order of
// appearance and without duplicates. Each prefix occurrence inside a token is tried,
// so a code whose body happens to contain the prefix again ("ORD2ORD3456") still
// yields its full form.
func (m *TokenMatcher) Candidates(memo string) []string {
	if m.Prefix == "" {
		return nil
	}
	var out []string
	seen := map[string]bool{}
	for _, tok := range strings.Fields(Normalize(memo)) {
		for off := 0; off < len(tok); {
			i := strings.Index(tok[off:], m.Prefix)
			if i < 0 {
				break
			}
			c := tok[off+i:]
			off += i + 1
			if !codeBody.MatchString(c[len(m.Prefix):]) || seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}
