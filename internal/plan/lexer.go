package plan

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
	tokDot
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of line"
	case tokIdent:
		return "identifier"
	case tokString:
		return "quoted string"
	case tokNumber:
		return "number"
	case tokOp:
		return "operator"
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	case tokLBracket:
		return "'['"
	case tokRBracket:
		return "']'"
	case tokComma:
		return "','"
	case tokDot:
		return "'.'"
	default:
		return "token"
	}
}

type token struct {
	kind tokenKind
	// text is the unquoted value for strings, the raw text otherwise.
	text string
	pos  int
	end  int
}

// lexer tokenizes a single statement line on demand, so a caller can stop
// early and take the raw remainder of the line.
type lexer struct {
	src string
	pos int
}

func newLexer(src string) *lexer {
	return &lexer{src: src}
}

// rest returns the untokenized remainder starting at offset.
func (l *lexer) rest(offset int) string {
	if offset >= len(l.src) {
		return ""
	}
	return l.src[offset:]
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[l.pos:])
		if !unicode.IsSpace(r) {
			break
		}
		l.pos += size
	}
	start := l.pos
	if start >= len(l.src) {
		return token{kind: tokEOF, pos: start, end: start}, nil
	}

	c := l.src[start]
	switch {
	case c == '(':
		return l.single(tokLParen), nil
	case c == ')':
		return l.single(tokRParen), nil
	case c == '[':
		return l.single(tokLBracket), nil
	case c == ']':
		return l.single(tokRBracket), nil
	case c == ',':
		return l.single(tokComma), nil
	case c == '.':
		return l.single(tokDot), nil
	case c == '"' || c == '\'':
		return l.quoted(c)
	case c == '>' || c == '<' || c == '=' || c == '!':
		return l.operator()
	case c == '-' || c == '+' || isDigit(c):
		return l.number(), nil
	case c == '_' || isLetter(c):
		return l.ident(), nil
	default:
		return token{}, fmt.Errorf("unexpected character %q at offset %d", c, start)
	}
}

func (l *lexer) single(kind tokenKind) token {
	t := token{kind: kind, text: l.src[l.pos : l.pos+1], pos: l.pos, end: l.pos + 1}
	l.pos++
	return t
}

func (l *lexer) quoted(q byte) (token, error) {
	start := l.pos
	i := start + 1
	for i < len(l.src) {
		switch l.src[i] {
		case '\\':
			if i+1 < len(l.src) && l.src[i+1] == q {
				i += 2
				continue
			}
		case q:
			raw := l.src[start : i+1]
			l.pos = i + 1
			// Contents are taken as written; only an escaped quote is unescaped.
			text := strings.ReplaceAll(raw[1:len(raw)-1], `\`+string(q), string(q))
			return token{kind: tokString, text: text, pos: start, end: l.pos}, nil
		}
		i++
	}
	return token{}, fmt.Errorf("unterminated string starting at offset %d", start)
}

func (l *lexer) operator() (token, error) {
	start := l.pos
	two := ""
	if start+2 <= len(l.src) {
		two = l.src[start : start+2]
	}
	switch two {
	case ">=", "<=", "==", "!=":
		l.pos += 2
		return token{kind: tokOp, text: two, pos: start, end: l.pos}, nil
	}
	switch c := l.src[start]; c {
	case '>', '<':
		l.pos++
		return token{kind: tokOp, text: string(c), pos: start, end: l.pos}, nil
	default:
		return token{}, fmt.Errorf("unknown operator %q at offset %d", c, start)
	}
}

func (l *lexer) number() token {
	start := l.pos
	l.pos++
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if !isDigit(c) && !strings.ContainsRune(".eE+-_", rune(c)) {
			break
		}
		l.pos++
	}
	return token{kind: tokNumber, text: l.src[start:l.pos], pos: start, end: l.pos}
}

func (l *lexer) ident() token {
	start := l.pos
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c != '_' && !isLetter(c) && !isDigit(c) {
			break
		}
		l.pos++
	}
	return token{kind: tokIdent, text: l.src[start:l.pos], pos: start, end: l.pos}
}

func isDigit(c byte) bool  { return c >= '0' && c <= '9' }
func isLetter(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
