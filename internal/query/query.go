// Package query implements the search-pattern language used by set
// definitions: field:value terms combined with AND, OR, NOT and
// parentheses. A compiled predicate serves two backends: direct in-memory
// matching of a record document (via CEL) and translation into a MongoDB
// filter for large-scale matching.
package query

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"go.mongodb.org/mongo-driver/bson"
)

// ErrInvalidSearchPattern is wrapped by all parse failures so callers can
// reject a bad pattern synchronously.
var ErrInvalidSearchPattern = errors.New("invalid search pattern")

// Predicate is a compiled search pattern.
type Predicate struct {
	root    node
	pattern string
}

// Compile parses a search pattern into a Predicate.
func Compile(pattern string) (*Predicate, error) {
	toks, err := lex(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSearchPattern, err)
	}
	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSearchPattern, err)
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %q", ErrInvalidSearchPattern, p.peek().text)
	}
	return &Predicate{root: root, pattern: pattern}, nil
}

// String returns the original pattern text.
func (p *Predicate) String() string { return p.pattern }

// CEL returns the predicate as a CEL expression over a variable `doc` of
// type map(string, dyn).
func (p *Predicate) CEL() string { return p.root.cel() }

// BSON returns the predicate as a MongoDB filter. fieldPrefix is prepended
// to every field name, so a store keeping record content under "data" passes
// "data.".
func (p *Predicate) BSON(fieldPrefix string) bson.M { return p.root.bson(fieldPrefix) }

type node interface {
	cel() string
	bson(prefix string) bson.M
}

type termNode struct {
	field string
	value string
}

func (n termNode) cel() string {
	f := strconv.Quote(n.field)
	return fmt.Sprintf("(%s in doc) && doc[%s] == %s", f, f, strconv.Quote(n.value))
}

func (n termNode) bson(prefix string) bson.M {
	return bson.M{prefix + n.field: n.value}
}

type andNode struct{ left, right node }

func (n andNode) cel() string {
	return fmt.Sprintf("(%s) && (%s)", n.left.cel(), n.right.cel())
}

func (n andNode) bson(prefix string) bson.M {
	return bson.M{"$and": bson.A{n.left.bson(prefix), n.right.bson(prefix)}}
}

type orNode struct{ left, right node }

func (n orNode) cel() string {
	return fmt.Sprintf("(%s) || (%s)", n.left.cel(), n.right.cel())
}

func (n orNode) bson(prefix string) bson.M {
	return bson.M{"$or": bson.A{n.left.bson(prefix), n.right.bson(prefix)}}
}

type notNode struct{ sub node }

func (n notNode) cel() string {
	return fmt.Sprintf("!(%s)", n.sub.cel())
}

func (n notNode) bson(prefix string) bson.M {
	return bson.M{"$nor": bson.A{n.sub.bson(prefix)}}
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokTerm
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
)

type token struct {
	kind  tokenKind
	text  string
	field string
	value string
}

func lex(input string) ([]token, error) {
	var toks []token
	runes := []rune(input)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{kind: tokLParen, text: "("})
			i++
		case r == ')':
			toks = append(toks, token{kind: tokRParen, text: ")"})
			i++
		default:
			start := i
			for i < len(runes) && !unicode.IsSpace(runes[i]) && runes[i] != '(' && runes[i] != ')' && runes[i] != ':' {
				i++
			}
			word := string(runes[start:i])
			if word == "" {
				return nil, fmt.Errorf("unexpected character %q", r)
			}
			if i >= len(runes) || runes[i] != ':' {
				switch strings.ToUpper(word) {
				case "AND":
					toks = append(toks, token{kind: tokAnd, text: word})
				case "OR":
					toks = append(toks, token{kind: tokOr, text: word})
				case "NOT":
					toks = append(toks, token{kind: tokNot, text: word})
				default:
					return nil, fmt.Errorf("bare word %q, expected field:value", word)
				}
				continue
			}
			i++ // consume ':'
			value, next, err := lexValue(runes, i)
			if err != nil {
				return nil, err
			}
			i = next
			toks = append(toks, token{kind: tokTerm, text: word + ":" + value, field: word, value: value})
		}
	}
	toks = append(toks, token{kind: tokEOF})
	return toks, nil
}

func lexValue(runes []rune, i int) (string, int, error) {
	if i >= len(runes) {
		return "", i, fmt.Errorf("missing value after ':'")
	}
	if runes[i] == '"' {
		i++
		var sb strings.Builder
		for i < len(runes) {
			switch runes[i] {
			case '\\':
				if i+1 >= len(runes) {
					return "", i, fmt.Errorf("unterminated escape in quoted value")
				}
				sb.WriteRune(runes[i+1])
				i += 2
			case '"':
				return sb.String(), i + 1, nil
			default:
				sb.WriteRune(runes[i])
				i++
			}
		}
		return "", i, fmt.Errorf("unterminated quoted value")
	}
	start := i
	for i < len(runes) && !unicode.IsSpace(runes[i]) && runes[i] != '(' && runes[i] != ')' {
		i++
	}
	if start == i {
		return "", i, fmt.Errorf("missing value after ':'")
	}
	return string(runes[start:i]), i, nil
}

// parser implements a recursive-descent grammar:
//
//	or    := and (OR and)*
//	and   := unary ((AND)? unary)*   — juxtaposition is implicit AND
//	unary := NOT unary | '(' or ')' | term
type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().kind {
		case tokAnd:
			p.next()
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			left = andNode{left: left, right: right}
		case tokNot, tokLParen, tokTerm:
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			left = andNode{left: left, right: right}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseUnary() (node, error) {
	switch t := p.next(); t.kind {
	case tokNot:
		sub, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{sub: sub}, nil
	case tokLParen:
		sub, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return sub, nil
	case tokTerm:
		return termNode{field: t.field, value: t.value}, nil
	case tokEOF:
		return nil, fmt.Errorf("empty pattern")
	default:
		return nil, fmt.Errorf("unexpected %q", t.text)
	}
}
