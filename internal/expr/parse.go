package expr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// Parse converts a reference string into a Node.
//
// The returned node is never nil. Malformed placeholders become Invalid
// nodes and are also reported through the error, so callers that only
// evaluate can ignore it while validators can surface it.
func Parse(ref string) (Node, error) {
	if !strings.Contains(ref, openDelim) {
		if isRawPath(ref) {
			return parseExpression(ref)
		}
		return &Literal{Value: ref}, nil
	}

	parts, err := splitTemplate(ref)
	// A string that is exactly one placeholder keeps its type.
	if single, ok := singlePlaceholder(parts); ok {
		node, perr := parseExpression(single.inner)
		return node, errors.Join(err, perr)
	}

	tmpl := &Template{}
	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for _, p := range parts {
		if !p.placeholder {
			tmpl.Parts = append(tmpl.Parts, &Text{Value: p.raw})
			continue
		}
		node, perr := parseExpression(p.inner)
		if perr != nil {
			errs = append(errs, perr)
		}
		tmpl.Parts = append(tmpl.Parts, node)
	}
	return tmpl, errors.Join(errs...)
}

// Validate reports every malformed placeholder in ref.
func Validate(ref string) error {
	_, err := Parse(ref)
	return err
}

// IsDynamic reports whether ref contains anything that needs resolution.
func IsDynamic(ref string) bool {
	return strings.Contains(ref, openDelim) || isRawPath(ref)
}

func isRawPath(s string) bool {
	return s == "$" || strings.HasPrefix(s, "$.") || strings.HasPrefix(s, "$[")
}

// singlePlaceholder returns the only placeholder when every other part is
// whitespace.
func singlePlaceholder(parts []templatePart) (templatePart, bool) {
	var found templatePart
	n := 0
	for _, p := range parts {
		if p.placeholder {
			found = p
			n++
			continue
		}
		if strings.TrimSpace(p.raw) != "" {
			return templatePart{}, false
		}
	}
	return found, n == 1
}

type templatePart struct {
	raw         string
	inner       string
	placeholder bool
}

// splitTemplate scans for {{ ... }} pairs. Quoted strings inside a
// placeholder may contain braces. An unterminated placeholder is kept as
// text.
func splitTemplate(s string) ([]templatePart, error) {
	var parts []templatePart
	var err error
	rest := s
	for rest != "" {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			parts = append(parts, templatePart{raw: rest})
			break
		}
		if start > 0 {
			parts = append(parts, templatePart{raw: rest[:start]})
		}
		end := findClose(rest, start+len(openDelim))
		if end < 0 {
			parts = append(parts, templatePart{raw: rest[start:]})
			err = fmt.Errorf("unterminated placeholder %q", rest[start:])
			break
		}
		parts = append(parts, templatePart{
			raw:         rest[start : end+len(closeDelim)],
			inner:       rest[start+len(openDelim) : end],
			placeholder: true,
		})
		rest = rest[end+len(closeDelim):]
	}
	return parts, err
}

func findClose(s string, from int) int {
	var quote byte
	for i := from; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case strings.HasPrefix(s[i:], closeDelim):
			return i
		}
	}
	return -1
}

// parser is a recursive-descent parser over one placeholder's tokens.
//
//	expr     := call | path | literal
//	call     := "fn" "." ident "(" [ expr { "," expr } ] ")"
//	path     := root { "." key | "[" ( number | string ) "]" }
//	root     := "$" | ident
//	literal  := number | string | "true" | "false" | "null"
//	number   := [ "-" ] digits [ "." digits ] [ ( "e" | "E" ) [ "+" | "-" ] digits ]
type parser struct {
	toks []token
	pos  int
}

func parseExpression(src string) (Node, error) {
	invalid := func(err error) (Node, error) {
		return &Invalid{Source: src, Reason: err.Error()}, fmt.Errorf("expression %q: %w", src, err)
	}

	toks, err := lex(src)
	if err != nil {
		return invalid(err)
	}
	p := &parser{toks: toks}
	node, err := p.parseExpr()
	if err != nil {
		return invalid(err)
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return invalid(fmt.Errorf("unexpected %s at %d", tok.kind, tok.pos))
	}
	return node, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	tok := p.toks[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) expect(kind tokenKind) (token, error) {
	tok := p.next()
	if tok.kind != kind {
		return tok, fmt.Errorf("expected %s, found %s at %d", kind, tok.kind, tok.pos)
	}
	return tok, nil
}

func (p *parser) parseExpr() (Node, error) {
	tok := p.peek()
	switch tok.kind {
	case tokNumber:
		p.next()
		return &Literal{Value: tok.num}, nil
	case tokString:
		p.next()
		// Quoted arguments may carry their own placeholders.
		if strings.Contains(tok.text, openDelim) {
			node, err := Parse(tok.text)
			return node, err
		}
		return &Literal{Value: tok.text}, nil
	case tokDollar:
		p.next()
		return p.parsePath(RootVariables, nil)
	case tokIdent:
		p.next()
		switch tok.text {
		case "true":
			return &Literal{Value: true}, nil
		case "false":
			return &Literal{Value: false}, nil
		case "null":
			return &Literal{Value: nil}, nil
		case "fn":
			return p.parseCall()
		case string(RootSteps), string(RootInput), string(RootEnv):
			return p.parsePath(Root(tok.text), nil)
		}
		// A bare identifier starts a variable path.
		return p.parsePath(RootVariables, []Segment{{Key: tok.text}})
	}
	return nil, fmt.Errorf("unexpected %s at %d", tok.kind, tok.pos)
}

func (p *parser) parseCall() (Node, error) {
	if _, err := p.expect(tokDot); err != nil {
		return nil, err
	}
	name, err := p.expect(tokIdent)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokLParen); err != nil {
		return nil, err
	}
	call := &Call{Name: name.text}
	if p.peek().kind == tokRParen {
		p.next()
		return call, nil
	}
	for {
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, arg)
		tok := p.next()
		switch tok.kind {
		case tokComma:
			continue
		case tokRParen:
			return call, nil
		default:
			return nil, fmt.Errorf("expected ',' or ')', found %s at %d", tok.kind, tok.pos)
		}
	}
}

func (p *parser) parsePath(root Root, segs []Segment) (Node, error) {
	path := &Path{Root: root, Segments: segs}
	for {
		switch p.peek().kind {
		case tokDot:
			p.next()
			tok := p.next()
			switch tok.kind {
			case tokIdent:
				path.Segments = append(path.Segments, Segment{Key: tok.text})
			case tokNumber:
				// "a.0.1" lexes its tail as the number 0.1.
				for _, k := range strings.Split(tok.text, ".") {
					path.Segments = append(path.Segments, keySegment(k))
				}
			default:
				return nil, fmt.Errorf("expected key after '.', found %s at %d", tok.kind, tok.pos)
			}
		case tokLBracket:
			p.next()
			tok := p.next()
			switch tok.kind {
			case tokNumber:
				path.Segments = append(path.Segments, keySegment(tok.text))
			case tokString:
				path.Segments = append(path.Segments, Segment{Key: tok.text})
			default:
				return nil, fmt.Errorf("expected index, found %s at %d", tok.kind, tok.pos)
			}
			if _, err := p.expect(tokRBracket); err != nil {
				return nil, err
			}
		default:
			if root != RootVariables && len(path.Segments) == 0 {
				return nil, fmt.Errorf("%s requires a path", root)
			}
			return path, nil
		}
	}
}

func keySegment(k string) Segment {
	if n, err := strconv.Atoi(k); err == nil && n >= 0 {
		return Segment{Key: k, Index: n, IsIndex: true}
	}
	return Segment{Key: k}
}
