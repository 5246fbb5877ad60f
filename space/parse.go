// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package space

import (
	"strconv"
	"strings"

	"github.com/ajroetker/perftune/cloop"
	"github.com/pkg/errors"
)

// ErrBadDomain is the cause of domain expression parse errors.
var ErrBadDomain = errors.New("malformed domain expression")

// Lets holds the domains bound by `let` statements, by name.
type Lets map[string]Domain

// ParseDomain parses a domain expression:
//
//	range(STOP) | range(START, STOP[, STEP])
//	[VALUE, ...]
//	product(DOMAIN, ...)
//	map(join|concat, DOMAIN)
//	NAME           (a let binding)
//	VALUE          (a singleton)
//
// Range bounds are integer expressions that may use let names bound to a single
// integer.
func ParseDomain(src string, lets Lets) (Domain, error) {
	toks, err := cloop.Tokenize(src)
	if err != nil {
		return nil, errors.Wrapf(ErrBadDomain, "%q: %v", src, err)
	}
	p := &domainParser{toks: toks, lets: lets, src: src}
	d, err := p.domain()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.Kind != cloop.TokenEOF {
		return nil, p.errorf("unexpected %q", t.Text)
	}
	return d, nil
}

type domainParser struct {
	toks []cloop.Token
	pos  int
	lets Lets
	src  string
}

func (p *domainParser) peek() cloop.Token { return p.toks[p.pos] }

func (p *domainParser) next() cloop.Token {
	t := p.toks[p.pos]
	if t.Kind != cloop.TokenEOF {
		p.pos++
	}
	return t
}

func (p *domainParser) isPunct(text string) bool {
	t := p.peek()
	return t.Kind == cloop.TokenPunct && t.Text == text
}

func (p *domainParser) expect(text string) error {
	if !p.isPunct(text) {
		return p.errorf("expected %q, found %q", text, p.peek().Text)
	}
	p.next()
	return nil
}

func (p *domainParser) errorf(format string, args ...any) error {
	return errors.Wrapf(ErrBadDomain, "%q: "+format, append([]any{p.src}, args...)...)
}

func (p *domainParser) domain() (Domain, error) {
	t := p.peek()
	switch {
	case t.Kind == cloop.TokenIdent && t.Text == "range" && p.toks[p.pos+1].Text == "(":
		return p.rangeDomain()
	case t.Kind == cloop.TokenIdent && t.Text == "product" && p.toks[p.pos+1].Text == "(":
		return p.product(Join)
	case t.Kind == cloop.TokenIdent && t.Text == "map" && p.toks[p.pos+1].Text == "(":
		p.next()
		p.next()
		fn := p.next()
		var c Combiner
		switch fn.Text {
		case "join":
			c = Join
		case "concat":
			c = Concat
		default:
			return nil, p.errorf("unknown map function %q", fn.Text)
		}
		if err := p.expect(","); err != nil {
			return nil, err
		}
		var d Domain
		var err error
		if p.peek().Text == "product" {
			d, err = p.product(c)
		} else {
			var inner Domain
			inner, err = p.domain()
			d = &Product{Domains: []Domain{inner}, Combiner: c}
		}
		if err != nil {
			return nil, err
		}
		return d, p.expect(")")
	case t.Kind == cloop.TokenPunct && t.Text == "[":
		p.next()
		var e Enum
		for !p.isPunct("]") {
			if len(e) > 0 {
				if err := p.expect(","); err != nil {
					return nil, err
				}
				if p.isPunct("]") { // Trailing comma.
					break
				}
			}
			v, err := p.value()
			if err != nil {
				return nil, err
			}
			e = append(e, v)
		}
		p.next()
		return e, nil
	case t.Kind == cloop.TokenIdent && !isKeywordValue(t.Text):
		p.next()
		d, ok := p.lets[t.Text]
		if !ok {
			return nil, p.errorf("undefined name %q", t.Text)
		}
		return &Ref{Name: t.Text, Domain: d}, nil
	}
	v, err := p.value()
	if err != nil {
		return nil, err
	}
	return Enum{v}, nil
}

func (p *domainParser) product(c Combiner) (Domain, error) {
	p.next() // product
	if err := p.expect("("); err != nil {
		return nil, err
	}
	prod := &Product{Combiner: c}
	for !p.isPunct(")") {
		if len(prod.Domains) > 0 {
			if err := p.expect(","); err != nil {
				return nil, err
			}
		}
		d, err := p.domain()
		if err != nil {
			return nil, err
		}
		prod.Domains = append(prod.Domains, d)
	}
	p.next()
	if len(prod.Domains) == 0 {
		return nil, p.errorf("product of nothing")
	}
	return prod, nil
}

func (p *domainParser) rangeDomain() (Domain, error) {
	p.next() // range
	p.next() // (
	var args []int64
	for {
		e, err := p.intExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, e)
		if p.isPunct(")") {
			p.next()
			break
		}
		if err := p.expect(","); err != nil {
			return nil, err
		}
	}
	r := Range{Step: 1}
	switch len(args) {
	case 1:
		r.Stop = args[0]
	case 2:
		r.Start, r.Stop = args[0], args[1]
	case 3:
		r.Start, r.Stop, r.Step = args[0], args[1], args[2]
	default:
		return nil, p.errorf("range takes 1 to 3 arguments, got %d", len(args))
	}
	if r.Step == 0 {
		return nil, p.errorf("range step must not be zero")
	}
	return r, nil
}

// intExpr collects the tokens of one range argument and evaluates them as a C
// integer expression with let-bound integers in scope.
func (p *domainParser) intExpr() (int64, error) {
	var parts []string
	depth := 0
	for {
		t := p.peek()
		if t.Kind == cloop.TokenEOF {
			return 0, p.errorf("unterminated range")
		}
		if t.Kind == cloop.TokenPunct {
			if depth == 0 && (t.Text == "," || t.Text == ")") {
				break
			}
			switch t.Text {
			case "(":
				depth++
			case ")":
				depth--
			}
		}
		parts = append(parts, t.Text)
		p.next()
	}
	e, err := cloop.ParseExpr(strings.Join(parts, " "))
	if err != nil {
		return 0, p.errorf("bad range bound: %v", err)
	}
	env := cloop.NewEnv(nil)
	for name, d := range p.lets {
		if d.Size() == 1 {
			if v := d.Values()[0]; v.Kind == KindInt {
				env.DefineScalar(name, cloop.TypeInt, cloop.IntValue(v.I))
			}
		}
	}
	v, err := cloop.NewInterp().Eval(env, e)
	if err != nil {
		return 0, p.errorf("bad range bound: %v", err)
	}
	if v.IsFloat {
		return 0, p.errorf("range bound %s is not an integer", cloop.FormatExpr(e))
	}
	return v.I, nil
}

func isKeywordValue(s string) bool {
	return s == "True" || s == "False" || s == "true" || s == "false"
}

func (p *domainParser) value() (Value, error) {
	neg := false
	if p.isPunct("-") {
		p.next()
		neg = true
	}
	t := p.next()
	switch t.Kind {
	case cloop.TokenInt:
		i, err := strconv.ParseInt(strings.TrimRight(t.Text, "lLuU"), 0, 64)
		if err != nil {
			return Value{}, p.errorf("bad integer %q", t.Text)
		}
		if neg {
			i = -i
		}
		return Int(i), nil
	case cloop.TokenFloat:
		f, err := strconv.ParseFloat(strings.TrimRight(t.Text, "fFlL"), 64)
		if err != nil {
			return Value{}, p.errorf("bad number %q", t.Text)
		}
		if neg {
			f = -f
		}
		return Float(f), nil
	case cloop.TokenString:
		if !neg {
			return String(t.Text), nil
		}
	case cloop.TokenIdent:
		if neg {
			break
		}
		switch t.Text {
		case "True", "true":
			return Bool(true), nil
		case "False", "false":
			return Bool(false), nil
		}
		if d, ok := p.lets[t.Text]; ok && d.Size() == 1 {
			return d.Values()[0], nil
		}
		return Value{}, p.errorf("%q is not a value", t.Text)
	}
	return Value{}, p.errorf("unexpected %q", t.Text)
}
