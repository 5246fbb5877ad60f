// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package annot

import (
	"strings"
	"time"

	"github.com/ajroetker/perftune/cloop"
	"github.com/ajroetker/perftune/space"
)

// Section names of a TSpec.
const (
	SectionBuild       = "build"
	SectionParams      = "performance_params"
	SectionCounter     = "performance_counter"
	SectionInputParams = "input_params"
	SectionInputVars   = "input_vars"
	SectionSearch      = "search"
)

// Performance counter methods.
const (
	MethodBasicTimer = "basic timer"
	MethodWallClock  = "wall clock"
	MethodCPUClock   = "cpu clock"
)

// Search algorithms.
const (
	AlgorithmExhaustive = "Exhaustive"
	AlgorithmRandom     = "Random"
)

// sectionArgs lists the `arg` names accepted per section.
var sectionArgs = map[string][]string{
	SectionBuild:       {"build_command", "libs", "batch_command", "status_command", "num_procs"},
	SectionCounter:     {"method", "repetitions"},
	SectionSearch:      {"algorithm", "total_runs", "time_limit", "prune_after", "seed"},
	SectionParams:      nil,
	SectionInputParams: nil,
	SectionInputVars:   nil,
}

type tspecParser struct {
	src  string
	toks []cloop.Token
	pos  int
	line int // Line of the first byte of src.

	spec *TuningSpec
	seen map[string]bool
}

// parseTuningSpec parses the argument text of a PerfTuning block. line is the
// source line where the text starts.
func parseTuningSpec(src string, line int) (*TuningSpec, error) {
	toks, err := cloop.Tokenize(src)
	if err != nil {
		return nil, malformed(line, "PerfTuning: %v", err)
	}
	p := &tspecParser{
		src:  src,
		toks: toks,
		line: line,
		spec: &TuningSpec{
			Lets:    space.Lets{},
			Counter: CounterSpec{Method: MethodBasicTimer, Repetitions: 1},
			Search:  SearchSpec{Algorithm: AlgorithmExhaustive},
		},
		seen: make(map[string]bool),
	}
	for p.peek().Kind != cloop.TokenEOF {
		t := p.next()
		switch {
		case t.Kind == cloop.TokenPunct && t.Text == ";":
		case t.Kind == cloop.TokenIdent && t.Text == "def":
			if err := p.section(); err != nil {
				return nil, err
			}
		case t.Kind == cloop.TokenIdent && t.Text == "let":
			if err := p.let(); err != nil {
				return nil, err
			}
		default:
			return nil, p.errorf(t, "expected def or let, found %q", t.Text)
		}
	}
	if p.seen[SectionBuild] {
		for _, required := range []string{SectionParams, SectionInputVars} {
			if !p.seen[required] {
				return nil, malformed(line, "PerfTuning block with def build must have def %s", required)
			}
		}
	}
	p.spec.HasBuild = p.seen[SectionBuild]
	return p.spec, nil
}

func (p *tspecParser) peek() cloop.Token { return p.toks[p.pos] }

func (p *tspecParser) next() cloop.Token {
	t := p.toks[p.pos]
	if t.Kind != cloop.TokenEOF {
		p.pos++
	}
	return t
}

func (p *tspecParser) isPunct(text string) bool {
	t := p.peek()
	return t.Kind == cloop.TokenPunct && t.Text == text
}

func (p *tspecParser) errorf(t cloop.Token, format string, args ...any) error {
	return malformed(p.line+t.Line-1, format, args...)
}

func (p *tspecParser) expect(text string) error {
	if !p.isPunct(text) {
		return p.errorf(p.peek(), "expected %q, found %q", text, p.peek().Text)
	}
	p.next()
	return nil
}

func (p *tspecParser) ident() (cloop.Token, error) {
	t := p.next()
	if t.Kind != cloop.TokenIdent {
		return t, p.errorf(t, "expected a name, found %q", t.Text)
	}
	return t, nil
}

// endStmt consumes the ';' ending a statement. It may be omitted before '}'.
func (p *tspecParser) endStmt() error {
	if p.isPunct("}") {
		return nil
	}
	return p.expect(";")
}

// exprText returns the source text up to the next ';' or '}' outside brackets.
func (p *tspecParser) exprText() (string, cloop.Token, error) {
	first := p.peek()
	depth := 0
	last, consumed := first, false
	for {
		t := p.peek()
		if t.Kind == cloop.TokenEOF {
			break
		}
		if t.Kind == cloop.TokenPunct {
			if depth == 0 && (t.Text == ";" || t.Text == "}") {
				break
			}
			switch t.Text {
			case "(", "[", "{":
				depth++
			case ")", "]", "}":
				depth--
			}
		}
		last, consumed = p.next(), true
	}
	if !consumed {
		return "", first, p.errorf(first, "missing expression")
	}
	return strings.TrimSpace(p.src[first.Pos:last.End]), first, nil
}

func (p *tspecParser) section() error {
	nameTok, err := p.ident()
	if err != nil {
		return err
	}
	name := nameTok.Text
	if _, ok := sectionArgs[name]; !ok {
		return p.errorf(nameTok, "unknown section %q", name)
	}
	if p.seen[name] {
		return p.errorf(nameTok, "duplicate section %q", name)
	}
	p.seen[name] = true
	if err := p.expect("{"); err != nil {
		return err
	}
	for !p.isPunct("}") {
		t := p.next()
		switch {
		case t.Kind == cloop.TokenEOF:
			return p.errorf(t, "section %s is not closed", name)
		case t.Kind == cloop.TokenPunct && t.Text == ";":
			continue
		case t.Kind != cloop.TokenIdent:
			return p.errorf(t, "unexpected %q in section %s", t.Text, name)
		}
		switch t.Text {
		case "let":
			err = p.let()
		case "arg":
			err = p.arg(name)
		case "param":
			err = p.param(t, name)
		case "constraint":
			err = p.constraint(t, name)
		case "decl":
			err = p.decl(t, name)
		default:
			err = p.errorf(t, "unknown statement %q in section %s", t.Text, name)
		}
		if err != nil {
			return err
		}
	}
	p.next()
	return nil
}

func (p *tspecParser) let() error {
	nameTok, err := p.ident()
	if err != nil {
		return err
	}
	if err := p.expect("="); err != nil {
		return err
	}
	text, at, err := p.exprText()
	if err != nil {
		return err
	}
	d, err := space.ParseDomain(text, p.spec.Lets)
	if err != nil {
		return p.errorf(at, "let %s: %v", nameTok.Text, err)
	}
	p.spec.Lets[nameTok.Text] = d
	return p.endStmt()
}

func (p *tspecParser) param(kw cloop.Token, section string) error {
	nameTok, err := p.ident()
	if err != nil {
		return err
	}
	if p.isPunct("[") {
		p.next()
		if err := p.expect("]"); err != nil {
			return err
		}
	}
	if err := p.expect("="); err != nil {
		return err
	}
	text, at, err := p.exprText()
	if err != nil {
		return err
	}
	d, err := space.ParseDomain(text, p.spec.Lets)
	if err != nil {
		return p.errorf(at, "param %s: %v", nameTok.Text, err)
	}
	prm := space.Param{Name: nameTok.Text, Domain: d}
	switch section {
	case SectionParams:
		p.spec.Params = append(p.spec.Params, prm)
	case SectionInputParams:
		p.spec.InputParams = append(p.spec.InputParams, prm)
	default:
		return p.errorf(kw, "param is not allowed in section %s", section)
	}
	return p.endStmt()
}

func (p *tspecParser) constraint(kw cloop.Token, section string) error {
	if section != SectionParams {
		return p.errorf(kw, "constraint is not allowed in section %s", section)
	}
	nameTok, err := p.ident()
	if err != nil {
		return err
	}
	if err := p.expect("="); err != nil {
		return err
	}
	text, at, err := p.exprText()
	if err != nil {
		return err
	}
	c, err := space.ParseConstraint(nameTok.Text, text)
	if err != nil {
		return p.errorf(at, "%v", err)
	}
	p.spec.Constraints = append(p.spec.Constraints, c)
	return p.endStmt()
}

// argValue parses an `arg` value, which must be a single value.
func (p *tspecParser) argValue(name string) (space.Value, error) {
	text, at, err := p.exprText()
	if err != nil {
		return space.Value{}, err
	}
	d, err := space.ParseDomain(text, p.spec.Lets)
	if err != nil {
		return space.Value{}, p.errorf(at, "arg %s: %v", name, err)
	}
	if d.Size() != 1 {
		return space.Value{}, p.errorf(at, "arg %s must have a single value, got %s", name, d)
	}
	return d.Values()[0], nil
}

func (p *tspecParser) arg(section string) error {
	nameTok, err := p.ident()
	if err != nil {
		return err
	}
	name := nameTok.Text
	allowed := false
	for _, a := range sectionArgs[section] {
		allowed = allowed || a == name
	}
	if !allowed {
		return p.errorf(nameTok, "unknown argument %q in section %s", name, section)
	}
	if err := p.expect("="); err != nil {
		return err
	}
	v, err := p.argValue(name)
	if err != nil {
		return err
	}
	integer := func() (int, error) {
		if v.Kind != space.KindInt || v.I < 0 {
			return 0, p.errorf(nameTok, "arg %s must be a non-negative integer, got %#v", name, v)
		}
		return int(v.I), nil
	}
	s := p.spec
	switch name {
	case "build_command":
		s.Build.Command = v.String()
	case "libs":
		s.Build.Libs = v.String()
	case "batch_command":
		s.Build.BatchCommand = v.String()
	case "status_command":
		s.Build.StatusCommand = v.String()
	case "num_procs":
		s.Build.NumProcs, err = integer()
	case "method":
		switch m := strings.ToLower(v.String()); m {
		case MethodBasicTimer, MethodWallClock, MethodCPUClock:
			s.Counter.Method = m
		default:
			err = p.errorf(nameTok, "unknown performance counter method %q", v.String())
		}
	case "repetitions":
		s.Counter.Repetitions, err = integer()
		if err == nil && s.Counter.Repetitions == 0 {
			err = p.errorf(nameTok, "repetitions must be positive")
		}
	case "algorithm":
		switch strings.ToLower(v.String()) {
		case "exhaustive":
			s.Search.Algorithm = AlgorithmExhaustive
		case "random":
			s.Search.Algorithm = AlgorithmRandom
		default:
			err = p.errorf(nameTok, "unknown search algorithm %q", v.String())
		}
	case "total_runs":
		s.Search.TotalRuns, err = integer()
	case "time_limit":
		var seconds float64
		switch v.Kind {
		case space.KindInt:
			seconds = float64(v.I)
		case space.KindFloat:
			seconds = v.F
		default:
			err = p.errorf(nameTok, "time_limit must be a number of seconds")
		}
		s.Search.TimeLimit = time.Duration(seconds * float64(time.Second))
	case "prune_after":
		s.Search.PruneAfter, err = integer()
	case "seed":
		if v.Kind != space.KindInt {
			err = p.errorf(nameTok, "seed must be an integer")
		}
		s.Search.Seed = v.I
	}
	if err != nil {
		return err
	}
	return p.endStmt()
}

// decl parses `decl [static|dynamic] TYPE NAME[SHAPE]... [= INIT]`.
func (p *tspecParser) decl(kw cloop.Token, section string) error {
	if section != SectionInputVars {
		return p.errorf(kw, "decl is not allowed in section %s", section)
	}
	v := InputVar{Storage: "static"}
	var words []string
	for p.peek().Kind == cloop.TokenIdent {
		words = append(words, p.next().Text)
	}
	if len(words) > 0 && (words[0] == "static" || words[0] == "dynamic") {
		v.Storage = words[0]
		words = words[1:]
	}
	if len(words) < 2 {
		return p.errorf(kw, "decl needs a type and a name")
	}
	v.Name = words[len(words)-1]
	v.Type = strings.Join(words[:len(words)-1], " ")
	for p.isPunct("[") {
		open := p.next()
		depth := 1
		start := p.peek()
		last := open
		for depth > 0 {
			t := p.next()
			switch {
			case t.Kind == cloop.TokenEOF:
				return p.errorf(open, "unterminated shape of %s", v.Name)
			case t.Kind == cloop.TokenPunct && t.Text == "[":
				depth++
			case t.Kind == cloop.TokenPunct && t.Text == "]":
				depth--
			}
			if depth > 0 {
				last = t
			}
		}
		if last == open {
			return p.errorf(open, "empty shape dimension for %s", v.Name)
		}
		e, err := cloop.ParseExpr(p.src[start.Pos:last.End])
		if err != nil {
			return p.errorf(open, "shape of %s: %v", v.Name, err)
		}
		v.Shape = append(v.Shape, e)
	}
	if p.isPunct("=") {
		p.next()
		text, at, err := p.exprText()
		if err != nil {
			return err
		}
		switch {
		case text == "random":
			v.Init = InitRandom
		default:
			d, err := space.ParseDomain(text, p.spec.Lets)
			if err != nil || d.Size() != 1 {
				return p.errorf(at, "decl %s: initializer must be random or a number, got %q", v.Name, text)
			}
			val := d.Values()[0]
			switch val.Kind {
			case space.KindInt:
				v.Literal = float64(val.I)
			case space.KindFloat:
				v.Literal = val.F
			default:
				return p.errorf(at, "decl %s: initializer must be random or a number, got %q", v.Name, text)
			}
			if v.Literal == 0 {
				v.Init = InitZero
			} else {
				v.Init = InitLiteral
			}
		}
	}
	p.spec.InputVars = append(p.spec.InputVars, v)
	return p.endStmt()
}
