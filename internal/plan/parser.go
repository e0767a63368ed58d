// Package plan compiles the line-oriented query language into a tabq.Plan.
//
// Each non-blank line is one statement:
//
//	load "path"
//	filter <column> <op> <literal>
//	select ["a", "b"]
//	group_by "key"[.agg(func("col"), ...)]
//	agg(func("col"))
//	sort "column"
package plan

import (
	"fmt"
	"strings"

	"github.com/lychee-technology/tabq"
)

// Parse compiles query into a plan. Blank lines are skipped and line numbers
// in errors are 1-based. The first statement that matches no shape aborts
// parsing with a *tabq.ParseError.
func Parse(query string) (tabq.Plan, error) {
	plan := tabq.Plan{}
	for i, raw := range strings.Split(query, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		steps, err := parseStatement(line)
		if err != nil {
			return nil, &tabq.ParseError{LineNo: i + 1, Line: line, Reason: err.Error()}
		}
		plan = append(plan, steps...)
	}
	return plan, nil
}

// MustParse is Parse for fixed queries; it panics on error.
func MustParse(query string) tabq.Plan {
	p, err := Parse(query)
	if err != nil {
		panic(err)
	}
	return p
}

type statementParser struct {
	lex *lexer
	tok token
}

func parseStatement(line string) ([]tabq.PlanStep, error) {
	p := &statementParser{lex: newLexer(line)}
	if err := p.advance(); err != nil {
		return nil, err
	}

	kw, err := p.expect(tokIdent)
	if err != nil {
		return nil, err
	}

	var steps []tabq.PlanStep
	switch kw.text {
	case "load":
		steps, err = p.parseLoad()
	case "filter":
		// filter takes the raw remainder as its literal, so it must not
		// consume a trailing end-of-line check.
		return p.parseFilter()
	case "select":
		steps, err = p.parseSelect()
	case "group_by":
		steps, err = p.parseGroupBy()
	case "agg":
		steps, err = p.parseAggCall()
	case "sort":
		steps, err = p.parseSort()
	default:
		return nil, fmt.Errorf("unknown statement %q", kw.text)
	}
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %s after statement", p.tok.kind)
	}
	return steps, nil
}

func (p *statementParser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *statementParser) expect(kind tokenKind) (token, error) {
	t := p.tok
	if t.kind != kind {
		return t, fmt.Errorf("expected %s, found %s", kind, t.kind)
	}
	return t, p.advance()
}

func (p *statementParser) parseLoad() ([]tabq.PlanStep, error) {
	path, err := p.expect(tokString)
	if err != nil {
		return nil, err
	}
	return []tabq.PlanStep{tabq.LoadSource{Path: path.text}}, nil
}

func (p *statementParser) parseFilter() ([]tabq.PlanStep, error) {
	var column string
	switch p.tok.kind {
	case tokIdent, tokString:
		column = p.tok.text
	default:
		return nil, fmt.Errorf("expected column, found %s", p.tok.kind)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.tok.kind != tokOp {
		return nil, fmt.Errorf("expected comparison operator, found %s", p.tok.kind)
	}
	op, ok := tabq.ParseCompareOp(p.tok.text)
	if !ok {
		return nil, fmt.Errorf("unsupported operator %q", p.tok.text)
	}
	raw := strings.TrimSpace(p.lex.rest(p.tok.end))
	if raw == "" {
		return nil, fmt.Errorf("missing literal after %q", op)
	}
	return []tabq.PlanStep{tabq.Filter{Predicate: tabq.Predicate{
		Column:  column,
		Op:      op,
		Literal: tabq.ParseLiteral(raw),
	}}}, nil
}

func (p *statementParser) parseSelect() ([]tabq.PlanStep, error) {
	if _, err := p.expect(tokLBracket); err != nil {
		return nil, err
	}
	columns := []string{}
	for p.tok.kind != tokRBracket {
		switch p.tok.kind {
		case tokComma:
		case tokString:
			if c := strings.TrimSpace(p.tok.text); c != "" {
				columns = append(columns, c)
			}
		default:
			return nil, fmt.Errorf("expected column name, found %s", p.tok.kind)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return []tabq.PlanStep{tabq.Project{Columns: columns}}, nil
}

func (p *statementParser) parseGroupBy() ([]tabq.PlanStep, error) {
	key, err := p.expect(tokString)
	if err != nil {
		return nil, err
	}
	steps := []tabq.PlanStep{tabq.GroupBy{Key: key.text}}
	if p.tok.kind != tokDot {
		return steps, nil
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	method, err := p.expect(tokIdent)
	if err != nil {
		return nil, err
	}
	if method.text != "agg" {
		return nil, fmt.Errorf("unknown method %q on group_by", method.text)
	}
	aggs, err := p.parseAggCall()
	if err != nil {
		return nil, err
	}
	return append(steps, aggs...), nil
}

// parseAggCall parses "(f("col")[, g("col")...])".
func (p *statementParser) parseAggCall() ([]tabq.PlanStep, error) {
	if _, err := p.expect(tokLParen); err != nil {
		return nil, err
	}
	var steps []tabq.PlanStep
	for {
		step, err := p.parseAggExpr()
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
		if p.tok.kind != tokComma {
			break
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(tokRParen); err != nil {
		return nil, err
	}
	return steps, nil
}

func (p *statementParser) parseAggExpr() (tabq.PlanStep, error) {
	fn, err := p.expect(tokIdent)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokLParen); err != nil {
		return nil, err
	}
	col, err := p.expect(tokString)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokRParen); err != nil {
		return nil, err
	}
	return tabq.Aggregate{Func: fn.text, Column: col.text}, nil
}

func (p *statementParser) parseSort() ([]tabq.PlanStep, error) {
	col, err := p.expect(tokString)
	if err != nil {
		return nil, err
	}
	return []tabq.PlanStep{tabq.OrderBy{Column: col.text}}, nil
}
