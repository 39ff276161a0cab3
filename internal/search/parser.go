package search

import (
	"strconv"
	"strings"

	"github.com/zjrosen/strata/internal/errs"
	"github.com/zjrosen/strata/internal/property"
)

// Parse reads a condition in the query language:
//
//	name = 'orders.*' and (size >= 3 or not status = 'x')
//	kind in ('a', 'b') and description ~ 'pii' and owner is not null
//
// Blank input yields a nil condition, which matches everything. Errors wrap
// errs.ErrInvalidParameter and carry the 1-based position.
func Parse(input string) (Condition, error) {
	if strings.TrimSpace(input) == "" {
		return nil, nil
	}
	p := NewParser(input)
	return p.Parse()
}

// Parser parses query tokens into a Condition.
type Parser struct {
	lexer   *Lexer
	current Token
	peek    Token
}

// NewParser creates a parser for the input.
func NewParser(input string) *Parser {
	p := &Parser{lexer: NewLexer(input)}
	p.nextToken()
	p.nextToken()
	return p
}

// Parse parses the whole input.
func (p *Parser) Parse() (Condition, error) {
	cond, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if p.current.Type != TokenEOF {
		return nil, p.errorf("unexpected token %q at position %d", p.current.Literal, p.current.Pos)
	}
	if err := cond.validate(); err != nil {
		return nil, err
	}
	return cond, nil
}

func (p *Parser) nextToken() {
	p.current = p.peek
	p.peek = p.lexer.NextToken()
}

func (p *Parser) errorf(format string, args ...any) error {
	return errs.Invalid(format, args...)
}

func (p *Parser) expected(what string) error {
	if p.current.Type == TokenEOF {
		return p.errorf("expected %s at position %d, got end of input", what, p.current.Pos)
	}
	return p.errorf("expected %s at position %d, got %q", what, p.current.Pos, p.current.Literal)
}

// expression = term { "or" term }
func (p *Parser) parseExpression() (Condition, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	if p.current.Type != TokenOr {
		return left, nil
	}
	terms := Or{left}
	for p.current.Type == TokenOr {
		p.nextToken()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		terms = append(terms, right)
	}
	return terms, nil
}

// term = factor { "and" factor }
func (p *Parser) parseTerm() (Condition, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	if p.current.Type != TokenAnd {
		return left, nil
	}
	factors := And{left}
	for p.current.Type == TokenAnd {
		p.nextToken()
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		factors = append(factors, right)
	}
	return factors, nil
}

// factor = "not" factor | "(" expression ")" | comparison
func (p *Parser) parseFactor() (Condition, error) {
	switch p.current.Type {
	case TokenNot:
		p.nextToken()
		cond, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return Not{Cond: cond}, nil

	case TokenLParen:
		p.nextToken()
		cond, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if p.current.Type != TokenRParen {
			return nil, p.expected("')'")
		}
		p.nextToken()
		return cond, nil
	}
	return p.parseComparison()
}

// comparison = name op value
//
//	| name [ "not" ] "in" "(" value { "," value } ")"
//	| name "is" [ "not" ] "null"
func (p *Parser) parseComparison() (Condition, error) {
	if p.current.Type != TokenIdent {
		return nil, p.expected("property name")
	}
	name := p.current.Literal
	p.nextToken()

	switch {
	case p.current.Type == TokenIs:
		p.nextToken()
		negate := p.current.Type == TokenNot
		if negate {
			p.nextToken()
		}
		if p.current.Type != TokenNull {
			return nil, p.expected("null")
		}
		p.nextToken()
		if negate {
			return NotNull{Property: name}, nil
		}
		return IsNull{Property: name}, nil

	case p.current.Type == TokenNot && p.peek.Type == TokenIn:
		p.nextToken()
		p.nextToken()
		in, err := p.parseIn(name)
		if err != nil {
			return nil, err
		}
		return Not{Cond: in}, nil

	case p.current.Type == TokenIn:
		p.nextToken()
		return p.parseIn(name)
	}

	tokType := p.current.Type
	op, ok := tokType.op()
	if !ok {
		return nil, p.expected("operator")
	}
	p.nextToken()
	value, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	cmp := Compare{Property: name, Op: op, Value: value}
	if tokType == TokenNotLike {
		return Not{Cond: cmp}, nil
	}
	return cmp, nil
}

func (p *Parser) parseIn(name string) (Condition, error) {
	if p.current.Type != TokenLParen {
		return nil, p.expected("'('")
	}
	p.nextToken()

	var values []property.Value
	for {
		value, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		values = append(values, value)
		if p.current.Type != TokenComma {
			break
		}
		p.nextToken()
	}

	if p.current.Type != TokenRParen {
		return nil, p.expected("')'")
	}
	p.nextToken()
	return In{Property: name, Values: values}, nil
}

// value = string | number | "true" | "false" | bare word
func (p *Parser) parseValue() (property.Value, error) {
	tok := p.current
	switch tok.Type {
	case TokenString, TokenIdent:
		p.nextToken()
		return property.String(tok.Literal), nil
	case TokenTrue, TokenFalse:
		p.nextToken()
		return property.Bool(tok.Type == TokenTrue), nil
	case TokenNumber:
		p.nextToken()
		if strings.Contains(tok.Literal, ".") {
			f, err := strconv.ParseFloat(tok.Literal, 64)
			if err != nil {
				return property.Value{}, p.errorf("invalid number %q at position %d", tok.Literal, tok.Pos)
			}
			return property.Float(f), nil
		}
		n, err := strconv.ParseInt(tok.Literal, 10, 64)
		if err != nil {
			return property.Value{}, p.errorf("invalid number %q at position %d", tok.Literal, tok.Pos)
		}
		return property.Long(n), nil
	case TokenIllegal:
		if strings.HasPrefix(tok.Literal, "'") || strings.HasPrefix(tok.Literal, `"`) {
			return property.Value{}, p.errorf("unterminated string at position %d", tok.Pos)
		}
		return property.Value{}, p.errorf("illegal character %q at position %d", tok.Literal, tok.Pos)
	}
	return property.Value{}, p.expected("value")
}
