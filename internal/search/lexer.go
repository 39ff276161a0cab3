package search

import "strings"

// Lexer tokenizes query input.
type Lexer struct {
	input string
	pos   int  // position after ch
	ch    byte // current character under examination
}

// NewLexer creates a new lexer for the input string.
func NewLexer(input string) *Lexer {
	l := &Lexer{input: input}
	l.readChar()
	return l
}

// NextToken returns the next token from the input. An unterminated string
// is returned as TokenIllegal with its opening quote kept.
func (l *Lexer) NextToken() Token {
	l.skipWhitespace()

	tok := Token{Pos: l.pos}

	switch l.ch {
	case '(':
		tok.Type, tok.Literal = TokenLParen, "("
	case ')':
		tok.Type, tok.Literal = TokenRParen, ")"
	case ',':
		tok.Type, tok.Literal = TokenComma, ","
	case '=':
		tok.Type, tok.Literal = TokenEq, "="
	case '~':
		tok.Type, tok.Literal = TokenLike, "~"
	case '!':
		switch l.peekChar() {
		case '=':
			l.readChar()
			tok.Type, tok.Literal = TokenNeq, "!="
		case '~':
			l.readChar()
			tok.Type, tok.Literal = TokenNotLike, "!~"
		default:
			tok.Type, tok.Literal = TokenIllegal, "!"
		}
	case '<':
		if l.peekChar() == '=' {
			l.readChar()
			tok.Type, tok.Literal = TokenLte, "<="
		} else {
			tok.Type, tok.Literal = TokenLt, "<"
		}
	case '>':
		if l.peekChar() == '=' {
			l.readChar()
			tok.Type, tok.Literal = TokenGte, ">="
		} else {
			tok.Type, tok.Literal = TokenGt, ">"
		}
	case '"', '\'':
		quote := l.ch
		lit, ok := l.readString(quote)
		tok.Type, tok.Literal = TokenString, lit
		if !ok {
			tok.Type, tok.Literal = TokenIllegal, string(quote)+lit
		}
		return tok
	case 0:
		tok.Type = TokenEOF
		return tok
	default:
		if isLetter(l.ch) {
			tok.Literal = l.readIdentifier()
			tok.Type = LookupKeyword(tok.Literal)
			return tok
		}
		if isDigit(l.ch) || (l.ch == '-' && isDigit(l.peekChar())) {
			tok.Type, tok.Literal = TokenNumber, l.readNumber()
			return tok
		}
		tok.Type, tok.Literal = TokenIllegal, string(l.ch)
	}

	l.readChar()
	return tok
}

func (l *Lexer) readChar() {
	if l.pos >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.pos]
	}
	l.pos++
}

func (l *Lexer) peekChar() byte {
	if l.pos >= len(l.input) {
		return 0
	}
	return l.input[l.pos]
}

func (l *Lexer) skipWhitespace() {
	for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' {
		l.readChar()
	}
}

// readIdentifier reads letters, digits, underscores, dots and hyphens.
func (l *Lexer) readIdentifier() string {
	start := l.pos - 1
	for isLetter(l.ch) || isDigit(l.ch) || l.ch == '-' || l.ch == '.' {
		l.readChar()
	}
	return l.input[start : l.pos-1]
}

// readString reads a quoted string. A backslash escapes the quote and
// itself; any other escape is kept verbatim so regex escapes survive.
func (l *Lexer) readString(quote byte) (string, bool) {
	var sb strings.Builder
	l.readChar() // opening quote
	for l.ch != quote {
		if l.ch == 0 {
			return sb.String(), false
		}
		if l.ch == '\\' && (l.peekChar() == quote || l.peekChar() == '\\') {
			l.readChar()
		}
		sb.WriteByte(l.ch)
		l.readChar()
	}
	l.readChar() // closing quote
	return sb.String(), true
}

func (l *Lexer) readNumber() string {
	start := l.pos - 1
	if l.ch == '-' {
		l.readChar()
	}
	for isDigit(l.ch) {
		l.readChar()
	}
	if l.ch == '.' && isDigit(l.peekChar()) {
		l.readChar()
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	return l.input[start : l.pos-1]
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
