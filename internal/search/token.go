package search

import "strings"

// TokenType represents the type of lexical token.
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenIllegal

	// Literals
	TokenIdent  // property names, unquoted values
	TokenString // "quoted" or 'quoted'
	TokenNumber // integers and decimals

	// Delimiters
	TokenLParen // (
	TokenRParen // )
	TokenComma  // ,

	// Comparison operators
	TokenEq      // =
	TokenNeq     // !=
	TokenLt      // <
	TokenGt      // >
	TokenLte     // <=
	TokenGte     // >=
	TokenLike    // ~
	TokenNotLike // !~

	// Keywords
	TokenAnd   // and
	TokenOr    // or
	TokenNot   // not
	TokenIn    // in
	TokenIs    // is
	TokenNull  // null
	TokenTrue  // true
	TokenFalse // false
)

var tokenNames = map[TokenType]string{
	TokenEOF:     "EOF",
	TokenIllegal: "ILLEGAL",
	TokenIdent:   "IDENT",
	TokenString:  "STRING",
	TokenNumber:  "NUMBER",
	TokenLParen:  "(",
	TokenRParen:  ")",
	TokenComma:   ",",
	TokenEq:      "=",
	TokenNeq:     "!=",
	TokenLt:      "<",
	TokenGt:      ">",
	TokenLte:     "<=",
	TokenGte:     ">=",
	TokenLike:    "~",
	TokenNotLike: "!~",
	TokenAnd:     "AND",
	TokenOr:      "OR",
	TokenNot:     "NOT",
	TokenIn:      "IN",
	TokenIs:      "IS",
	TokenNull:    "NULL",
	TokenTrue:    "TRUE",
	TokenFalse:   "FALSE",
}

// String returns the string representation of the token type.
func (t TokenType) String() string {
	if s, ok := tokenNames[t]; ok {
		return s
	}
	return "UNKNOWN"
}

// Token represents a lexical token.
type Token struct {
	Type    TokenType
	Literal string
	Pos     int // 1-based position in input for error reporting
}

var keywords = map[string]TokenType{
	"and":   TokenAnd,
	"or":    TokenOr,
	"not":   TokenNot,
	"in":    TokenIn,
	"is":    TokenIs,
	"null":  TokenNull,
	"true":  TokenTrue,
	"false": TokenFalse,
}

// LookupKeyword returns the keyword token type of ident, or TokenIdent.
// Keywords are case-insensitive.
func LookupKeyword(ident string) TokenType {
	if tok, ok := keywords[strings.ToLower(ident)]; ok {
		return tok
	}
	return TokenIdent
}

// op maps a comparison token onto its operator.
func (t TokenType) op() (Op, bool) {
	switch t {
	case TokenEq:
		return OpEQ, true
	case TokenNeq:
		return OpNEQ, true
	case TokenLt:
		return OpLT, true
	case TokenGt:
		return OpGT, true
	case TokenLte:
		return OpLTE, true
	case TokenGte:
		return OpGTE, true
	case TokenLike, TokenNotLike:
		return OpLIKE, true
	}
	return "", false
}
