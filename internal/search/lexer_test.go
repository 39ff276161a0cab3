package search

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLexer_Tokens(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []Token
	}{
		{
			name:  "simple equality",
			input: "color = red",
			expected: []Token{
				{Type: TokenIdent, Literal: "color", Pos: 1},
				{Type: TokenEq, Literal: "=", Pos: 7},
				{Type: TokenIdent, Literal: "red", Pos: 9},
				{Type: TokenEOF, Literal: "", Pos: 12},
			},
		},
		{
			name:  "two character operators",
			input: "a != 1 and b <= 2 or c >= 3 and d !~ 'x'",
			expected: []Token{
				{Type: TokenIdent, Literal: "a", Pos: 1},
				{Type: TokenNeq, Literal: "!=", Pos: 3},
				{Type: TokenNumber, Literal: "1", Pos: 6},
				{Type: TokenAnd, Literal: "and", Pos: 8},
				{Type: TokenIdent, Literal: "b", Pos: 12},
				{Type: TokenLte, Literal: "<=", Pos: 14},
				{Type: TokenNumber, Literal: "2", Pos: 17},
				{Type: TokenOr, Literal: "or", Pos: 19},
				{Type: TokenIdent, Literal: "c", Pos: 22},
				{Type: TokenGte, Literal: ">=", Pos: 24},
				{Type: TokenNumber, Literal: "3", Pos: 27},
				{Type: TokenAnd, Literal: "and", Pos: 29},
				{Type: TokenIdent, Literal: "d", Pos: 33},
				{Type: TokenNotLike, Literal: "!~", Pos: 35},
				{Type: TokenString, Literal: "x", Pos: 38},
				{Type: TokenEOF, Literal: "", Pos: 41},
			},
		},
		{
			name:  "in list",
			input: "kind in ('a', \"b\")",
			expected: []Token{
				{Type: TokenIdent, Literal: "kind", Pos: 1},
				{Type: TokenIn, Literal: "in", Pos: 6},
				{Type: TokenLParen, Literal: "(", Pos: 9},
				{Type: TokenString, Literal: "a", Pos: 10},
				{Type: TokenComma, Literal: ",", Pos: 13},
				{Type: TokenString, Literal: "b", Pos: 15},
				{Type: TokenRParen, Literal: ")", Pos: 18},
				{Type: TokenEOF, Literal: "", Pos: 19},
			},
		},
		{
			name:  "null test keywords are case insensitive",
			input: "owner IS NOT NULL",
			expected: []Token{
				{Type: TokenIdent, Literal: "owner", Pos: 1},
				{Type: TokenIs, Literal: "IS", Pos: 7},
				{Type: TokenNot, Literal: "NOT", Pos: 10},
				{Type: TokenNull, Literal: "NULL", Pos: 14},
				{Type: TokenEOF, Literal: "", Pos: 18},
			},
		},
		{
			name:  "numbers",
			input: "-7 3.25 10",
			expected: []Token{
				{Type: TokenNumber, Literal: "-7", Pos: 1},
				{Type: TokenNumber, Literal: "3.25", Pos: 4},
				{Type: TokenNumber, Literal: "10", Pos: 9},
				{Type: TokenEOF, Literal: "", Pos: 11},
			},
		},
		{
			name:  "dotted identifier",
			input: "additionalProperties.team",
			expected: []Token{
				{Type: TokenIdent, Literal: "additionalProperties.team", Pos: 1},
				{Type: TokenEOF, Literal: "", Pos: 26},
			},
		},
		{
			name:  "illegal character",
			input: "a @ b",
			expected: []Token{
				{Type: TokenIdent, Literal: "a", Pos: 1},
				{Type: TokenIllegal, Literal: "@", Pos: 3},
				{Type: TokenIdent, Literal: "b", Pos: 5},
				{Type: TokenEOF, Literal: "", Pos: 6},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLexer(tt.input)
			var got []Token
			for {
				tok := l.NextToken()
				got = append(got, tok)
				if tok.Type == TokenEOF {
					break
				}
			}
			require.Equal(t, tt.expected, got)
		})
	}
}

func TestLexer_Strings(t *testing.T) {
	tests := []struct {
		input   string
		literal string
		typ     TokenType
	}{
		{`'orders.*'`, `orders.*`, TokenString},
		{`"it's"`, `it's`, TokenString},
		{`'it\'s'`, `it's`, TokenString},
		{`'a\\b'`, `a\b`, TokenString},
		{`'a\.b'`, `a\.b`, TokenString},
		{`'open`, `'open`, TokenIllegal},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			tok := NewLexer(tt.input).NextToken()
			require.Equal(t, tt.typ, tok.Type)
			require.Equal(t, tt.literal, tok.Literal)
		})
	}
}

func TestTokenType_String(t *testing.T) {
	require.Equal(t, "!~", TokenNotLike.String())
	require.Equal(t, "NULL", TokenNull.String())
	require.Equal(t, "UNKNOWN", TokenType(999).String())
}
