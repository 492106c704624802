// Package markup turns raw directive text into display tokens.
package markup

import (
	"fmt"

	"github.com/google/shlex"
)

// StringToTokens splits a directive value into shell-style tokens, honouring quotes
// and escapes. Storage always holds the raw value; this runs only when rendering.
func StringToTokens(value string) ([]string, error) {
	tokens, err := shlex.Split(value)
	if err != nil {
		return nil, fmt.Errorf("tokenize directive %q: %w", value, err)
	}
	if tokens == nil {
		tokens = []string{}
	}
	return tokens, nil
}

// Tokenizer adapts StringToTokens to the interface the worksheet service consumes.
type Tokenizer struct{}

func (Tokenizer) StringToTokens(value string) ([]string, error) {
	return StringToTokens(value)
}
