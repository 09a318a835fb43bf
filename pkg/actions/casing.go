package actions

import (
	"context"
	"strings"
	"unicode"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

// CaseActionName is the registered name of CaseAction.
const CaseActionName = "text.case"

// Case styles accepted by CaseAction.
const (
	StyleSnake = "snake"
	StyleKebab = "kebab"
	StyleCamel = "camel"
	StyleLower = "lower"
	StyleUpper = "upper"
)

// CaseAction converts a string between naming styles.
type CaseAction struct {
	source string
	style  string
}

// NewCaseAction creates a CaseAction.
func NewCaseAction() *CaseAction {
	return &CaseAction{}
}

// Discover implements engine.Action.
func (a *CaseAction) Discover() engine.ActionMetadata {
	return engine.ActionMetadata{
		Name:        CaseActionName,
		Author:      author,
		Description: "Converts a string to snake, kebab, camel, lower or upper case",
		Inputs: []engine.InputSpec{
			{ID: "source-string", Description: "String to convert", Kind: engine.KindString, Required: true},
			{ID: "style", Description: "Target style", Kind: engine.KindString, Default: engine.StringValue(StyleSnake)},
		},
		Outputs: []engine.OutputSpec{
			{ID: "result", Description: "Converted string", Kind: engine.KindString},
		},
	}
}

// Begin implements engine.Action.
func (a *CaseAction) Begin(_ context.Context, in engine.Inputs) error {
	a.source = in.String("source-string")
	a.style = in.String("style")
	return nil
}

// Process implements engine.Action.
func (a *CaseAction) Process(_ context.Context, ec *engine.ExecutionContext) (engine.Outputs, error) {
	result, ok := ConvertCase(a.source, a.style)
	if !ok {
		ec.Failf("unsupported style %q", a.style)
		return nil, nil
	}

	ec.Succeed()
	return engine.Outputs{"result": engine.StringValue(result)}, nil
}

// End implements engine.Action.
func (a *CaseAction) End(context.Context) error {
	return nil
}

// ConvertCase converts s to style. ok is false for an unknown style.
func ConvertCase(s, style string) (result string, ok bool) {
	switch style {
	case StyleLower:
		return strings.ToLower(s), true
	case StyleUpper:
		return strings.ToUpper(s), true
	case StyleSnake:
		return joinLower(splitWords(s), "_"), true
	case StyleKebab:
		return joinLower(splitWords(s), "-"), true
	case StyleCamel:
		words := splitWords(s)
		var sb strings.Builder
		for i, w := range words {
			w = strings.ToLower(w)
			if i > 0 {
				r := []rune(w)
				r[0] = unicode.ToUpper(r[0])
				w = string(r)
			}
			sb.WriteString(w)
		}
		return sb.String(), true
	default:
		return "", false
	}
}

func joinLower(words []string, sep string) string {
	for i := range words {
		words[i] = strings.ToLower(words[i])
	}
	return strings.Join(words, sep)
}

// splitWords breaks s at non-alphanumeric runes, at lower-to-upper
// transitions and before the last capital of an acronym ("HTTPServer").
func splitWords(s string) []string {
	runes := []rune(s)
	words := make([]string, 0)
	var current []rune

	flush := func() {
		if len(current) > 0 {
			words = append(words, string(current))
			current = nil
		}
	}

	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}
		if len(current) > 0 && unicode.IsUpper(r) {
			prev := current[len(current)-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				flush()
			}
		}
		current = append(current, r)
	}
	flush()

	return words
}
