package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// SecretPrefix marks an input value that must be resolved through a SecretResolver.
const SecretPrefix = "secret://"

var variableRef = regexp.MustCompile(`\$\{([A-Za-z0-9_.\-]+)\}`)

// ResolveInputs converts raw inputs to the kinds declared in meta.
// An input that is absent or cannot be converted takes its declared default;
// conversion failures are never reported. A required input that is still
// absent after defaulting yields a MISSING_REQUIRED_INPUT error.
// Raw entries not declared in meta are dropped.
func ResolveInputs(meta ActionMetadata, raw map[string]interface{}) (Inputs, error) {
	inputs := make(Inputs, len(meta.Inputs))

	for _, spec := range meta.Inputs {
		value, ok := Convert(raw[spec.ID], spec.Kind)
		if !ok && !spec.Default.IsZero() {
			value, ok = spec.Default, true
		}
		if !ok {
			if spec.Required {
				return nil, NewMissingInputError(meta.Name, spec.ID)
			}
			continue
		}
		inputs[spec.ID] = value
	}

	return inputs, nil
}

// ExpandInputs returns a copy of raw with secret references resolved and
// ${name} references substituted from vars. A string consisting of a single
// reference takes the variable's typed value; references embedded in longer
// strings are replaced by the variable's string form. Unknown variables are
// left untouched.
func ExpandInputs(ctx context.Context, raw map[string]interface{}, vars *VariableStore, secrets SecretResolver) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(raw))
	for key, value := range raw {
		expanded, err := expandValue(ctx, value, vars, secrets)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", key, err)
		}
		out[key] = expanded
	}
	return out, nil
}

func expandValue(ctx context.Context, value interface{}, vars *VariableStore, secrets SecretResolver) (interface{}, error) {
	switch val := value.(type) {
	case string:
		return expandString(ctx, val, vars, secrets)
	case []interface{}:
		items := make([]interface{}, len(val))
		for i, item := range val {
			expanded, err := expandValue(ctx, item, vars, secrets)
			if err != nil {
				return nil, err
			}
			items[i] = expanded
		}
		return items, nil
	default:
		return value, nil
	}
}

func expandString(ctx context.Context, s string, vars *VariableStore, secrets SecretResolver) (interface{}, error) {
	if strings.HasPrefix(s, SecretPrefix) {
		key := strings.TrimPrefix(s, SecretPrefix)
		if secrets == nil {
			return nil, NewPermanentError(fmt.Sprintf("no secret resolver configured for %q", key), nil).
				WithCode(ErrCodeSecret)
		}
		secret, err := secrets.Resolve(ctx, key)
		if err != nil {
			return nil, NewPermanentError(fmt.Sprintf("failed to resolve secret %q", key), err).
				WithCode(ErrCodeSecret)
		}
		return secret, nil
	}

	if vars == nil || !strings.Contains(s, "${") {
		return s, nil
	}

	if m := variableRef.FindStringSubmatch(s); m != nil && m[0] == s {
		if v, ok := vars.Get(m[1]); ok {
			return v, nil
		}
		return s, nil
	}

	return variableRef.ReplaceAllStringFunc(s, func(ref string) string {
		name := ref[2 : len(ref)-1]
		if v, ok := vars.Get(name); ok {
			return v.String()
		}
		return ref
	}), nil
}
