package masking

import "strings"

const maskToken = "****"

// MaskSecret redacts a secret while keeping a minimal suffix for auditing.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix, remainder := splitPrefix(trimmed)
	if len(remainder) <= 4 {
		return prefix + maskToken
	}

	return prefix + maskToken + remainder[len(remainder)-4:]
}

// MaskKeys returns a copy of input where the string values under the given
// keys are masked, at any depth. Other values are copied as is.
func MaskKeys(input map[string]any, keys ...string) map[string]any {
	if len(input) == 0 {
		return nil
	}

	sensitive := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		sensitive[strings.ToLower(strings.TrimSpace(key))] = struct{}{}
	}
	return maskMap(input, sensitive)
}

func maskMap(input map[string]any, sensitive map[string]struct{}) map[string]any {
	out := make(map[string]any, len(input))
	for key, value := range input {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		if _, ok := sensitive[strings.ToLower(trimmedKey)]; ok {
			out[trimmedKey] = maskValue(value)
			continue
		}
		if nested, ok := value.(map[string]any); ok {
			out[trimmedKey] = maskMap(nested, sensitive)
			continue
		}
		out[trimmedKey] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func maskValue(value any) any {
	switch cast := value.(type) {
	case string:
		return MaskSecret(cast)
	case []any:
		out := make([]any, 0, len(cast))
		for _, item := range cast {
			out = append(out, maskValue(item))
		}
		return out
	default:
		return value
	}
}

func splitPrefix(value string) (string, string) {
	lastUnderscore := strings.LastIndex(value, "_")
	if lastUnderscore == -1 || lastUnderscore == len(value)-1 {
		return "", value
	}
	return value[:lastUnderscore+1], value[lastUnderscore+1:]
}
