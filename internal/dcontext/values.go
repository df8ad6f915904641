package dcontext

import "context"

// GetStringValue returns a string value from the context. The empty string
// is returned if the value is not present or not a string.
func GetStringValue(ctx context.Context, key any) string {
	value := ctx.Value(key)
	if value == nil {
		return ""
	}

	s, ok := value.(string)
	if !ok {
		return ""
	}

	return s
}
