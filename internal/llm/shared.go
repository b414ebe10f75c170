package llm

// chooseModel prefers a per-request model override over the adapter's
// configured default, since a Request can target a different snapshot of
// the same provider than the one the adapter was constructed with.
func chooseModel(requested, configured string) string {
	if requested != "" {
		return requested
	}
	return configured
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// schemaRequired extracts a tool schema's "required" array regardless of
// whether it arrived as []string (constructed in Go) or []interface{}
// (round-tripped through encoding/json).
func schemaRequired(schema map[string]interface{}) []string {
	raw, ok := schema["required"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
