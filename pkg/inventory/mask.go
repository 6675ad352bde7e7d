package inventory

import (
	"encoding/json"
	"errors"
	"strings"
)

var sensitiveKeys = map[string]bool{
	"password": true,
	"pass":     true,
	"auth":     true,
	"user":     true,
	"username": true,
}

// safeParams renders params for logs with credentials masked.
func safeParams(params any) string {
	raw, err := json.Marshal(params)
	if err != nil {
		return "<unloggable-params>"
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "<unloggable-params>"
	}
	masked, err := json.Marshal(mask(generic))
	if err != nil {
		return "<unloggable-params>"
	}
	return clip(string(masked), 500)
}

func mask(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if sensitiveKeys[strings.ToLower(k)] {
				out[k] = "******"
				continue
			}
			out[k] = mask(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = mask(val)
		}
		return out
	default:
		return v
	}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func asRPCError(err error) (*RPCError, bool) {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}
