// ABOUTME: Methods every dispatcher serves without registration.

package dispatch

import "context"

// MethodList is the payload returned by list_methods.
type MethodList struct {
	Methods []string `json:"methods"`
}

func (d *Dispatcher) listMethods(context.Context, map[string]any) (any, error) {
	return MethodList{Methods: d.Methods()}, nil
}

// echo returns its params unchanged. Agents use it to probe the round trip.
func echo(_ context.Context, params map[string]any) (any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	return params, nil
}
