package engine

import "context"

// GuardedFunc is a function wrapped by Guard: same signature as the
// underlying work, with parameters captured per call for policy evaluation
// and evidence.
type GuardedFunc func(ctx context.Context, params map[string]any) (any, error)

// Guard wraps fn so every invocation runs through the full guarded flow
// under the given action name.
//
//	lookup := eng.Guard("crm.lookup", func(ctx context.Context, params map[string]any) (any, error) {
//		return crm.Lookup(ctx, params["customer_id"].(string))
//	})
//	result, err := lookup(ctx, map[string]any{"customer_id": id})
func (e *Engine) Guard(action string, fn GuardedFunc, opts ...CallOption) GuardedFunc {
	return func(ctx context.Context, params map[string]any) (any, error) {
		return e.Execute(ctx, action, params, func(ctx context.Context) (any, error) {
			return fn(ctx, params)
		}, opts...)
	}
}
