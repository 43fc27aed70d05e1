// Package invoker is the step-handler invocation boundary referenced by
// §4.5 step 3 ("Invoke the step's handler with ..."). Handlers are either
// registered in-process (HandlerFunc) or reached over HTTP via go-resty,
// mirroring the teacher's invoker/service.go "call node runner" pattern —
// generalized here from a single gRPC/HTTP node-runner call into a
// per-named-step handler registry.
package invoker

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"github.com/tasker-run/tasker/internal/taskerr"
)

// HandlerFunc is the step handler contract of §4.5 step 3: given the task's
// context, the step's inputs, and its completed predecessors' results, it
// returns either a results map or a classified error
// (taskerr.RetryableError / taskerr.PermanentError — anything else is
// treated as retryable by the executor per §4.5's error taxonomy).
type HandlerFunc func(ctx context.Context, taskContext, inputs map[string]interface{}, predecessorResults []map[string]interface{}) (map[string]interface{}, error)

// Registry maps a named step (by "dependent_system/name") to its handler.
// Built once at startup; lookup failure at dispatch time is a
// ConfigurationError (§7), not a retryable one.
type Registry struct {
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

func key(dependentSystem, name string) string { return dependentSystem + "/" + name }

// Register associates a handler with a (dependent_system, name) pair.
func (r *Registry) Register(dependentSystem, name string, h HandlerFunc) {
	r.handlers[key(dependentSystem, name)] = h
}

// Lookup returns the handler for a named step, or a ConfigurationError if
// none was registered (§7 Configuration errors fail fast).
func (r *Registry) Lookup(dependentSystem, name string) (HandlerFunc, error) {
	h, ok := r.handlers[key(dependentSystem, name)]
	if !ok {
		return nil, &taskerr.ConfigurationError{Message: fmt.Sprintf("no handler registered for step %s/%s", dependentSystem, name)}
	}
	return h, nil
}

// HTTPHandler builds a HandlerFunc that invokes a remote step handler over
// HTTP using resty's built-in retry-aware transport, for named steps whose
// dependent system is itself an HTTP service (the generalization of the
// teacher's single hardcoded "node runner" endpoint into one endpoint per
// dependent system).
func HTTPHandler(client *resty.Client, endpoint string) HandlerFunc {
	return func(ctx context.Context, taskContext, inputs map[string]interface{}, predecessorResults []map[string]interface{}) (map[string]interface{}, error) {
		resp, err := client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(map[string]interface{}{
				"context":             taskContext,
				"inputs":              inputs,
				"predecessor_results": predecessorResults,
			}).
			Post(endpoint)
		if err != nil {
			return nil, taskerr.NewRetryable(fmt.Sprintf("call step handler at %s: %v", endpoint, err))
		}

		body := resp.String()
		if resp.IsError() {
			if errCode := gjson.Get(body, "error_code"); errCode.Exists() {
				return nil, &taskerr.PermanentError{Message: gjson.Get(body, "message").String(), ErrorCode: errCode.String()}
			}
			retryAfter := gjson.Get(body, "retry_after_seconds")
			re := taskerr.NewRetryable(fmt.Sprintf("step handler returned %d: %s", resp.StatusCode(), gjson.Get(body, "message").String()))
			if retryAfter.Exists() {
				secs := int(retryAfter.Int())
				re = re.WithRetryAfter(secs)
			}
			return nil, re
		}

		results := make(map[string]interface{})
		gjson.Get(body, "results").ForEach(func(k, v gjson.Result) bool {
			results[k.String()] = v.Value()
			return true
		})
		return results, nil
	}
}
