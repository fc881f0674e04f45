// Package mock provides a test double implementation of ai.CareerAIClient.
//
// The mock allows tests to run without external AI services and enables
// controlled, deterministic behavior:
//
//	client := mock.NewMockClient().
//	    WithFormatFunc(func(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
//	        return json.Unmarshal([]byte(`{"items":[]}`), out)
//	    })
//
// The default embedder returns deterministic vectors derived from the input
// hash, so identical text always embeds to the identical vector.
package mock
