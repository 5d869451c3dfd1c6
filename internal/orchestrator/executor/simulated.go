package executor

import (
	"context"
	"fmt"
	"time"
)

// Simulated returns a model function for development and tests. It sleeps
// for delay (respecting the context deadline), then echoes an acknowledgment
// of the prompt with a rough token estimate.
func Simulated(delay time.Duration) ModelFunc {
	return func(ctx context.Context, req *Request) (*Response, error) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		output := fmt.Sprintf("[%s] acknowledged: %s", req.Mode, req.Prompt)
		return &Response{
			Output:     output,
			TokensUsed: int64(len(req.Prompt)+len(output)) / 4,
		}, nil
	}
}
