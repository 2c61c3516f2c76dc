package middleware

import (
	"context"
	"errors"
	"time"

	"goa.design/orchestra/runtime/provider"
)

// Timeout returns a middleware that bounds every invocation of the named
// provider to d. A call that exceeds the deadline fails with a retryable
// provider error of kind timeout, which the cycle executor treats like any
// other provider failure. A non-positive d disables the bound.
func Timeout(name string, d time.Duration) provider.Middleware {
	if name == "" {
		name = "provider"
	}
	return func(next provider.Provider) provider.Provider {
		if next == nil {
			return nil
		}
		if d <= 0 {
			return next
		}
		return provider.Func(func(ctx context.Context, operation string, req provider.Request) (provider.Response, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			resp, err := next.Invoke(ctx, operation, req)
			if err != nil && errors.Is(err, context.DeadlineExceeded) {
				if _, ok := provider.AsError(err); !ok {
					err = provider.NewError(name, operation, req.Target,
						provider.ErrorKindTimeout, "invocation exceeded "+d.String(), true, err)
				}
			}
			return resp, err
		})
	}
}
