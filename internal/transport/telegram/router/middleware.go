package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "castbot/pkg/logx"
)

// slowRequest promotes successful request logs from DEBUG to INFO.
const slowRequest = 750 * time.Millisecond

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, mw ...Middleware) HandlerFunc {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// Recover turns a handler panic into an error so one bad request cannot
// take down a dispatch lane.
func Recover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Logger.Error("handler panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("panic in %s: %v", req.Command, r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// Logged records the outcome and duration of each request.
func Logged() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)
			fields := []logx.Field{logx.Int("args", len(req.Args)), logx.Duration("took", took)}
			switch {
			case err != nil:
				req.Logger.Warn("request failed", append(fields, logx.Err(err))...)
			case took >= slowRequest:
				req.Logger.Info("request done", fields...)
			default:
				req.Logger.Debug("request done", fields...)
			}
			return err
		}
	}
}

// Deadline bounds a handler's context; d <= 0 leaves it unbounded.
func Deadline(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}
