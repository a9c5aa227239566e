package redis

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// errorHook reports connection-level failures. Command errors such as redis.Nil
// or WRONGTYPE replies are not connection failures and are ignored.
type errorHook struct {
	name    string
	logger  *zap.Logger
	onError func(error)
}

var _ redis.Hook = (*errorHook)(nil)

func (h *errorHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.logger.Warn("redis dial failed", zap.String("handle", h.name), zap.String("addr", addr), zap.Error(err))
			if ctx.Err() == nil {
				h.onError(err)
			}
			return nil, err
		}
		h.logger.Debug("redis connect", zap.String("handle", h.name), zap.String("addr", addr))
		return conn, nil
	}
}

func (h *errorHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if isConnError(err) && ctx.Err() == nil {
			h.onError(err)
		}
		return err
	}
}

func (h *errorHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		if isConnError(err) && ctx.Err() == nil {
			h.onError(err)
		}
		return err
	}
}

func isConnError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, redis.ErrClosed) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
