package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Start runs a promoter tick plus a fixed-size worker pool for every
// registered queue, until ctx is canceled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.RLock()
	regs := make(map[string]registration, len(s.regs))
	for name, reg := range s.regs {
		regs[name] = reg
	}
	s.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for name, reg := range regs {
		g.Go(func() error { return s.promoter(ctx, name) })
		for i := 0; i < reg.concurrency; i++ {
			g.Go(func() error { return s.worker(ctx, name, reg.handler) })
		}
		s.log.Info("queue workers started",
			zap.String("queue", name),
			zap.Int("concurrency", reg.concurrency),
		)
	}
	return g.Wait()
}

func (s *Service) promoter(ctx context.Context, queueName string) error {
	tick := time.NewTicker(s.promoteEvery)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if _, err := s.PromoteDue(ctx, queueName, promoteBatch); err != nil && ctx.Err() == nil {
				s.log.Warn("promote due jobs failed",
					zap.String("queue", queueName),
					zap.Error(err),
				)
			}
		}
	}
}

func (s *Service) worker(ctx context.Context, queueName string, handler HandlerFunc) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		res, err := s.rdb.BRPop(ctx, s.popTimeout, readyKey(queueName)).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			s.log.Warn("queue pop failed", zap.String("queue", queueName), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if len(res) != 2 {
			continue
		}
		// failures are logged with job context inside process
		_ = s.process(ctx, queueName, res[1], handler)
	}
}
