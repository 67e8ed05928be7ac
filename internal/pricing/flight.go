package pricing

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"
)

var errAbandoned = errors.New("shared fetch abandoned")

// sharedFetches runs at most one fetch per key. The fetch runs on a context
// that belongs to no single caller and is cancelled once its last waiter has
// gone, so one caller's deadline never fails another caller.
type sharedFetches struct {
	group singleflight.Group

	mu   sync.Mutex
	live map[string]*fetchScope
}

type fetchScope struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (s *sharedFetches) do(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.join(ctx, key)
		ch := s.group.DoChan(key, func() (interface{}, error) {
			fetchCtx, ok := s.scope(key)
			if !ok {
				return nil, errAbandoned
			}
			v, err := fn(fetchCtx)
			if err != nil && fetchCtx.Err() != nil {
				return nil, errAbandoned
			}
			return v, err
		})

		select {
		case <-ctx.Done():
			s.leave(key)
			return nil, ctx.Err()
		case res := <-ch:
			s.leave(key)
			if errors.Is(res.Err, errAbandoned) {
				// Joined a fetch its own waiters gave up on; start over.
				continue
			}
			return res.Val, res.Err
		}
	}
}

func (s *sharedFetches) join(ctx context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live == nil {
		s.live = make(map[string]*fetchScope)
	}
	sc, ok := s.live[key]
	if !ok {
		scopeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		sc = &fetchScope{ctx: scopeCtx, cancel: cancel}
		s.live[key] = sc
	}
	sc.waiters++
}

func (s *sharedFetches) leave(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.live[key]
	if !ok {
		return
	}
	sc.waiters--
	if sc.waiters <= 0 {
		sc.cancel()
		delete(s.live, key)
	}
}

func (s *sharedFetches) scope(key string) (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.live[key]
	if !ok {
		return nil, false
	}
	return sc.ctx, true
}

// waiting reports how many callers currently wait on key.
func (s *sharedFetches) waiting(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc, ok := s.live[key]; ok {
		return sc.waiters
	}
	return 0
}
