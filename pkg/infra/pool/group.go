package pool

import (
	"context"
	"sync"
)

// Group runs related tasks on a Pool and waits for all of them. The first
// error cancels the group context, and tasks not yet started are skipped.
type Group struct {
	pool   *Pool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	errOnce sync.Once
	err     error
}

// NewGroup returns a Group bound to p and a context derived from ctx.
func NewGroup(ctx context.Context, p *Pool) (*Group, context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	return &Group{pool: p, ctx: ctx, cancel: cancel}, ctx
}

// Go submits fn. A submission failure is reported like a task error.
func (g *Group) Go(fn func(ctx context.Context) error) {
	g.wg.Add(1)
	err := g.pool.Submit(func() {
		defer g.wg.Done()
		if g.ctx.Err() != nil {
			g.fail(g.ctx.Err())
			return
		}
		if err := fn(g.ctx); err != nil {
			g.fail(err)
		}
	})
	if err != nil {
		g.wg.Done()
		g.fail(err)
	}
}

// Wait blocks until every submitted task returns, then reports the first error.
func (g *Group) Wait() error {
	g.wg.Wait()
	g.cancel()
	return g.err
}

func (g *Group) fail(err error) {
	g.errOnce.Do(func() {
		g.err = err
		g.cancel()
	})
}
