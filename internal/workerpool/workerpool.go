// Package workerpool runs a small, bounded pool of goroutines for advisory,
// read-only work -- precomputing order book analytics against point-in-time
// snapshots -- that sits alongside the simulation core without ever
// mutating it. Nothing on the synchronous MARKET_DEPTH reply path goes
// through here: a query that needs its answer on the same simulated
// timestamp is served inline by the exchange agent, the way the rest of
// the message bus works.
package workerpool

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const defaultWorkers = 4
const jobQueueSize = 256

// Pool is a fixed-size set of workers draining a job channel.
type Pool struct {
	n    int
	jobs chan func()
	t    *tomb.Tomb
	log  zerolog.Logger
}

// New returns a Pool with n workers (n <= 0 defaults to 4). It does not
// start any goroutines until Start is called.
func New(n int) *Pool {
	if n <= 0 {
		n = defaultWorkers
	}
	return &Pool{
		n:    n,
		jobs: make(chan func(), jobQueueSize),
		log:  log.With().Str("component", "workerpool").Logger(),
	}
}

// Start launches the pool's workers under a tomb bound to ctx and returns
// the tomb's derived context, cancelled when the pool dies.
func (p *Pool) Start(ctx context.Context) context.Context {
	t, ctx := tomb.WithContext(ctx)
	p.t = t
	for i := 0; i < p.n; i++ {
		t.Go(p.worker)
	}
	return ctx
}

func (p *Pool) worker() error {
	for {
		select {
		case <-p.t.Dying():
			return nil
		case job := <-p.jobs:
			job()
		}
	}
}

// Submit enqueues job to run on whichever worker picks it up next. Submit
// blocks if the queue is full; callers doing bursty work should size their
// submissions accordingly.
func (p *Pool) Submit(job func()) {
	p.jobs <- job
}

// Stop signals every worker to exit and waits for them to finish. A pool
// whose context was already cancelled or timed out also stops without error.
func (p *Pool) Stop() error {
	if p.t == nil {
		return nil
	}
	p.t.Kill(nil)
	err := p.t.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
