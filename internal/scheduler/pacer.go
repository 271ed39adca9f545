package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/portalkeep/internal/accounts"
	"github.com/xkilldash9x/portalkeep/internal/observability"
)

// Pacer fans the due accounts out to the decision engine in fixed-size
// batches at a steady rate, so a large backlog never hammers the portal all
// at once.
type Pacer struct {
	processor AccountProcessor
	limiter   *rate.Limiter
	batchSize int
	log       *zap.Logger
}

// NewPacer builds a pacer that admits accountsPerMinute account refreshes,
// with bursts of at most batchSize.
func NewPacer(processor AccountProcessor, batchSize, accountsPerMinute int) *Pacer {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Pacer{
		processor: processor,
		limiter:   rate.NewLimiter(rate.Limit(float64(accountsPerMinute)/60.0), batchSize),
		batchSize: batchSize,
		log:       observability.GetLogger().Named("pacer"),
	}
}

// ProcessAll walks the due accounts batch by batch and returns the tally of
// outcomes. It stops early when the context is cancelled; accounts not yet
// started are simply left for the next cycle.
func (p *Pacer) ProcessAll(ctx context.Context, due []accounts.Account) Tally {
	var (
		mu    sync.Mutex
		tally Tally
	)

	for start := 0; start < len(due); start += p.batchSize {
		end := start + p.batchSize
		if end > len(due) {
			end = len(due)
		}
		batch := due[start:end]

		if err := p.limiter.WaitN(ctx, len(batch)); err != nil {
			p.log.Info("Pacing interrupted, deferring remaining accounts",
				zap.Int("remaining", len(due)-start))
			return tally
		}

		var wg sync.WaitGroup
		for _, acct := range batch {
			wg.Add(1)
			go func(acct accounts.Account) {
				defer wg.Done()
				outcome := p.processOne(ctx, acct)
				mu.Lock()
				tally.Observe(outcome)
				mu.Unlock()
			}(acct)
		}
		wg.Wait()
	}

	return tally
}

// processOne shields the cycle from a panicking collaborator. One bad
// account must not take the whole worker down.
func (p *Pacer) processOne(ctx context.Context, acct accounts.Account) (o Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Panic while processing account",
				zap.String("account_id", acct.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			o = Failed(fmt.Errorf("panic processing account %s: %v", acct.ID, r))
		}
	}()
	return p.processor.Process(ctx, acct)
}
