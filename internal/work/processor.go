package work

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor executes work items one at a time. Triggers wake it up; after
// each completed item it re-scans for the next eligible one, so a single
// trigger drains everything that is currently runnable.
type Processor struct {
	registry   *Registry
	completion *CompletionTracker
	timing     *TimingChecker
	timeout    time.Duration

	trigger chan struct{}
	done    chan struct{}
	stop    chan struct{}
	stopped chan struct{}

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	queue    []*WorkItem     // retries and manual enqueues, FIFO
	inFlight map[string]bool // item IDs currently executing
}

// NewProcessor creates a work processor with the default item timeout.
func NewProcessor(registry *Registry, completion *CompletionTracker, timing *TimingChecker) *Processor {
	return NewProcessorWithTimeout(registry, completion, timing, WorkTimeout)
}

// NewProcessorWithTimeout creates a processor with a custom default
// timeout, mainly for tests.
func NewProcessorWithTimeout(registry *Registry, completion *CompletionTracker, timing *TimingChecker, timeout time.Duration) *Processor {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Processor{
		registry:   registry,
		completion: completion,
		timing:     timing,
		timeout:    timeout,
		trigger:    make(chan struct{}, 1),
		done:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		queue:      make([]*WorkItem, 0),
		inFlight:   make(map[string]bool),
	}
}

// Run is the processor loop. It blocks until Stop is called.
func (p *Processor) Run() {
	defer close(p.stopped)

	for {
		select {
		case <-p.stop:
			return
		case <-p.trigger:
			p.processOne()
		case <-p.done:
			p.processOne()
		}
	}
}

// Stop shuts the processor down: the loop exits, the in-flight execution
// context is cancelled, and Stop blocks until that execution drains.
// Call it once.
func (p *Processor) Stop() {
	close(p.stop)
	p.baseCancel()
	<-p.stopped
	p.wg.Wait()
}

// Stopping reports whether shutdown has begun. Long-running work polls this
// to stop cooperatively.
func (p *Processor) Stopping() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

// Trigger wakes the processor to look for work. Non-blocking.
func (p *Processor) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Enqueue queues one item of the given work type, bypassing interval and
// dependency checks, and wakes the processor. Session timing still applies
// only to scanned work; queued items run as soon as the processor is free.
func (p *Processor) Enqueue(workTypeID, subject string) error {
	wt := p.registry.Get(workTypeID)
	if wt == nil {
		return fmt.Errorf("unknown work type: %s", workTypeID)
	}

	p.push(NewWorkItem(wt, subject))
	p.Trigger()
	return nil
}

// processOne finds and starts the next eligible work item, unless one is
// already in flight.
func (p *Processor) processOne() {
	p.mu.Lock()
	if len(p.inFlight) > 0 {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	item, wt := p.findNextWork()
	if item == nil {
		item, wt = p.pop()
	}
	if item == nil {
		return
	}

	p.mu.Lock()
	p.inFlight[item.ID] = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.inFlight, item.ID)
			p.mu.Unlock()

			select {
			case p.done <- struct{}{}:
			default:
			}
		}()

		ctx, cancel := p.execCtx(wt)
		defer cancel()

		started := time.Now()
		err := wt.Execute(ctx, item.Subject)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				log.Error().Str("work", item.ID).Dur("after", time.Since(started)).Msg("Work timed out")
			} else {
				log.Error().Err(err).Str("work", item.ID).Msg("Work failed")
			}

			item.Retries++
			if item.Retries < MaxRetries && !p.Stopping() {
				p.push(item)
			} else {
				log.Warn().Str("work", item.ID).Int("retries", item.Retries).Msg("Giving up on work item")
			}
			return
		}

		p.completion.MarkCompleted(item)
		log.Debug().Str("work", item.ID).Dur("duration", time.Since(started)).Msg("Work completed")
	}()
}

// execCtx builds the execution context for one work type.
func (p *Processor) execCtx(wt *WorkType) (context.Context, context.CancelFunc) {
	timeout := wt.Timeout
	if timeout == 0 {
		timeout = p.timeout
	}
	if timeout < 0 {
		return context.WithCancel(p.baseCtx)
	}
	return context.WithTimeout(p.baseCtx, timeout)
}

// findNextWork scans the registry for the highest-priority eligible item.
func (p *Processor) findNextWork() (*WorkItem, *WorkType) {
	for _, wt := range p.registry.ByPriority() {
		if wt.Interval == 0 || wt.FindSubjects == nil {
			// on-demand only, runs through the queue
			continue
		}

		subjects := wt.FindSubjects()
		if subjects == nil {
			continue
		}

		for _, subject := range subjects {
			if !p.timing.CanExecute(wt.MarketTiming) {
				continue
			}
			if !p.completion.IsStale(wt.ID, subject, wt.Interval) {
				continue
			}
			if !p.dependenciesMet(wt, subject) {
				continue
			}
			return NewWorkItem(wt, subject), wt
		}
	}

	return nil, nil
}

// dependenciesMet reports whether every dependency has completed at least
// once, scoped to the same subject.
func (p *Processor) dependenciesMet(wt *WorkType, subject string) bool {
	for _, depID := range wt.DependsOn {
		if _, exists := p.completion.GetCompletion(depID, subject); !exists {
			return false
		}
	}
	return true
}

func (p *Processor) push(item *WorkItem) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.queue = append(p.queue, item)
}

// pop takes the oldest queued item whose work type is still registered.
func (p *Processor) pop() (*WorkItem, *WorkType) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) > 0 {
		item := p.queue[0]
		p.queue = p.queue[1:]

		if wt := p.registry.Get(item.TypeID); wt != nil {
			return item, wt
		}
		log.Warn().Str("work", item.ID).Msg("Dropping queued item for unregistered work type")
	}
	return nil, nil
}

// QueueDepth reports how many items wait in the retry/enqueue queue.
func (p *Processor) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.queue)
}
