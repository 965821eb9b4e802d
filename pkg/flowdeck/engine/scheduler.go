// Package engine – scheduler.go drives automatic runs. A once-a-minute
// cron tick feeds scheduled and threshold triggers; a board event
// subscription feeds event triggers. Fired instructions go through the
// same gated execution path as manual runs.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowdeck/flowdeck/pkg/flowdeck/board"
)

// Scheduler evaluates triggers and hands fired instructions to the engine.
type Scheduler struct {
	engine       *Engine
	instructions InstructionStorage
	evaluator    *Evaluator
	bus          *board.Bus

	cron        *cron.Cron
	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc
	logger      *slog.Logger
}

// NewScheduler creates a Scheduler. Start must be called to begin
// evaluating triggers.
func NewScheduler(engine *Engine, instructions InstructionStorage, states TriggerStateStorage, store board.Store, bus *board.Bus, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		engine:       engine,
		instructions: instructions,
		evaluator:    NewEvaluator(store, states, logger),
		bus:          bus,
		cron:         cron.New(),
		logger:       logger.With("component", "scheduler"),
	}
}

// Start begins the minute tick and the board event subscription.
func (s *Scheduler) Start() error {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if _, err := s.cron.AddFunc("* * * * *", s.tick); err != nil {
		return err
	}
	s.unsubscribe = s.bus.Subscribe(s.onEvent)
	s.cron.Start()
	s.logger.Info("trigger evaluation started")
	return nil
}

// Stop halts trigger evaluation and cancels runs the scheduler started.
// In-flight cron callbacks are allowed to finish.
func (s *Scheduler) Stop() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("trigger evaluation stopped")
}

func (s *Scheduler) tick() {
	instructions, err := s.instructions.Instructions()
	if err != nil {
		s.logger.Error("failed to load instructions for tick", "error", err)
		return
	}
	s.dispatch(s.evaluator.EvaluateTick(time.Now(), instructions))
}

func (s *Scheduler) onEvent(ev board.Event) {
	instructions, err := s.instructions.Instructions()
	if err != nil {
		s.logger.Error("failed to load instructions for event", "error", err)
		return
	}
	s.dispatch(s.evaluator.EvaluateEvent(ev, instructions))
}

// dispatch runs each fired instruction on its own goroutine so a long run
// on one channel never delays another channel's trigger. The per-channel
// slot already rejects a second run on the same channel; a run skipped for
// a busy slot or a safeguard denial returns its trigger state so the next
// evaluation retries within the same period.
func (s *Scheduler) dispatch(fired []Firing) {
	for _, f := range fired {
		f := f
		go func() {
			if !s.engine.RunAuto(s.ctx, f.Instruction) {
				f.Release()
			}
		}()
	}
}
