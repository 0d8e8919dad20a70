package executor

import (
	"context"
	"fmt"
	"time"
)

// Built-in kinds registered by the server
const (
	KindNoop  = "noop"
	KindSleep = "sleep"
)

// RegisterBuiltins registers the noop and sleep executors
func RegisterBuiltins(r *Registry) error {
	if err := r.Register(KindNoop, Noop{}); err != nil {
		return err
	}
	return r.Register(KindSleep, Sleep{})
}

// Noop returns immediately. Useful as an itinerary barrier.
type Noop struct{}

func (Noop) Execute(ctx context.Context, call *Call) (any, error) {
	return nil, nil
}

// SleepArgs are the arguments of the sleep executor
type SleepArgs struct {
	Duration string `json:"duration"`
}

// Sleep waits for the requested duration, reporting progress once a second.
// It can be canceled.
type Sleep struct{}

func (Sleep) Execute(ctx context.Context, call *Call) (any, error) {
	var args SleepArgs
	if err := call.DecodeArgs(&args); err != nil {
		return nil, err
	}
	d := time.Second
	if args.Duration != "" {
		parsed, err := time.ParseDuration(args.Duration)
		if err != nil {
			return nil, fmt.Errorf("sleep: invalid duration %q: %w", args.Duration, err)
		}
		d = parsed
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-timer.C:
			return map[string]string{"slept": d.String()}, nil
		case <-ticker.C:
			elapsed := time.Since(start).Round(time.Second)
			_ = call.ReportProgress(map[string]string{"elapsed": elapsed.String(), "total": d.String()})
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (Sleep) Cancel(call *Call) error {
	logger := call.Logger()
	logger.Info().Msg("Sleep interrupted by cancel request")
	return nil
}
