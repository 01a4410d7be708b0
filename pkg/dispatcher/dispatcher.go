// Package dispatcher is the single entry point for commands. Commands for the
// same subsystem run one at a time; commands for different subsystems run
// concurrently.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	werrors "github.com/lucid-vigil/warden/pkg/errors"
	"github.com/lucid-vigil/warden/pkg/events"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const maxAsyncResults = 1024

// Dispatcher routes commands to handlers.
type Dispatcher struct {
	handlers map[CommandType]Handler
	gate     Gate
	bus      *events.Bus[events.SystemEvent]
	logger   zerolog.Logger
	mu       sync.RWMutex

	lanesMu sync.Mutex
	lanes   map[string]chan struct{}

	admitMu  sync.RWMutex
	inflight sync.WaitGroup
	closed   bool

	resultsMu sync.Mutex
	results   map[string]CommandResult
	order     []string

	executed metric.Int64Counter
	rejected metric.Int64Counter
}

// New creates a dispatcher. gate and bus may be nil.
func New(gate Gate, bus *events.Bus[events.SystemEvent], logger zerolog.Logger) *Dispatcher {
	meter := otel.Meter("warden")
	executed, _ := meter.Int64Counter("warden.commands.executed", metric.WithDescription("Commands executed by type and outcome"))
	rejected, _ := meter.Int64Counter("warden.commands.rejected", metric.WithDescription("Commands rejected before execution"))

	return &Dispatcher{
		handlers: make(map[CommandType]Handler),
		gate:     gate,
		bus:      bus,
		logger:   logger.With().Str("component", "command_dispatcher").Logger(),
		lanes:    make(map[string]chan struct{}),
		results:  make(map[string]CommandResult),
		executed: executed,
		rejected: rejected,
	}
}

// Register installs the handler for a command type.
func (d *Dispatcher) Register(t CommandType, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = h
	d.logger.Info().Str("command", string(t)).Msg("Command handler registered")
}

// Dispatch executes cmd and returns its result. A non-nil error always comes
// with a failed result. A command with the "async" parameter set
// is accepted immediately; its final result is available from Result.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (CommandResult, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	d.mu.RLock()
	h, ok := d.handlers[cmd.Type]
	d.mu.RUnlock()
	if !ok {
		return d.reject(ctx, cmd, fmt.Errorf("%w: %q", werrors.ErrUnknownCommand, cmd.Type))
	}
	if !cmd.Type.IsEmergency() && d.gate != nil {
		if err := d.gate.Admit(cmd); err != nil {
			return d.reject(ctx, cmd, err)
		}
	}

	d.admitMu.RLock()
	if d.closed {
		d.admitMu.RUnlock()
		return d.reject(ctx, cmd, werrors.ErrShuttingDown)
	}
	d.inflight.Add(1)
	d.admitMu.RUnlock()

	if cmd.Bool("async") && !cmd.Type.IsEmergency() {
		d.store(CommandResult{CommandID: cmd.ID, Message: "pending"})
		go func() {
			defer d.inflight.Done()
			res, _ := d.execute(context.WithoutCancel(ctx), h, cmd)
			d.store(res)
		}()
		return CommandResult{
			CommandID: cmd.ID,
			Success:   true,
			Message:   "accepted",
			Data:      map[string]any{"command_id": cmd.ID},
		}, nil
	}

	defer d.inflight.Done()
	return d.execute(ctx, h, cmd)
}

func (d *Dispatcher) execute(ctx context.Context, h Handler, cmd Command) (res CommandResult, err error) {
	log := d.logger.With().Str("command_id", cmd.ID).Str("command", string(cmd.Type)).Str("target", cmd.Target()).Logger()

	if !cmd.Type.IsEmergency() {
		release, lerr := d.acquire(ctx, cmd.Target())
		if lerr != nil {
			return d.finish(ctx, cmd, CommandResult{}, lerr)
		}
		defer release()

		// an emergency may have begun while the command waited for its lane
		if d.gate != nil {
			if gerr := d.gate.Admit(cmd); gerr != nil {
				return d.reject(ctx, cmd, gerr)
			}
		}
	}

	log.Info().Msg("Executing command")
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = werrors.Recovered("command "+string(cmd.Type), r)
				log.Error().Err(err).Msg("Command handler panicked")
			}
		}()
		res, err = h.Handle(ctx, cmd)
	}()

	return d.finish(ctx, cmd, res, err)
}

func (d *Dispatcher) finish(ctx context.Context, cmd Command, res CommandResult, err error) (CommandResult, error) {
	res.CommandID = cmd.ID
	if err != nil {
		res.Success = false
		if res.Message == "" {
			res.Message = err.Error()
		}
	} else if !res.Success && res.Message == "" {
		res.Message = "command failed"
	}

	outcome := "success"
	if !res.Success {
		outcome = "failure"
	}
	d.executed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(cmd.Type)),
		attribute.String("outcome", outcome),
	))

	var ev *zerolog.Event
	if res.Success {
		ev = d.logger.Info()
	} else {
		ev = d.logger.Warn().AnErr("error", err)
	}
	ev.Str("command_id", cmd.ID).Str("command", string(cmd.Type)).Bool("success", res.Success).Msg(res.Message)

	if d.bus != nil {
		d.bus.Publish(events.NewSystemEvent(events.EventCommandExecuted, events.SeverityInfo,
			fmt.Sprintf("%s: %s", cmd.Type, res.Message),
			map[string]any{"command_id": cmd.ID, "type": string(cmd.Type), "success": res.Success, "target": cmd.Target()}))
	}
	return res, err
}

func (d *Dispatcher) reject(ctx context.Context, cmd Command, err error) (CommandResult, error) {
	d.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(cmd.Type))))
	d.logger.Warn().Err(err).Str("command_id", cmd.ID).Str("command", string(cmd.Type)).Msg("Command rejected")
	return CommandResult{CommandID: cmd.ID, Success: false, Message: err.Error()}, err
}

// acquire waits for the target's lane. Each lane admits one command.
func (d *Dispatcher) acquire(ctx context.Context, target string) (func(), error) {
	d.lanesMu.Lock()
	lane, ok := d.lanes[target]
	if !ok {
		lane = make(chan struct{}, 1)
		d.lanes[target] = lane
	}
	d.lanesMu.Unlock()

	select {
	case lane <- struct{}{}:
		return func() { <-lane }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s: %w", target, ctx.Err())
	}
}

func (d *Dispatcher) store(res CommandResult) {
	d.resultsMu.Lock()
	defer d.resultsMu.Unlock()
	if _, exists := d.results[res.CommandID]; !exists {
		d.order = append(d.order, res.CommandID)
		if len(d.order) > maxAsyncResults {
			delete(d.results, d.order[0])
			d.order = d.order[1:]
		}
	}
	d.results[res.CommandID] = res
}

// Result returns the latest known result of an asynchronous command.
func (d *Dispatcher) Result(id string) (CommandResult, bool) {
	d.resultsMu.Lock()
	defer d.resultsMu.Unlock()
	r, ok := d.results[id]
	return r, ok
}

// Close rejects new commands. In-flight commands continue.
func (d *Dispatcher) Close() {
	d.admitMu.Lock()
	defer d.admitMu.Unlock()
	d.closed = true
}

// Drain waits for in-flight commands or until ctx is done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining commands: %w", ctx.Err())
	}
}
