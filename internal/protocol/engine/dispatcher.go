package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"e2e_engine/internal/metrics"
	"e2e_engine/internal/model"
	"e2e_engine/internal/notification"
	"e2e_engine/internal/repository/kv"
	"e2e_engine/internal/utils/log"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Result int

const (
	Processed Result = iota
	Pending
	Dropped
	Cancelled
)

const (
	ReasonUnknownProtocol  = "unknown_protocol"
	ReasonProtocolMismatch = "protocol_mismatch"
	ReasonUnknownMessage   = "unknown_message"
	ReasonMalformed        = "malformed"
	ReasonReception        = "reception_policy"
	ReasonNoTransition     = "no_transition"
	ReasonNoStep           = "no_step"
	ReasonPendingOverflow  = "pending_overflow"
)

var (
	errNotApplicable = errors.New("engine: no step for current state")
	errNoTransition  = errors.New("engine: step returned no transition")
	errStepFailed    = errors.New("engine: step failed")
)

type (
	Outcome struct {
		Result Result
		State  StateID
		Final  bool
		Reason string
		Err    error
	}

	Dispatcher struct {
		registry *Registry
		store    kv.Provider
		deps     *Dependencies
		locks    *keyedMutex
		warn     *rate.Limiter
		logger   *zap.Logger
	}
)

func (r Result) String() string {
	switch r {
	case Processed:
		return "processed"
	case Pending:
		return "pending"
	case Dropped:
		return "dropped"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

func NewDispatcher(registry *Registry, store kv.Provider, deps *Dependencies) *Dispatcher {
	if deps.Notifier == nil {
		deps.Notifier = notification.Discard{}
	}
	return &Dispatcher{
		registry: registry,
		store:    store,
		deps:     deps,
		locks:    newKeyedMutex(),
		warn:     rate.NewLimiter(rate.Every(time.Second), 5),
		logger:   log.Named("engine"),
	}
}

func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch runs at most one step for msg. Messages no step accepts yet are
// kept and retried after every transition of their instance.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *ReceivedProtocolMessage) (Outcome, error) {
	owned, uid := msg.OwnedIdentity, msg.Envelope.InstanceUID
	unlock := d.locks.lock(string(instanceKey(owned, uid)))
	defer unlock()

	out, err := d.dispatch(ctx, msg, false)
	if err != nil || out.Result != Processed || out.Final {
		return out, err
	}
	if err := d.retryPending(ctx, owned, uid); err != nil {
		d.logger.Warn("retry pending messages", zap.Stringer("instance", uid), zap.Error(err))
	}
	return out, nil
}

// Abort removes an instance and its pending messages.
func (d *Dispatcher) Abort(ctx context.Context, owned model.CryptoIdentity, uid model.UID) error {
	unlock := d.locks.lock(string(instanceKey(owned, uid)))
	defer unlock()

	return d.store.Update(ctx, func(tx kv.Tx) error {
		rec, err := loadInstance(tx, owned, uid)
		if err != nil {
			return err
		}
		if err := deleteInstance(tx, owned, uid); err != nil {
			return err
		}
		if rec != nil {
			tx.OnCommit(func() {
				d.deps.Notifier.Post(notification.Notification{
					Kind:          notification.ProtocolInstanceFinished,
					OwnedIdentity: owned,
					ProtocolID:    int(rec.ProtocolID),
					InstanceUID:   uid,
				})
			})
		}
		return nil
	})
}

func (d *Dispatcher) dispatch(ctx context.Context, msg *ReceivedProtocolMessage, retrying bool) (Outcome, error) {
	var (
		out     Outcome
		stepErr error
		env     = msg.Envelope
		name    = d.registry.Name(env.ProtocolID)
		start   = time.Now()
	)

	err := d.store.Update(ctx, func(tx kv.Tx) error {
		out, stepErr = Outcome{}, nil
		if msg.Consume != nil {
			if err := msg.Consume(tx); err != nil {
				return err
			}
		}

		p, err := d.registry.protocol(env.ProtocolID)
		if err != nil {
			out = Outcome{Result: Dropped, Reason: ReasonUnknownProtocol}
			return nil
		}

		var state State = InitialState{}
		rec, err := loadInstance(tx, msg.OwnedIdentity, env.InstanceUID)
		if err != nil {
			return err
		}
		if rec != nil {
			if rec.ProtocolID != env.ProtocolID {
				out = Outcome{Result: Dropped, Reason: ReasonProtocolMismatch}
				return nil
			}
			if state, err = p.decodeState(rec.StateID, rec.State); err != nil {
				return err
			}
		}

		message, known, err := p.decodeMessage(env.MessageID, env.Body)
		if !known {
			out = Outcome{Result: Dropped, Reason: ReasonUnknownMessage, State: state.StateID()}
			return nil
		}
		if err != nil {
			out = Outcome{Result: Dropped, Reason: ReasonMalformed, State: state.StateID(), Err: err}
			return nil
		}

		step, ok := p.steps[stepKey{state.StateID(), env.MessageID}]
		if !ok {
			if retrying {
				return errNotApplicable
			}
			// only a live instance can still reach a state that accepts it
			if rec == nil || !p.awaited[env.MessageID] {
				out = Outcome{Result: Dropped, Reason: ReasonNoStep, State: state.StateID()}
				return nil
			}
			evicted, err := savePending(tx, msg)
			if err != nil {
				return err
			}
			out = Outcome{Result: Pending, State: state.StateID()}
			if evicted > 0 {
				metrics.DroppedMessages.WithLabelValues(ReasonPendingOverflow).Add(float64(evicted))
			}
			return nil
		}

		if !step.Reception(msg.Reception) {
			out = Outcome{Result: Dropped, Reason: ReasonReception, State: state.StateID()}
			return nil
		}

		sc := &StepContext{
			Tx:                tx,
			Deps:              d.deps,
			ProtocolID:        env.ProtocolID,
			InstanceUID:       env.InstanceUID,
			OwnedIdentity:     msg.OwnedIdentity,
			ReceivedMessageID: msg.ID,
			Reception:         msg.Reception,
		}
		next, err := step.execute(ctx, sc, state, message)
		if err != nil {
			stepErr = err
			return errStepFailed
		}
		if next == nil {
			return errNoTransition
		}
		if !p.declares(next) {
			stepErr = fmt.Errorf("%w: step %s returned undeclared state %T (%d)", ErrInvalidDefinition, step.ID, next, next.StateID())
			return errStepFailed
		}

		final := p.final[next.StateID()]
		if final {
			err = deleteInstance(tx, msg.OwnedIdentity, env.InstanceUID)
		} else {
			err = saveInstance(tx, msg.OwnedIdentity, env.InstanceUID, env.ProtocolID, next)
		}
		if err != nil {
			return err
		}

		out = Outcome{Result: Processed, State: next.StateID(), Final: final}
		if next.StateID() == CancelledStateID {
			out.Result = Cancelled
			out.Reason = next.(CancelledState).Reason
		}
		d.notifyOnCommit(tx, msg, final)
		return nil
	})

	switch {
	case errors.Is(err, errNotApplicable):
		return Outcome{Result: Pending}, nil
	case errors.Is(err, errNoTransition):
		if err := d.consume(ctx, msg); err != nil {
			return Outcome{}, err
		}
		out = Outcome{Result: Dropped, Reason: ReasonNoTransition}
	case errors.Is(err, errStepFailed):
		metrics.StepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		return d.cancel(ctx, msg, name, stepErr)
	case err != nil:
		return Outcome{}, err
	}

	switch out.Result {
	case Dropped:
		d.dropped(msg, name, out)
	case Processed, Cancelled:
		metrics.StepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		metrics.StepExecutions.WithLabelValues(name, out.Result.String()).Inc()
		d.logger.Debug("step executed",
			zap.String("protocol", name),
			zap.Stringer("instance", env.InstanceUID),
			zap.Int("state", int(out.State)),
			zap.Bool("final", out.Final))
	case Pending:
		d.logger.Debug("message pending",
			zap.String("protocol", name),
			zap.Stringer("instance", env.InstanceUID),
			zap.Int("message", int(env.MessageID)))
	}
	return out, nil
}

func (d *Dispatcher) consume(ctx context.Context, msg *ReceivedProtocolMessage) error {
	if msg.Consume == nil {
		return nil
	}
	return d.store.Update(ctx, msg.Consume)
}

// cancel moves the instance to the cancelled state after its step failed.
// The failed step's writes are already rolled back.
func (d *Dispatcher) cancel(ctx context.Context, msg *ReceivedProtocolMessage, name string, cause error) (Outcome, error) {
	err := d.store.Update(ctx, func(tx kv.Tx) error {
		if msg.Consume != nil {
			if err := msg.Consume(tx); err != nil {
				return err
			}
		}
		if err := deleteInstance(tx, msg.OwnedIdentity, msg.Envelope.InstanceUID); err != nil {
			return err
		}
		d.notifyOnCommit(tx, msg, true)
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	metrics.StepExecutions.WithLabelValues(name, Cancelled.String()).Inc()
	d.logger.Error("step failed, instance cancelled",
		zap.String("protocol", name),
		zap.Stringer("instance", msg.Envelope.InstanceUID),
		zap.Error(cause))
	return Outcome{Result: Cancelled, State: CancelledStateID, Final: true, Reason: cause.Error(), Err: cause}, nil
}

func (d *Dispatcher) dropped(msg *ReceivedProtocolMessage, name string, out Outcome) {
	metrics.DroppedMessages.WithLabelValues(out.Reason).Inc()
	fields := []zap.Field{
		zap.String("protocol", name),
		zap.Stringer("instance", msg.Envelope.InstanceUID),
		zap.Int("message", int(msg.Envelope.MessageID)),
		zap.Stringer("channel", msg.Reception.Kind),
		zap.String("reason", out.Reason),
	}
	if out.Err != nil {
		fields = append(fields, zap.Error(out.Err))
	}
	d.logger.Debug("protocol message dropped", fields...)
	if out.Reason == ReasonReception && d.warn.Allow() {
		d.logger.Warn("protocol message received over a channel its step does not accept", fields...)
	}
}

func (d *Dispatcher) notifyOnCommit(tx kv.Tx, msg *ReceivedProtocolMessage, final bool) {
	n := notification.Notification{
		Kind:          notification.ProtocolMessageProcessed,
		OwnedIdentity: msg.OwnedIdentity,
		ProtocolID:    int(msg.Envelope.ProtocolID),
		InstanceUID:   msg.Envelope.InstanceUID,
		MessageID:     msg.ID,
	}
	tx.OnCommit(func() {
		d.deps.Notifier.Post(n)
		if final {
			n.Kind = notification.ProtocolInstanceFinished
			d.deps.Notifier.Post(n)
		}
	})
}

// retryPending replays pending messages of an instance, oldest first, until
// none of them applies to the current state.
func (d *Dispatcher) retryPending(ctx context.Context, owned model.CryptoIdentity, uid model.UID) error {
	for pass := 0; pass <= MaxPendingPerInstance; pass++ {
		var entries []pendingEntry
		err := d.store.View(ctx, func(tx kv.Tx) error {
			var err error
			entries, err = listPending(tx, owned, uid)
			return err
		})
		if err != nil {
			return err
		}

		progressed := false
		for _, e := range entries {
			key := e.key
			e.msg.Consume = func(tx kv.Tx) error {
				return tx.Delete(pendingBucket, key)
			}
			out, err := d.dispatch(ctx, e.msg, true)
			if err != nil {
				return err
			}
			if out.Result == Pending {
				continue
			}
			if out.Final {
				return nil
			}
			progressed = true
			break
		}
		if !progressed {
			return nil
		}
	}
	return nil
}

// Pending returns how many messages wait for the given instance.
func (d *Dispatcher) Pending(ctx context.Context, owned model.CryptoIdentity, uid model.UID) (int, error) {
	var n int
	err := d.store.View(ctx, func(tx kv.Tx) error {
		var err error
		n, err = countPending(tx, owned, uid)
		return err
	})
	return n, err
}

// State returns the persisted state of an instance, or nil when the
// instance does not exist.
func (d *Dispatcher) State(ctx context.Context, owned model.CryptoIdentity, uid model.UID) (State, error) {
	var state State
	err := d.store.View(ctx, func(tx kv.Tx) error {
		rec, err := loadInstance(tx, owned, uid)
		if err != nil || rec == nil {
			return err
		}
		p, err := d.registry.protocol(rec.ProtocolID)
		if err != nil {
			return err
		}
		state, err = p.decodeState(rec.StateID, rec.State)
		return err
	})
	return state, err
}
