package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"e2e_engine/internal/channel"
	"e2e_engine/internal/cryptographic/encryption"
	"e2e_engine/internal/cryptographic/prng"
	"e2e_engine/internal/cryptographic/signature"
	"e2e_engine/internal/model"
	"e2e_engine/internal/notification"
	"e2e_engine/internal/repository/identity"
	"e2e_engine/internal/repository/kv"
	"e2e_engine/internal/repository/kv/memkv"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const testProtocolID ProtocolID = 42

type (
	waitingState struct {
		Count int
	}
	doneState struct {
		Count int
	}
	pausedState struct {
		Count int
	}
	// undeclaredState is returned by a step but missing from the definition.
	undeclaredState struct{}
	// impostorState reuses the id of waitingState.
	impostorState struct {
		Name string
	}

	startMessage struct {
		Note string
	}
	finishMessage     struct{}
	incrementMessage  struct{}
	failMessage       struct{}
	staleMessage      struct{}
	unhandledMessage  struct{}
	pauseMessage      struct{}
	resumeMessage     struct{}
	sendMessage       struct{}
	undeclaredMessage struct{}
	impostorMessage   struct{}

	// outboxChannels queues every post in the step's transaction.
	outboxChannels struct{}

	// commitFailure rolls back every update once fail is set, after the
	// update function itself succeeded.
	commitFailure struct {
		kv.Provider
		fail bool
	}
)

func (waitingState) StateID() StateID    { return 1 }
func (doneState) StateID() StateID       { return 2 }
func (pausedState) StateID() StateID     { return 3 }
func (undeclaredState) StateID() StateID { return 77 }
func (impostorState) StateID() StateID   { return 1 }

func (startMessage) MessageID() MessageID      { return 1 }
func (finishMessage) MessageID() MessageID     { return 2 }
func (incrementMessage) MessageID() MessageID  { return 3 }
func (failMessage) MessageID() MessageID       { return 4 }
func (staleMessage) MessageID() MessageID      { return 5 }
func (unhandledMessage) MessageID() MessageID  { return 6 }
func (pauseMessage) MessageID() MessageID      { return 7 }
func (resumeMessage) MessageID() MessageID     { return 8 }
func (sendMessage) MessageID() MessageID       { return 9 }
func (undeclaredMessage) MessageID() MessageID { return 10 }
func (impostorMessage) MessageID() MessageID   { return 11 }

const outboxBucket = "test_outbox"

var (
	errBoom   = errors.New("boom")
	errCommit = errors.New("commit failed")
)

func (outboxChannels) Post(tx kv.Tx, msg channel.MessageToSend, rng prng.PRNG) ([]model.Destination, error) {
	id := model.NewUID(rng)
	if err := tx.Put(outboxBucket, id[:], []byte{1}); err != nil {
		return nil, err
	}
	return []model.Destination{{}}, nil
}

func (outboxChannels) CreateObliviousChannel(kv.Tx, model.CryptoIdentity, model.UID, model.CryptoIdentity, model.UID, []byte, encryption.SuiteVersion) error {
	return nil
}

func (outboxChannels) ConfirmObliviousChannel(kv.Tx, model.CryptoIdentity, model.CryptoIdentity, model.UID) error {
	return nil
}

func (outboxChannels) DeleteObliviousChannel(kv.Tx, model.CryptoIdentity, model.CryptoIdentity, model.UID) error {
	return nil
}

func (c *commitFailure) Update(ctx context.Context, fn func(kv.Tx) error) error {
	return c.Provider.Update(ctx, func(tx kv.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		if c.fail {
			return errCommit
		}
		return nil
	})
}

func testDefinition() Definition {
	return Definition{
		ID:   testProtocolID,
		Name: "test",
		States: []StateType{
			StateOf[waitingState](),
			StateOf[doneState](),
			StateOf[pausedState](),
		},
		Messages: []MessageType{
			MessageOf[startMessage](),
			MessageOf[finishMessage](),
			MessageOf[incrementMessage](),
			MessageOf[failMessage](),
			MessageOf[staleMessage](),
			MessageOf[unhandledMessage](),
			MessageOf[pauseMessage](),
			MessageOf[resumeMessage](),
			MessageOf[sendMessage](),
			MessageOf[undeclaredMessage](),
			MessageOf[impostorMessage](),
		},
		Steps: []StepDescriptor{
			NewStep("start", FromLocal(), func(_ context.Context, sc *StepContext, _ InitialState, _ startMessage) (State, error) {
				return waitingState{}, nil
			}),
			NewStep("increment", AnyOf(FromLocal(), FromAnyOblivious()), func(_ context.Context, sc *StepContext, s waitingState, _ incrementMessage) (State, error) {
				return waitingState{Count: s.Count + 1}, nil
			}),
			NewStep("finish", FromAnyOblivious(), func(_ context.Context, sc *StepContext, s waitingState, _ finishMessage) (State, error) {
				return doneState{Count: s.Count}, nil
			}),
			NewStep("fail", FromLocal(), func(_ context.Context, sc *StepContext, _ waitingState, _ failMessage) (State, error) {
				if err := sc.Tx.Put("scratch", []byte("written"), []byte{1}); err != nil {
					return nil, err
				}
				return nil, errBoom
			}),
			NewStep("stale", FromLocal(), func(_ context.Context, sc *StepContext, _ waitingState, _ staleMessage) (State, error) {
				return nil, nil
			}),
			NewStep("pause", FromLocal(), func(_ context.Context, sc *StepContext, s waitingState, _ pauseMessage) (State, error) {
				return pausedState{Count: s.Count}, nil
			}),
			NewStep("resume", FromLocal(), func(_ context.Context, sc *StepContext, s pausedState, _ resumeMessage) (State, error) {
				return waitingState{Count: s.Count}, nil
			}),
			NewStep("send", FromLocal(), func(_ context.Context, sc *StepContext, s waitingState, _ sendMessage) (State, error) {
				if _, err := sc.Post(channel.Local(sc.OwnedIdentity), incrementMessage{}); err != nil {
					return nil, err
				}
				return waitingState{Count: s.Count + 1}, nil
			}),
			NewStep("undeclared", FromLocal(), func(_ context.Context, sc *StepContext, _ waitingState, _ undeclaredMessage) (State, error) {
				return undeclaredState{}, nil
			}),
			NewStep("impostor", FromLocal(), func(_ context.Context, sc *StepContext, _ waitingState, _ impostorMessage) (State, error) {
				return impostorState{Name: "not a waiting state"}, nil
			}),
		},
		FinalStates: []StateID{doneState{}.StateID()},
	}
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	db    *memkv.Store
	d     *Dispatcher
	owned model.CryptoIdentity
	bus   *notification.Bus
}

func newHarness(t *testing.T) *harness {
	owned, err := identity.Generate("https://relay.example", signature.Curve25519, prng.System)
	require.NoError(t, err)
	bus := notification.NewBus()
	db := memkv.New()
	d := NewDispatcher(MustRegistry(testDefinition()), db, &Dependencies{Channels: outboxChannels{}, PRNG: prng.System, Notifier: bus})
	return &harness{t: t, ctx: context.Background(), db: db, d: d, owned: owned.Identity, bus: bus}
}

func (h *harness) message(uid model.UID, msg Message, kind model.ChannelKind) *ReceivedProtocolMessage {
	encoded, err := EncodeMessage(testProtocolID, uid, msg)
	require.NoError(h.t, err)
	env, err := DecodeEnvelope(encoded)
	require.NoError(h.t, err)
	return &ReceivedProtocolMessage{
		ID:            model.NewUID(prng.System),
		OwnedIdentity: h.owned,
		Envelope:      env,
		Reception:     model.ReceptionChannelInfo{Kind: kind},
	}
}

func (h *harness) dispatch(uid model.UID, msg Message, kind model.ChannelKind) Outcome {
	out, err := h.d.Dispatch(h.ctx, h.message(uid, msg, kind))
	require.NoError(h.t, err)
	return out
}

func (h *harness) state(uid model.UID) State {
	s, err := h.d.State(h.ctx, h.owned, uid)
	require.NoError(h.t, err)
	return s
}

// raw is the persisted instance record, nil when there is none.
func (h *harness) raw(uid model.UID) []byte {
	var out []byte
	require.NoError(h.t, h.db.View(h.ctx, func(tx kv.Tx) error {
		var err error
		out, err = tx.Get(instancesBucket, instanceKey(h.owned, uid))
		return err
	}))
	return out
}

func (h *harness) pending(uid model.UID) int {
	n, err := h.d.Pending(h.ctx, h.owned, uid)
	require.NoError(h.t, err)
	return n
}

func (h *harness) count(bucket string) int {
	n := 0
	require.NoError(h.t, h.db.View(h.ctx, func(tx kv.Tx) error {
		return tx.ForEach(bucket, nil, func(_, _ []byte) error {
			n++
			return nil
		})
	}))
	return n
}

func TestRegistryRejectsAmbiguousSteps(t *testing.T) {
	def := testDefinition()
	def.Steps = append(def.Steps, NewStep("start-again", FromAsymmetric(), func(context.Context, *StepContext, InitialState, startMessage) (State, error) {
		return nil, nil
	}))
	_, err := NewRegistry(def)
	require.ErrorIs(t, err, ErrAmbiguousStep)

	_, err = NewRegistry(testDefinition(), testDefinition())
	require.ErrorIs(t, err, ErrDuplicateProtocol)

	def = testDefinition()
	def.States = def.States[:1]
	_, err = NewRegistry(def)
	require.ErrorIs(t, err, ErrInvalidDefinition)

	require.Panics(t, func() { MustRegistry(testDefinition(), testDefinition()) })
}

func TestRegistryLookup(t *testing.T) {
	r := MustRegistry(testDefinition())

	step, ok := r.FindStep(testProtocolID, waitingState{}.StateID(), finishMessage{}.MessageID())
	require.True(t, ok)
	require.Equal(t, StepID("finish"), step.ID)

	_, ok = r.FindStep(testProtocolID, doneState{}.StateID(), finishMessage{}.MessageID())
	require.False(t, ok)

	require.True(t, r.IsFinal(testProtocolID, doneState{}.StateID()))
	require.True(t, r.IsFinal(testProtocolID, CancelledStateID))
	require.False(t, r.IsFinal(testProtocolID, waitingState{}.StateID()))
	require.Equal(t, "test", r.Name(testProtocolID))
}

func TestRunToFinalState(t *testing.T) {
	h := newHarness(t)
	events, cancel := h.bus.Subscribe(16)
	defer cancel()
	uid := model.NewUID(prng.System)

	out := h.dispatch(uid, startMessage{Note: "hi"}, model.LocalChannelKind)
	require.Equal(t, Processed, out.Result)
	require.Equal(t, waitingState{}, h.state(uid))

	out = h.dispatch(uid, incrementMessage{}, model.ObliviousChannelKind)
	require.Equal(t, Processed, out.Result)
	require.Equal(t, waitingState{Count: 1}, h.state(uid))

	out = h.dispatch(uid, finishMessage{}, model.ObliviousChannelKind)
	require.Equal(t, Processed, out.Result)
	require.True(t, out.Final)
	require.Nil(t, h.state(uid))

	var kinds []notification.Kind
	for len(events) > 0 {
		kinds = append(kinds, (<-events).Kind)
	}
	require.Equal(t, []notification.Kind{
		notification.ProtocolMessageProcessed,
		notification.ProtocolMessageProcessed,
		notification.ProtocolMessageProcessed,
		notification.ProtocolInstanceFinished,
	}, kinds)
}

func TestReceptionPolicyViolationIsDropped(t *testing.T) {
	h := newHarness(t)
	uid := model.NewUID(prng.System)

	out := h.dispatch(uid, startMessage{}, model.AsymmetricChannelKind)
	require.Equal(t, Dropped, out.Result)
	require.Equal(t, ReasonReception, out.Reason)
	require.Nil(t, h.state(uid))

	h.dispatch(uid, startMessage{}, model.LocalChannelKind)
	out = h.dispatch(uid, finishMessage{}, model.LocalChannelKind)
	require.Equal(t, Dropped, out.Result)
	require.Equal(t, waitingState{}, h.state(uid))
}

func TestUnmatchedMessageIsKeptUntilApplicable(t *testing.T) {
	h := newHarness(t)
	uid := model.NewUID(prng.System)
	h.dispatch(uid, startMessage{}, model.LocalChannelKind)
	h.dispatch(uid, pauseMessage{}, model.LocalChannelKind)

	out := h.dispatch(uid, incrementMessage{}, model.ObliviousChannelKind)
	require.Equal(t, Pending, out.Result)
	out = h.dispatch(uid, finishMessage{}, model.ObliviousChannelKind)
	require.Equal(t, Pending, out.Result)
	require.Equal(t, pausedState{}, h.state(uid))
	require.Equal(t, 2, h.pending(uid))

	out = h.dispatch(uid, resumeMessage{}, model.LocalChannelKind)
	require.Equal(t, Processed, out.Result)

	// resume, then the retained increment and finish in arrival order
	require.Nil(t, h.state(uid))
	require.Zero(t, h.pending(uid))
}

func TestMessageForUnknownInstanceIsNotKept(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 2*MaxPendingPerInstance; i++ {
		out := h.dispatch(model.NewUID(prng.System), finishMessage{}, model.ObliviousChannelKind)
		require.Equal(t, Dropped, out.Result)
		require.Equal(t, ReasonNoStep, out.Reason)
	}
	require.Zero(t, h.count(pendingBucket))
	require.Zero(t, h.count(instancesBucket))
}

func TestPendingIsBounded(t *testing.T) {
	h := newHarness(t)
	uid := model.NewUID(prng.System)
	h.dispatch(uid, startMessage{}, model.LocalChannelKind)
	h.dispatch(uid, pauseMessage{}, model.LocalChannelKind)

	for i := 0; i < MaxPendingPerInstance+5; i++ {
		require.Equal(t, Pending, h.dispatch(uid, incrementMessage{}, model.ObliviousChannelKind).Result)
	}
	require.Equal(t, MaxPendingPerInstance, h.pending(uid))
}

func TestNoMatchingStepLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t)
	uid := model.NewUID(prng.System)
	h.dispatch(uid, startMessage{}, model.LocalChannelKind)
	h.dispatch(uid, incrementMessage{}, model.LocalChannelKind)
	before := h.raw(uid)
	require.NotNil(t, before)

	out := h.dispatch(uid, staleMessage{}, model.LocalChannelKind)
	require.Equal(t, Dropped, out.Result)
	require.Equal(t, ReasonNoTransition, out.Reason)
	require.Equal(t, before, h.raw(uid))

	// the first step's own message, to an instance already past it
	out = h.dispatch(uid, startMessage{Note: "again"}, model.LocalChannelKind)
	require.Equal(t, Dropped, out.Result)
	require.Equal(t, ReasonNoStep, out.Reason)
	require.Equal(t, waitingState{}.StateID(), out.State)
	require.Equal(t, before, h.raw(uid))
	require.Equal(t, waitingState{Count: 1}, h.state(uid))

	out = h.dispatch(uid, unhandledMessage{}, model.LocalChannelKind)
	require.Equal(t, Dropped, out.Result)
	require.Equal(t, ReasonNoStep, out.Reason)
	require.Equal(t, before, h.raw(uid))
	require.Zero(t, h.pending(uid))

	env := h.message(uid, incrementMessage{}, model.LocalChannelKind)
	env.Envelope.MessageID = 99
	out, err := h.d.Dispatch(h.ctx, env)
	require.NoError(t, err)
	require.Equal(t, ReasonUnknownMessage, out.Reason)

	env = h.message(uid, incrementMessage{}, model.LocalChannelKind)
	env.Envelope.ProtocolID = 7
	out, err = h.d.Dispatch(h.ctx, env)
	require.NoError(t, err)
	require.Equal(t, ReasonUnknownProtocol, out.Reason)
	require.Equal(t, before, h.raw(uid))
}

func TestUndeclaredStateCancelsInstance(t *testing.T) {
	for name, msg := range map[string]Message{
		"unknown id":   undeclaredMessage{},
		"foreign type": impostorMessage{},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			uid := model.NewUID(prng.System)
			h.dispatch(uid, startMessage{}, model.LocalChannelKind)

			out := h.dispatch(uid, msg, model.LocalChannelKind)
			require.Equal(t, Cancelled, out.Result)
			require.ErrorIs(t, out.Err, ErrInvalidDefinition)
			require.Nil(t, h.state(uid))

			// the instance uid is usable again
			out = h.dispatch(uid, startMessage{}, model.LocalChannelKind)
			require.Equal(t, Processed, out.Result)
			require.Equal(t, waitingState{}, h.state(uid))
		})
	}
}

func TestFailedCommitLeavesNothingBehind(t *testing.T) {
	h := newHarness(t)
	store := &commitFailure{Provider: h.db}
	d := NewDispatcher(MustRegistry(testDefinition()), store, h.d.deps)
	uid := model.NewUID(prng.System)

	out, err := d.Dispatch(h.ctx, h.message(uid, startMessage{}, model.LocalChannelKind))
	require.NoError(t, err)
	require.Equal(t, Processed, out.Result)
	before := h.raw(uid)

	store.fail = true
	msg := h.message(uid, sendMessage{}, model.LocalChannelKind)
	_, err = d.Dispatch(h.ctx, msg)
	require.ErrorIs(t, err, errCommit)
	require.Equal(t, before, h.raw(uid))
	require.Zero(t, h.count(outboxBucket))
	require.Zero(t, h.pending(uid))

	store.fail = false
	out, err = d.Dispatch(h.ctx, msg)
	require.NoError(t, err)
	require.Equal(t, Processed, out.Result)
	require.Equal(t, waitingState{Count: 1}, h.state(uid))
	require.Equal(t, 1, h.count(outboxBucket))
}

func TestStepFailureCancelsInstance(t *testing.T) {
	h := newHarness(t)
	uid := model.NewUID(prng.System)
	h.dispatch(uid, startMessage{}, model.LocalChannelKind)
	require.Equal(t, Pending, h.dispatch(uid, resumeMessage{}, model.LocalChannelKind).Result)

	msg := h.message(uid, failMessage{}, model.LocalChannelKind)
	consumed := 0
	msg.Consume = func(tx kv.Tx) error {
		consumed++
		return tx.Put("consumed", msg.ID[:], []byte{1})
	}
	out, err := h.d.Dispatch(h.ctx, msg)
	require.NoError(t, err)
	require.Equal(t, Cancelled, out.Result)
	require.ErrorIs(t, out.Err, errBoom)
	require.Nil(t, h.state(uid))
	require.Equal(t, 2, consumed)

	n, err := h.d.Pending(h.ctx, h.owned, uid)
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, h.db.View(h.ctx, func(tx kv.Tx) error {
		v, err := tx.Get("scratch", []byte("written"))
		require.NoError(t, err)
		require.Nil(t, v)
		v, err = tx.Get("consumed", msg.ID[:])
		require.NoError(t, err)
		require.NotNil(t, v)
		return nil
	}))
}

func TestAbortRemovesInstance(t *testing.T) {
	h := newHarness(t)
	uid := model.NewUID(prng.System)
	h.dispatch(uid, startMessage{}, model.LocalChannelKind)
	require.Equal(t, Pending, h.dispatch(uid, resumeMessage{}, model.LocalChannelKind).Result)
	require.Equal(t, 1, h.pending(uid))

	require.NoError(t, h.d.Abort(h.ctx, h.owned, uid))
	require.Nil(t, h.state(uid))
	n, err := h.d.Pending(h.ctx, h.owned, uid)
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, h.d.Abort(h.ctx, h.owned, uid))
}

func TestConcurrentDispatchIsSerialised(t *testing.T) {
	h := newHarness(t)
	uid := model.NewUID(prng.System)
	other := model.NewUID(prng.System)
	h.dispatch(uid, startMessage{}, model.LocalChannelKind)
	h.dispatch(other, startMessage{}, model.LocalChannelKind)

	const n = 50
	ctx, cancel := context.WithTimeout(h.ctx, 10*time.Second)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		target := uid
		if i%2 == 1 {
			target = other
		}
		msg := h.message(target, incrementMessage{}, model.ObliviousChannelKind)
		g.Go(func() error {
			out, err := h.d.Dispatch(ctx, msg)
			if err != nil {
				return err
			}
			if out.Result != Processed {
				return errors.New(out.Result.String())
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Equal(t, waitingState{Count: n / 2}, h.state(uid))
	require.Equal(t, waitingState{Count: n / 2}, h.state(other))
}

func TestInstancesListing(t *testing.T) {
	h := newHarness(t)
	a, b := model.NewUID(prng.System), model.NewUID(prng.System)
	h.dispatch(a, startMessage{}, model.LocalChannelKind)
	h.dispatch(b, startMessage{}, model.LocalChannelKind)
	h.dispatch(b, incrementMessage{}, model.LocalChannelKind)
	h.dispatch(b, finishMessage{}, model.ObliviousChannelKind)

	require.NoError(t, h.db.View(h.ctx, func(tx kv.Tx) error {
		list, err := Instances(tx, h.owned)
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.Equal(t, a, list[0].InstanceUID)
		require.Equal(t, testProtocolID, list[0].ProtocolID)
		return nil
	}))
}
