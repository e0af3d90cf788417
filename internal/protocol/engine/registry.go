package engine

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateProtocol = errors.New("engine: duplicate protocol id")
	ErrAmbiguousStep     = errors.New("engine: more than one step for a (state, message) pair")
	ErrInvalidDefinition = errors.New("engine: invalid protocol definition")
	ErrUnknownProtocol   = errors.New("engine: unknown protocol")
)

type (
	stepKey struct {
		state   StateID
		message MessageID
	}

	protocol struct {
		def      Definition
		states   map[StateID]StateType
		messages map[MessageID]MessageType
		steps    map[stepKey]StepDescriptor
		final    map[StateID]bool
		// awaited holds the messages some non-initial state has a step for.
		awaited  map[MessageID]bool
	}

	// Registry is built once at startup and read-only afterwards.
	Registry struct {
		protocols map[ProtocolID]*protocol
	}
)

func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{protocols: make(map[ProtocolID]*protocol, len(defs))}
	for _, def := range defs {
		if _, ok := r.protocols[def.ID]; ok {
			return nil, fmt.Errorf("%w: %d (%s)", ErrDuplicateProtocol, def.ID, def.Name)
		}
		p, err := compile(def)
		if err != nil {
			return nil, err
		}
		r.protocols[def.ID] = p
	}
	return r, nil
}

func MustRegistry(defs ...Definition) *Registry {
	r, err := NewRegistry(defs...)
	if err != nil {
		panic(err)
	}
	return r
}

func compile(def Definition) (*protocol, error) {
	p := &protocol{
		def:      def,
		states:   map[StateID]StateType{InitialStateID: StateOf[InitialState](), CancelledStateID: StateOf[CancelledState]()},
		messages: make(map[MessageID]MessageType, len(def.Messages)),
		steps:    make(map[stepKey]StepDescriptor, len(def.Steps)),
		final:    map[StateID]bool{CancelledStateID: true},
		awaited:  make(map[MessageID]bool),
	}

	for _, st := range def.States {
		if _, ok := p.states[st.ID]; ok {
			return nil, fmt.Errorf("%w: %s declares state %d twice", ErrInvalidDefinition, def.Name, st.ID)
		}
		p.states[st.ID] = st
	}
	for _, mt := range def.Messages {
		if _, ok := p.messages[mt.ID]; ok {
			return nil, fmt.Errorf("%w: %s declares message %d twice", ErrInvalidDefinition, def.Name, mt.ID)
		}
		p.messages[mt.ID] = mt
	}
	for _, id := range def.FinalStates {
		if _, ok := p.states[id]; !ok {
			return nil, fmt.Errorf("%w: %s final state %d is not declared", ErrInvalidDefinition, def.Name, id)
		}
		p.final[id] = true
	}

	for _, s := range def.Steps {
		if s.execute == nil || s.Reception == nil {
			return nil, fmt.Errorf("%w: %s step %s is incomplete", ErrInvalidDefinition, def.Name, s.ID)
		}
		if _, ok := p.states[s.ExpectedState]; !ok {
			return nil, fmt.Errorf("%w: %s step %s expects undeclared state %d", ErrInvalidDefinition, def.Name, s.ID, s.ExpectedState)
		}
		if _, ok := p.messages[s.ExpectedMessage]; !ok {
			return nil, fmt.Errorf("%w: %s step %s expects undeclared message %d", ErrInvalidDefinition, def.Name, s.ID, s.ExpectedMessage)
		}
		if p.final[s.ExpectedState] {
			return nil, fmt.Errorf("%w: %s step %s starts from final state %d", ErrInvalidDefinition, def.Name, s.ID, s.ExpectedState)
		}
		key := stepKey{s.ExpectedState, s.ExpectedMessage}
		if other, ok := p.steps[key]; ok {
			return nil, fmt.Errorf("%w: %s steps %s and %s", ErrAmbiguousStep, def.Name, other.ID, s.ID)
		}
		p.steps[key] = s
		if s.ExpectedState != InitialStateID {
			p.awaited[s.ExpectedMessage] = true
		}
	}
	return p, nil
}

func (r *Registry) protocol(id ProtocolID) (*protocol, error) {
	p, ok := r.protocols[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownProtocol, id)
	}
	return p, nil
}

// Name returns the protocol's name, or its id when unknown.
func (r *Registry) Name(id ProtocolID) string {
	if p, ok := r.protocols[id]; ok {
		return p.def.Name
	}
	return fmt.Sprintf("protocol-%d", id)
}

// FindStep returns the only step that handles (state, message), if any.
func (r *Registry) FindStep(id ProtocolID, state StateID, message MessageID) (StepDescriptor, bool) {
	p, ok := r.protocols[id]
	if !ok {
		return StepDescriptor{}, false
	}
	s, ok := p.steps[stepKey{state, message}]
	return s, ok
}

func (r *Registry) IsFinal(id ProtocolID, state StateID) bool {
	if state == CancelledStateID {
		return true
	}
	p, ok := r.protocols[id]
	return ok && p.final[state]
}

func (p *protocol) decodeState(id StateID, raw []byte) (State, error) {
	st, ok := p.states[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no state %d", ErrInvalidDefinition, p.def.Name, id)
	}
	return st.decode(raw)
}

// declares reports whether s is the variant the protocol registered for its id.
func (p *protocol) declares(s State) bool {
	st, ok := p.states[s.StateID()]
	return ok && st.is(s)
}

func (p *protocol) decodeMessage(id MessageID, raw []byte) (Message, bool, error) {
	mt, ok := p.messages[id]
	if !ok {
		return nil, false, nil
	}
	m, err := mt.decode(raw)
	return m, true, err
}
