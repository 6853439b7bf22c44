// Package enginepipe defines the Engine contract (§4.5, §9 "Engine
// polymorphism"): a small capability record plus two bounded channels,
// deliberately avoiding inheritance-style extensibility. The framework
// never assumes an Engine is deterministic, idempotent, or
// side-effect-free — only that it makes progress.
//
// The channel-owning goroutine shape is grounded on the teacher's
// workerPool (internal/server/server.go): a bounded jobs channel drained
// by dedicated goroutines, joined on shutdown via a WaitGroup. Here the
// "job" is the user's engine processing one action and the "workers" are
// the engine's own task, generalized from "persist one message" to
// "run one user-supplied game loop, observed but never driven by the
// framework's step() caller" (§5: "step never suspends inside the
// engine").
package enginepipe

import (
	"context"
	"sync"
)

// ActionEnvelope pairs an action with the client id the Host's wildcard
// action subscriber extracted from the delivery path — never a client id
// carried in the action payload itself (§9).
type ActionEnvelope[A any] struct {
	ClientID string
	Action   A
}

// Engine is the running authoritative logic for one Host lifetime. It is
// created by a Factory exactly once per Host entry and disposed of before
// any new role is entered (§3 Lifecycles).
type Engine[A, S any] interface {
	// Snapshot returns the engine's current state without touching the
	// action/state channels. The Host calls this to answer a JoinRequest
	// with the JoinAccept.initial_state a joining client needs.
	Snapshot() S

	// MaxClients reports the engine's own admission-capacity hint, or nil
	// for unlimited. The Host combines this with its Configuration's
	// MaxClients (the stricter of the two applies).
	MaxClients() *int

	// Wait blocks until the engine's internal task has exited. It returns
	// once the context the Factory was given is canceled, or a non-nil
	// error if the engine failed before then (EngineFailure, §7).
	Wait() error
}

// Factory constructs and starts a running Engine. initialState carries
// state forward across a host handoff; this framework does not implement
// host migration with state handoff (an explicit Non-goal), so the Host
// session always passes nil, but the parameter is kept for
// interface fidelity with §6's factory signature.
//
// actionsIn is fed by the Host's wildcard action subscriber; statesOut is
// drained by the Host's state publisher. Both are bounded channels owned
// by the caller (internal/session), not by the Factory.
type Factory[A, S any] func(ctx context.Context, hostID string, actionsIn <-chan ActionEnvelope[A], statesOut chan<- S, initialState *S) (Engine[A, S], error)

// StepFunc processes one (clientID, action) pair against the engine's
// current state and returns zero or more resulting states to broadcast,
// plus the new current state to retain for the next Snapshot/step.
type StepFunc[A, S any] func(current S, clientID string, action A) (next S, emitted []S)

// NewSimpleFactory builds a Factory around a plain StepFunc: one dedicated
// goroutine drains actionsIn, applies step, and forwards every emitted
// state to statesOut, matching the teacher's workerPool "for msg := range
// jobs" shape. maxClients is the engine's capacity hint (nil = unlimited).
func NewSimpleFactory[A, S any](maxClients *int, initial S, step StepFunc[A, S]) Factory[A, S] {
	return func(ctx context.Context, hostID string, actionsIn <-chan ActionEnvelope[A], statesOut chan<- S, initialState *S) (Engine[A, S], error) {
		state := initial
		if initialState != nil {
			state = *initialState
		}
		e := &simpleEngine[A, S]{
			maxClients: maxClients,
			current:    state,
			done:       make(chan struct{}),
		}
		go e.run(ctx, actionsIn, statesOut, step)
		return e, nil
	}
}

type simpleEngine[A, S any] struct {
	maxClients *int

	mu      sync.Mutex
	current S

	done chan struct{}
	err  error
}

func (e *simpleEngine[A, S]) run(ctx context.Context, actionsIn <-chan ActionEnvelope[A], statesOut chan<- S, step StepFunc[A, S]) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-actionsIn:
			if !ok {
				return
			}
			e.mu.Lock()
			next, emitted := step(e.current, env.ClientID, env.Action)
			e.current = next
			e.mu.Unlock()
			for _, s := range emitted {
				select {
				case statesOut <- s:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (e *simpleEngine[A, S]) Snapshot() S {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

func (e *simpleEngine[A, S]) MaxClients() *int {
	return e.maxClients
}

func (e *simpleEngine[A, S]) Wait() error {
	<-e.done
	return e.err
}
