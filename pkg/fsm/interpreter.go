package fsm

import (
	"log/slog"
	"sync"

	"github.com/tombee/maestro/pkg/errors"
)

// ErrNotRunning is returned by Send when the interpreter has not been
// started or has already halted.
var ErrNotRunning = errors.New("fsm: interpreter is not running")

// ErrAlreadyStarted is returned by Start on a running or completed
// interpreter.
var ErrAlreadyStarted = errors.New("fsm: interpreter already started")

// TransitionObserver is notified after each taken transition, from the
// interpreter goroutine. Observers must not block for long; they run in
// line with event processing.
type TransitionObserver func(from, to string, ev Event)

// LifecycleObserver is notified when the interpreter completes (reaches a
// final state) or is stopped.
type LifecycleObserver func(ctx *Context)

// Interpreter animates one Machine instance. Each interpreter owns a
// context and a serialized event queue; events are processed one at a
// time on a dedicated goroutine. Entry actions run on that goroutine and
// may send follow-up events into the same interpreter without blocking.
type Interpreter struct {
	machine *Machine
	ctx     *Context
	logger  *slog.Logger

	mu      sync.Mutex
	current string
	queue   []Event
	started bool
	halted  bool

	// signal wakes the run loop when events arrive. Capacity 1 so
	// enqueues never block.
	signal   chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	onTransition []TransitionObserver
	onDone       []LifecycleObserver
	onStop       []LifecycleObserver
}

// NewInterpreter creates an interpreter for the given machine with an
// empty context. The machine is validated on Start.
func NewInterpreter(machine *Machine) *Interpreter {
	return &Interpreter{
		machine: machine,
		ctx:     NewContext(nil),
		logger:  slog.Default(),
		signal:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// WithContext seeds the interpreter context. Must be called before Start.
func (i *Interpreter) WithContext(values map[string]any) *Interpreter {
	i.ctx = NewContext(values)
	return i
}

// WithLogger sets a custom logger for the interpreter.
func (i *Interpreter) WithLogger(logger *slog.Logger) *Interpreter {
	i.logger = logger
	return i
}

// OnTransition registers an observer called after every taken transition.
func (i *Interpreter) OnTransition(fn TransitionObserver) *Interpreter {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.onTransition = append(i.onTransition, fn)
	return i
}

// OnDone registers an observer called when a final state is entered.
func (i *Interpreter) OnDone(fn LifecycleObserver) *Interpreter {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.onDone = append(i.onDone, fn)
	return i
}

// OnStop registers an observer called when the interpreter is stopped
// before reaching a final state.
func (i *Interpreter) OnStop(fn LifecycleObserver) *Interpreter {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.onStop = append(i.onStop, fn)
	return i
}

// Context returns the interpreter-local context.
func (i *Interpreter) Context() *Context {
	return i.ctx
}

// Current returns the current state name, or "" before Start.
func (i *Interpreter) Current() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.current
}

// Done returns a channel closed when the interpreter halts, either by
// reaching a final state or by being stopped.
func (i *Interpreter) Done() <-chan struct{} {
	return i.doneCh
}

// Running reports whether the interpreter has started and not yet halted.
func (i *Interpreter) Running() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.started && !i.halted
}

// Start validates the machine, enters the initial state and begins
// processing events. The initial state's entry action runs on the
// interpreter goroutine before any queued event.
func (i *Interpreter) Start() error {
	if err := i.machine.Validate(); err != nil {
		return err
	}

	i.mu.Lock()
	if i.started || i.halted {
		i.mu.Unlock()
		return ErrAlreadyStarted
	}
	i.started = true
	i.current = i.machine.Initial
	i.mu.Unlock()

	go i.run()
	return nil
}

// Send queues an event for processing. Events are processed in send
// order, one at a time. Safe to call from entry actions and from other
// goroutines. Events with no applicable transition are dropped.
func (i *Interpreter) Send(ev Event) error {
	i.mu.Lock()
	if !i.started || i.halted {
		i.mu.Unlock()
		return ErrNotRunning
	}
	i.queue = append(i.queue, ev)
	i.mu.Unlock()

	select {
	case i.signal <- struct{}{}:
	default:
		// A wakeup is already pending.
	}
	return nil
}

// SendEvent queues an event by name with no payload.
func (i *Interpreter) SendEvent(name string) error {
	return i.Send(Event{Name: name})
}

// Stop halts the interpreter. Stop observers fire if the interpreter had
// not already completed. Blocks until the run loop has exited. Must not
// be called from within an action; actions should drive the machine to a
// final state instead.
func (i *Interpreter) Stop() {
	i.mu.Lock()
	started := i.started
	if !started {
		i.halted = true
	}
	i.mu.Unlock()

	i.stopOnce.Do(func() {
		close(i.stopCh)
		if !started {
			// No run loop exists to close doneCh.
			close(i.doneCh)
		}
	})
	<-i.doneCh
}

func (i *Interpreter) run() {
	defer close(i.doneCh)

	if done := i.enter(i.machine.Initial, Event{Name: "__start__"}); done {
		return
	}

	for {
		select {
		case <-i.stopCh:
			i.halt(i.onStopObservers())
			return
		case <-i.signal:
			for {
				ev, ok := i.dequeue()
				if !ok {
					break
				}
				// Honor a stop that raced with queued events.
				select {
				case <-i.stopCh:
					i.halt(i.onStopObservers())
					return
				default:
				}
				if done := i.step(ev); done {
					return
				}
			}
		}
	}
}

func (i *Interpreter) dequeue() (Event, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.queue) == 0 {
		return Event{}, false
	}
	ev := i.queue[0]
	i.queue = i.queue[1:]
	return ev, true
}

// step processes one event. Returns true when the interpreter has
// reached a final state and the loop should exit.
func (i *Interpreter) step(ev Event) bool {
	i.mu.Lock()
	current := i.current
	i.mu.Unlock()

	state := i.machine.State(current)
	if state == nil {
		return false
	}

	transitions, ok := state.Transitions[ev.Name]
	if !ok {
		i.logger.Debug("event dropped, no transition",
			"machine", i.machine.ID,
			"state", current,
			"event", ev.Name)
		return false
	}

	for _, tr := range transitions {
		if tr.Guard != nil && !tr.Guard(i.ctx, ev) {
			continue
		}
		if tr.Action != nil {
			tr.Action(i.ctx, ev)
		}

		i.mu.Lock()
		i.current = tr.Target
		observers := make([]TransitionObserver, len(i.onTransition))
		copy(observers, i.onTransition)
		i.mu.Unlock()

		for _, fn := range observers {
			fn(current, tr.Target, ev)
		}

		return i.enter(tr.Target, ev)
	}

	i.logger.Debug("event dropped, all guards failed",
		"machine", i.machine.ID,
		"state", current,
		"event", ev.Name)
	return false
}

// enter runs the entry action of a state and completes the interpreter
// when the state is final. Returns true when the loop should exit.
func (i *Interpreter) enter(name string, ev Event) bool {
	state := i.machine.State(name)
	if state == nil {
		return false
	}

	if state.OnEntry != nil {
		state.OnEntry(i.ctx, ev)
	}

	if state.Final {
		i.halt(i.onDoneObservers())
		return true
	}
	return false
}

func (i *Interpreter) halt(observers []LifecycleObserver) {
	i.mu.Lock()
	i.halted = true
	i.mu.Unlock()

	for _, fn := range observers {
		fn(i.ctx)
	}
}

func (i *Interpreter) onDoneObservers() []LifecycleObserver {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]LifecycleObserver, len(i.onDone))
	copy(out, i.onDone)
	return out
}

func (i *Interpreter) onStopObservers() []LifecycleObserver {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]LifecycleObserver, len(i.onStop))
	copy(out, i.onStop)
	return out
}
