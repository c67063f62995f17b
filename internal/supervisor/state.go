package supervisor

import "fmt"

// State is the lifecycle state of a supervised process.
type State int

const (
	StateInitial State = iota
	StateStartRetry
	StateWorking
	StateCommunicationRetry
	StateFatalError
	StateFinal
	StateWaitingForConnection
)

var stateNames = [...]string{
	StateInitial:              "Initial",
	StateStartRetry:           "StartRetry",
	StateWorking:              "Working",
	StateCommunicationRetry:   "CommunicationRetry",
	StateFatalError:           "FatalError",
	StateFinal:                "Final",
	StateWaitingForConnection: "WaitingForConnection",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether s only leaves through an explicit Reset.
func (s State) Terminal() bool {
	return s == StateFatalError || s == StateFinal
}

// Event drives the state machine.
type Event int

const (
	EventStartOperation Event = iota + 1
	EventAttachOperation
	EventProcessStartFailed
	EventPeerConnected
	EventPeerDisconnected
	EventPeerExited
	EventLoginTimeout
	EventStopReceived
	EventRetryTimer
	EventRetriesExhausted
	EventFatalTransportError
	EventNullControlPointer
	EventKillFailed
	EventSignalConnectFailed
	EventProgrammerError
	EventReset
)

var eventNames = map[Event]string{
	EventStartOperation:      "StartOperation",
	EventAttachOperation:     "AttachOperation",
	EventProcessStartFailed:  "ProcessStartFailed",
	EventPeerConnected:       "PeerConnected",
	EventPeerDisconnected:    "PeerDisconnected",
	EventPeerExited:          "PeerExited",
	EventLoginTimeout:        "LoginTimeout",
	EventStopReceived:        "StopReceived",
	EventRetryTimer:          "RetryTimer",
	EventRetriesExhausted:    "RetriesExhausted",
	EventFatalTransportError: "FatalTransportError",
	EventNullControlPointer:  "NullControlPointer",
	EventKillFailed:          "KillFailed",
	EventSignalConnectFailed: "SignalConnectFailed",
	EventProgrammerError:     "ProgrammerError",
	EventReset:               "Reset",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// Fatal reports whether e escalates from every state.
func (e Event) Fatal() bool {
	switch e {
	case EventFatalTransportError, EventNullControlPointer, EventKillFailed,
		EventSignalConnectFailed, EventProgrammerError:
		return true
	}
	return false
}

// AllStates and AllEvents enumerate the machine's domain.
var (
	AllStates = []State{
		StateInitial, StateStartRetry, StateWorking, StateCommunicationRetry,
		StateFatalError, StateFinal, StateWaitingForConnection,
	}
	AllEvents = []Event{
		EventStartOperation, EventAttachOperation, EventProcessStartFailed,
		EventPeerConnected, EventPeerDisconnected, EventPeerExited,
		EventLoginTimeout, EventStopReceived, EventRetryTimer,
		EventRetriesExhausted, EventFatalTransportError, EventNullControlPointer,
		EventKillFailed, EventSignalConnectFailed, EventProgrammerError, EventReset,
	}
)

// Action is the side effect the event loop runs after a transition.
type Action int

const (
	ActionNone Action = iota
	// ActionLaunch starts the process and arms the login timer.
	ActionLaunch
	// ActionAwaitPeer accepts a peer that was started elsewhere.
	ActionAwaitPeer
	// ActionRetry consumes one retry, kills leftovers and arms the backoff
	// timer. With no retry left it raises EventRetriesExhausted instead.
	ActionRetry
	// ActionActivate enables the relay and calls OnReadyToWork.
	ActionActivate
	// ActionReconnect suspends the relay, calls OnStop(false) and arms the
	// reconnect timer.
	ActionReconnect
	// ActionRestart suspends the relay, calls OnStop(false) and launches a
	// new process.
	ActionRestart
	// ActionShutdown stops everything and signals ready-to-stop.
	ActionShutdown
	// ActionEscalate stops everything and reports the fatal error.
	ActionEscalate
	// ActionReset prepares for a new session.
	ActionReset
)

var actionNames = [...]string{
	ActionNone:      "None",
	ActionLaunch:    "Launch",
	ActionAwaitPeer: "AwaitPeer",
	ActionRetry:     "Retry",
	ActionActivate:  "Activate",
	ActionReconnect: "Reconnect",
	ActionRestart:   "Restart",
	ActionShutdown:  "Shutdown",
	ActionEscalate:  "Escalate",
	ActionReset:     "Reset",
}

func (a Action) String() string {
	if a >= 0 && int(a) < len(actionNames) {
		return actionNames[a]
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

type key struct {
	state State
	event Event
}

type transition struct {
	next   State
	action Action
}

var table = map[key]transition{
	{StateInitial, EventStartOperation}:  {StateStartRetry, ActionLaunch},
	{StateInitial, EventAttachOperation}: {StateWaitingForConnection, ActionAwaitPeer},

	{StateStartRetry, EventProcessStartFailed}: {StateStartRetry, ActionRetry},
	{StateStartRetry, EventLoginTimeout}:       {StateStartRetry, ActionRetry},
	{StateStartRetry, EventPeerExited}:         {StateStartRetry, ActionRetry},
	{StateStartRetry, EventRetryTimer}:         {StateStartRetry, ActionLaunch},
	{StateStartRetry, EventRetriesExhausted}:   {StateFatalError, ActionEscalate},
	{StateStartRetry, EventPeerConnected}:      {StateWorking, ActionActivate},

	{StateWaitingForConnection, EventPeerConnected}: {StateWorking, ActionActivate},

	{StateWorking, EventPeerDisconnected}: {StateCommunicationRetry, ActionReconnect},
	{StateWorking, EventPeerExited}:       {StateCommunicationRetry, ActionRestart},

	{StateCommunicationRetry, EventPeerConnected}:      {StateWorking, ActionActivate},
	{StateCommunicationRetry, EventPeerExited}:         {StateCommunicationRetry, ActionRetry},
	{StateCommunicationRetry, EventLoginTimeout}:       {StateCommunicationRetry, ActionRetry},
	{StateCommunicationRetry, EventProcessStartFailed}: {StateCommunicationRetry, ActionRetry},
	{StateCommunicationRetry, EventRetryTimer}:         {StateCommunicationRetry, ActionLaunch},
	{StateCommunicationRetry, EventRetriesExhausted}:   {StateFatalError, ActionEscalate},

	{StateFatalError, EventReset}: {StateInitial, ActionReset},
	{StateFinal, EventReset}:       {StateInitial, ActionReset},
}

// Next returns the state and action for event in state. ok is false when the
// pair is not handled and the event must be ignored.
func Next(state State, event Event) (next State, action Action, ok bool) {
	if event.Fatal() {
		return StateFatalError, ActionEscalate, true
	}
	if event == EventStopReceived && !state.Terminal() {
		return StateFinal, ActionShutdown, true
	}
	t, ok := table[key{state, event}]
	if !ok {
		return state, ActionNone, false
	}
	return t.next, t.action, true
}
