package strategy

import "sync"

// StateMachine tracks the entry lifecycle of a single symbol.
type StateMachine struct {
	mu    sync.Mutex
	State State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{State: StateIdle}
}

func (s *StateMachine) Apply(event Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = nextState(s.State, event)
	return s.State
}

func (s *StateMachine) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

func nextState(current State, event Event) State {
	switch current {
	case StateIdle, StateFilled, StateCancelled:
		if event == EventSubmit {
			return StatePending
		}
	case StatePending:
		switch event {
		case EventFilled:
			return StateFilled
		case EventCancel:
			return StateCancelled
		case EventReject:
			return StateIdle
		}
	}
	return current
}
