package pppoe

import (
	"fmt"
)

type fsmCallback func(args []interface{})

type eventDesc struct {
	from   []SessionState
	to     SessionState
	events []string
	cb     fsmCallback
}

// fsm is a table driven state machine.  The state is updated before the
// callback runs, so a callback may move the machine on again (e.g. to
// SessionStateDead on failure).
type fsm struct {
	current SessionState
	table   []eventDesc
}

func (f *fsm) handleEvent(e string, args ...interface{}) error {
	for _, t := range f.table {
		if !t.matchesState(f.current) {
			continue
		}
		for _, event := range t.events {
			if e == event {
				f.current = t.to
				if t.cb != nil {
					t.cb(args)
				}
				return nil
			}
		}
	}
	return fmt.Errorf("no transition defined for event %v in state %v", e, f.current)
}

func (t *eventDesc) matchesState(s SessionState) bool {
	for _, from := range t.from {
		if from == s {
			return true
		}
	}
	return false
}
