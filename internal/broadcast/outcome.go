package broadcast

// Outcome is what the command layer renders for the user.
type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeStarted
	OutcomeStopped
	OutcomeNothingToStop
	OutcomeConfirmed
	OutcomeAlreadyResolved
	OutcomeNotInvited
	OutcomeUnreachable
	OutcomeRevoked
	OutcomeAlreadyRevoked
	OutcomeUnknownUser
	OutcomeTracked
	OutcomeContactNotFound
)

var outcomeNames = [...]string{
	OutcomeFailed:          "failed",
	OutcomeStarted:         "started",
	OutcomeStopped:         "stopped",
	OutcomeNothingToStop:   "nothing_to_stop",
	OutcomeConfirmed:       "confirmed",
	OutcomeAlreadyResolved: "already_resolved",
	OutcomeNotInvited:      "not_invited",
	OutcomeUnreachable:     "unreachable",
	OutcomeRevoked:         "revoked",
	OutcomeAlreadyRevoked:  "already_revoked",
	OutcomeUnknownUser:     "unknown_user",
	OutcomeTracked:         "tracked",
	OutcomeContactNotFound: "contact_not_found",
}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return "unknown"
	}
	return outcomeNames[o]
}

// State is a session's position in its lifecycle.
type State int32

const (
	StatePending State = iota
	StateSending
	StateAwaitingConfirmation
	StateConfirmed
	StateCancelled
	StateTimedOut
	StateNoTargets
	StateFailed
)

var stateNames = [...]string{
	StatePending:              "pending",
	StateSending:              "sending",
	StateAwaitingConfirmation: "awaiting_confirmation",
	StateConfirmed:            "confirmed",
	StateCancelled:            "cancelled",
	StateTimedOut:             "timed_out",
	StateNoTargets:            "no_targets",
	StateFailed:               "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func (s State) Terminal() bool { return s >= StateConfirmed }
