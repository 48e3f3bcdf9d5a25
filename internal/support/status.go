package support

import "time"

// transitions is the directed status graph. pending→accepted is only
// reachable through Accept, which also records the assignee.
var transitions = map[Status][]Status{
	StatusPending:  {StatusAccepted},
	StatusAccepted: {StatusResolved, StatusClosed},
	StatusResolved: {StatusClosed},
	StatusClosed:   nil,
}

// HasEdge reports whether from→to is an edge of the status graph.
func HasEdge(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStatuses lists the statuses SetStatus may move c to.
func NextStatuses(from Status) []Status {
	if from == StatusPending {
		return nil
	}
	out := make([]Status, len(transitions[from]))
	copy(out, transitions[from])
	return out
}

func checkStatusEdge(from, to Status) error {
	if !to.Valid() {
		return validationFailure("unknown status %q", to)
	}
	switch {
	case from == StatusClosed:
		return invalidTransition("closed conversations cannot change status")
	case from == to:
		return invalidTransition("conversation is already %s", to)
	case from == StatusPending:
		return invalidTransition("pending conversations must be accepted before moving to %s", to)
	case !HasEdge(from, to):
		return invalidTransition("%s cannot move to %s", from, to)
	}
	return nil
}

// SetStatus moves c along an edge of the status graph on behalf of actor.
// The edge is checked before the actor's rights so a move that is never
// legal always reports ErrInvalidTransition.
func SetStatus(c Conversation, to Status, actor Actor, now time.Time) (Conversation, error) {
	if err := checkStatusEdge(c.Status, to); err != nil {
		return c, err
	}
	if !CanChangeStatus(c, actor.Role, actor.ID) {
		return c, permissionDenied("%s %s cannot change the status of conversation %s", actor.Role, actor.ID, c.ID)
	}
	out := c.Clone()
	out.Status = to
	out.UpdatedAt = now.UTC()
	return out, nil
}
