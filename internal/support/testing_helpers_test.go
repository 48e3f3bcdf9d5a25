package support

import "time"

var (
	t0       = time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	client   = Actor{ID: "client_c", Name: "Casey", Role: RoleClient}
	agentA   = Actor{ID: "agent_a", Name: "Avery", Role: RoleAgent}
	agentB   = Actor{ID: "agent_b", Name: "Blake", Role: RoleAgent}
	adminX   = Actor{ID: "admin_x", Name: "Quinn", Role: RoleAdmin}
	outsider = Actor{ID: "client_z", Name: "Zed", Role: RoleClient}
)

func pendingConversation() Conversation {
	c, err := NewConversation("conv1", client, "Lost booking", "My flight booking vanished", nil, t0)
	if err != nil {
		panic(err)
	}
	return c
}

// withStatus builds a conversation in the given status, assigned to
// agentA whenever the status implies acceptance.
func withStatus(status Status) Conversation {
	c := pendingConversation()
	if status == StatusPending {
		return c
	}
	c.Status = status
	c.AssignedTo = stringPtr(agentA.ID)
	c.AssignedToName = stringPtr(agentA.Name)
	return c
}
