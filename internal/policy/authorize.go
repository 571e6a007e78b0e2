package policy

import "strings"

const (
	RoleAdmin  = "admin"
	RoleClient = "client"
)

// Action is something a caller asks to do with an interview session.
type Action string

const (
	ActionRead      Action = "read"
	ActionChat      Action = "chat"
	ActionManage    Action = "manage"
	ActionConfigure Action = "configure"
)

// Actor is the authenticated caller as resolved by the transport.
type Actor struct {
	Role     string
	ClientID string
}

type Decision struct {
	Allowed bool
	Reason  string
}

// Decide checks whether actor may perform action on a resource owned by
// ownerClientID. Admins may do anything; clients only touch their own
// sessions and never the model configuration.
func Decide(actor Actor, action Action, ownerClientID string) Decision {
	role := strings.ToLower(strings.TrimSpace(actor.Role))
	if role == RoleAdmin {
		return Decision{Allowed: true}
	}
	if action == ActionConfigure {
		return Decision{Reason: "admin role required"}
	}
	if strings.TrimSpace(actor.ClientID) == "" {
		return Decision{Reason: "no client linked to this account"}
	}
	if ownerClientID != "" && ownerClientID != actor.ClientID {
		return Decision{Reason: "session belongs to another client"}
	}
	return Decision{Allowed: true}
}

// CanImpersonate reports whether the actor may act on behalf of another client.
func CanImpersonate(actor Actor) bool {
	return strings.EqualFold(strings.TrimSpace(actor.Role), RoleAdmin)
}
