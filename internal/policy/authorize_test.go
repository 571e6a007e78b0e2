package policy

import "testing"

func TestDecide(t *testing.T) {
	tests := []struct {
		name    string
		actor   Actor
		action  Action
		owner   string
		allowed bool
	}{
		{name: "client own session", actor: Actor{Role: RoleClient, ClientID: "c1"}, action: ActionChat, owner: "c1", allowed: true},
		{name: "client other session", actor: Actor{Role: RoleClient, ClientID: "c1"}, action: ActionRead, owner: "c2", allowed: false},
		{name: "client without link", actor: Actor{Role: RoleClient}, action: ActionRead, owner: "c1", allowed: false},
		{name: "client configure", actor: Actor{Role: RoleClient, ClientID: "c1"}, action: ActionConfigure, allowed: false},
		{name: "admin anything", actor: Actor{Role: "Admin"}, action: ActionManage, owner: "c2", allowed: true},
		{name: "admin configure", actor: Actor{Role: RoleAdmin}, action: ActionConfigure, allowed: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Decide(tc.actor, tc.action, tc.owner)
			if got.Allowed != tc.allowed {
				t.Fatalf("Decide() = %+v, want allowed=%v", got, tc.allowed)
			}
			if !got.Allowed && got.Reason == "" {
				t.Fatalf("denied decision missing reason")
			}
		})
	}
}

func TestCanImpersonate(t *testing.T) {
	if !CanImpersonate(Actor{Role: RoleAdmin}) {
		t.Fatalf("admin should impersonate")
	}
	if CanImpersonate(Actor{Role: RoleClient, ClientID: "c1"}) {
		t.Fatalf("client should not impersonate")
	}
}
