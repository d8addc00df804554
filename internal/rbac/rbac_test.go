package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "observer read", role: RoleObserver, action: ActionRead, allow: true},
		{name: "observer submit", role: RoleObserver, action: ActionSubmit, allow: false},
		{name: "observer vote", role: RoleObserver, action: ActionVote, allow: false},
		{name: "participant submit", role: RoleParticipant, action: ActionSubmit, allow: true},
		{name: "participant vote", role: RoleParticipant, action: ActionVote, allow: true},
		{name: "participant seal", role: RoleParticipant, action: ActionSeal, allow: false},
		{name: "participant replay", role: RoleParticipant, action: ActionReplay, allow: false},
		{name: "operator seal", role: RoleOperator, action: ActionSeal, allow: true},
		{name: "operator replay", role: RoleOperator, action: ActionReplay, allow: true},
		{name: "participant enroll", role: RoleParticipant, action: ActionEnroll, allow: false},
		{name: "operator enroll", role: RoleOperator, action: ActionEnroll, allow: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalizeDefaultsToObserver(t *testing.T) {
	if got := Normalize("admin"); got != RoleObserver {
		t.Fatalf("Normalize(admin) = %q, want observer", got)
	}
	if got := Normalize("operator"); got != RoleOperator {
		t.Fatalf("Normalize(operator) = %q", got)
	}
}
