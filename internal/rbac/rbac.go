package rbac

type Role string
type Action string

const (
	RoleObserver    Role = "observer"
	RoleParticipant Role = "participant"
	RoleOperator    Role = "operator"
)

const (
	ActionRead   Action = "read"
	ActionSubmit Action = "submit"
	ActionVote   Action = "vote"
	ActionExport Action = "export"
	ActionSeal   Action = "seal"
	ActionReplay Action = "replay"
	ActionEnroll Action = "enroll"
)

// Can reports whether role may perform action. Participants write to
// rooms; sealing, enrollment and dead-letter replay are operator only.
func Can(role Role, action Action) bool {
	switch role {
	case RoleOperator:
		return true
	case RoleParticipant:
		return action == ActionRead || action == ActionSubmit || action == ActionVote || action == ActionExport
	case RoleObserver:
		return action == ActionRead || action == ActionExport
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleObserver, RoleParticipant, RoleOperator:
		return Role(role)
	default:
		return RoleObserver
	}
}
