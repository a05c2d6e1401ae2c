package rbac

type Role string
type Action string

const (
	RoleConsulta   Role = "consulta"
	RoleAnalista   Role = "analista"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

const (
	ActionRead   Action = "read"
	ActionEnter  Action = "enter"
	ActionVistar Action = "vistar"
	ActionAdmin  Action = "admin"
)

// Can reports whether role may perform action. Supervisors may also enter
// results; whether they may sign rows they started is a separate policy.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleSupervisor:
		return action == ActionRead || action == ActionEnter || action == ActionVistar
	case RoleAnalista:
		return action == ActionRead || action == ActionEnter
	case RoleConsulta:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleConsulta, RoleAnalista, RoleSupervisor, RoleAdmin:
		return Role(role)
	default:
		return RoleConsulta
	}
}
