package permission

import "fmt"

// Role is the capability level of a collaborator. Roles form a total
// order: Viewer < Commenter < Editor < Owner.
type Role uint8

const (
	RoleViewer Role = iota
	RoleCommenter
	RoleEditor
	RoleOwner
)

// Action is a capability gate checked before privileged operations.
type Action uint8

const (
	ActionView Action = iota
	ActionComment
	ActionWrite
	ActionManage
)

// requiredRole maps each action to the minimum role allowed to perform it.
func requiredRole(action Action) Role {
	switch action {
	case ActionComment:
		return RoleCommenter
	case ActionWrite:
		return RoleEditor
	case ActionManage:
		return RoleOwner
	default:
		return RoleViewer
	}
}

// AtLeast reports whether r grants at least the capabilities of other.
func (r Role) AtLeast(other Role) bool {
	return r >= other
}

// Allows reports whether r may perform action.
func (r Role) Allows(action Action) bool {
	return r.AtLeast(requiredRole(action))
}

func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "viewer"
	case RoleCommenter:
		return "commenter"
	case RoleEditor:
		return "editor"
	case RoleOwner:
		return "owner"
	default:
		return "unknown"
	}
}

// ParseRole converts a wire/config string to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "viewer":
		return RoleViewer, nil
	case "commenter":
		return RoleCommenter, nil
	case "editor":
		return RoleEditor, nil
	case "owner":
		return RoleOwner, nil
	default:
		return RoleViewer, fmt.Errorf("unknown role %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler so roles serialize as
// strings in both JSON and YAML.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Actions lists the action names granted by the role, most privileged last.
func (r Role) Actions() []string {
	actions := []string{"view"}
	if r.AtLeast(RoleCommenter) {
		actions = append(actions, "comment")
	}
	if r.AtLeast(RoleEditor) {
		actions = append(actions, "write")
	}
	if r.AtLeast(RoleOwner) {
		actions = append(actions, "manage")
	}
	return actions
}
