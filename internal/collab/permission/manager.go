package permission

import (
	"sync"
	"time"

	"github.com/clipforge/collabsync/internal/core/observability/log"
)

// Grant is the authoritative permission record for one (user, resource)
// pair. Last-timestamp-wins on concurrent updates.
type Grant struct {
	UserID    string    `json:"user_id"`
	Resource  string    `json:"resource"`
	Role      Role      `json:"role"`
	Actions   []string  `json:"actions"`
	Granted   bool      `json:"granted"`
	GrantedBy string    `json:"granted_by"`
	Timestamp time.Time `json:"timestamp"`
}

// ProjectResource is the resource name for project-wide capability grants.
const ProjectResource = "project"

// Manager holds the local view of collaborator roles and authorizes
// privileged mutations. It is a cache of server-held truth: remote grant
// events are folded in by last-timestamp-wins.
type Manager struct {
	mu     sync.RWMutex
	grants map[string]Grant // userID -> project grant
	logger log.Log
}

// NewManager creates a manager seeded with the given grants.
func NewManager(logger log.Log, seed ...Grant) *Manager {
	m := &Manager{
		grants: make(map[string]Grant),
		logger: logger.With(log.String("component", "permissions")),
	}
	for _, g := range seed {
		m.grants[g.UserID] = g
	}
	return m
}

// SeedGrant builds a project-wide grant without an issuing user, used for
// the initial roster.
func SeedGrant(userID string, role Role) Grant {
	return Grant{
		UserID:    userID,
		Resource:  ProjectResource,
		Role:      role,
		Actions:   role.Actions(),
		Granted:   true,
		Timestamp: time.Now(),
	}
}

// Role returns the current role of userID, defaulting to Viewer for
// unknown users.
func (m *Manager) Role(userID string) Role {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if g, ok := m.grants[userID]; ok {
		return g.Role
	}
	return RoleViewer
}

// Authorize returns ErrPermissionDenied unless userID may perform action.
func (m *Manager) Authorize(userID string, action Action) error {
	if !m.Role(userID).Allows(action) {
		return ErrPermissionDenied
	}
	return nil
}

// Update changes the role of targetID. Only an Owner may call it; any
// other caller is rejected before anything is mutated or broadcast, and
// the target must already be a known collaborator. When Owner is granted,
// the previous Owner is demoted to Editor so exactly one Owner holds at
// any time. Returns the grants to broadcast.
func (m *Manager) Update(callerID, targetID string, role Role) ([]Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	caller, ok := m.grants[callerID]
	if !ok || !caller.Role.AtLeast(RoleOwner) {
		return nil, ErrPermissionDenied
	}
	if _, ok := m.grants[targetID]; !ok {
		return nil, ErrUnknownUser
	}

	now := time.Now()
	var out []Grant

	if role == RoleOwner && callerID != targetID {
		demoted := caller
		demoted.Role = RoleEditor
		demoted.Actions = RoleEditor.Actions()
		demoted.GrantedBy = callerID
		demoted.Timestamp = now
		m.grants[callerID] = demoted
		out = append(out, demoted)
	}

	grant := Grant{
		UserID:    targetID,
		Resource:  ProjectResource,
		Role:      role,
		Actions:   role.Actions(),
		Granted:   true,
		GrantedBy: callerID,
		Timestamp: now,
	}
	m.grants[targetID] = grant
	out = append(out, grant)

	m.logger.Info("Permission updated",
		log.String("target", targetID),
		log.String("role", role.String()),
		log.String("granted_by", callerID))

	return out, nil
}

// ApplyRemote folds a grant received from a peer into the local view,
// keeping the newest record per user. Stale grants are ignored.
func (m *Manager) ApplyRemote(grant Grant) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.grants[grant.UserID]
	if exists && current.Timestamp.After(grant.Timestamp) {
		return false
	}
	m.grants[grant.UserID] = grant
	return true
}

// Owner returns the user currently holding the Owner role.
func (m *Manager) Owner() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, g := range m.grants {
		if g.Role == RoleOwner {
			return id, true
		}
	}
	return "", false
}

// Grants returns a snapshot of all grants.
func (m *Manager) Grants() []Grant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Grant, 0, len(m.grants))
	for _, g := range m.grants {
		out = append(out, g)
	}
	return out
}
