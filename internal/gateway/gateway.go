// Package gateway provides access to the shared session/API layer of the
// community server network: a typed event stream consumed over WebSocket and
// a per-server REST mutation API.
package gateway

import (
	"context"
	"errors"
	"time"
)

// ServerID identifies one community server.
type ServerID string

// UserID identifies one user across all servers.
type UserID string

// Member is a user's presence on a single server.
type Member struct {
	UserID UserID `json:"user_id"`

	// RoleIDs lists the server-local role IDs currently on the member.
	RoleIDs []string `json:"role_ids,omitempty"`

	// TimeoutUntil is the absolute expiry of the member's communication
	// timeout, nil when no timeout is active.
	TimeoutUntil *time.Time `json:"timeout_until,omitempty"`
}

// Role is a server-local role handle.
type Role struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Benign failure classes for per-server calls. The sync engine treats these
// as "already converged or unreachable for this user" and moves on.
var (
	// ErrNotFound indicates the user, member, role, or ban does not exist
	// on the server.
	ErrNotFound = errors.New("gateway: not found")

	// ErrAlreadyInState indicates the server is already in the requested
	// state (e.g. banning an already-banned user).
	ErrAlreadyInState = errors.New("gateway: already in requested state")

	// ErrUnauthorized indicates the agent lacks permission on the server.
	ErrUnauthorized = errors.New("gateway: unauthorized")
)

// IsBenign reports whether a per-server failure is in the swallowable class:
// the sweep logs it and continues with the remaining servers.
func IsBenign(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyInState) ||
		errors.Is(err, ErrUnauthorized)
}

// Session exposes the mutation and fetch operations of a single server.
// All operations are fallible; implementations map "absent / unauthorized /
// already-in-state" responses to the benign errors above.
type Session interface {
	// ID returns the server this session is bound to.
	ID() ServerID

	// ListBans returns the IDs of all users currently banned on the server.
	ListBans(ctx context.Context) ([]UserID, error)

	// AddBan bans a user on the server.
	AddBan(ctx context.Context, user UserID) error

	// RemoveBan lifts a user's ban on the server.
	RemoveBan(ctx context.Context, user UserID) error

	// FetchMember returns the member state for a user, or ErrNotFound when
	// the user is not a member of the server.
	FetchMember(ctx context.Context, user UserID) (*Member, error)

	// ListMembers returns the full member list. This is an expensive,
	// rate-limited call used by reconciliation passes.
	ListMembers(ctx context.Context) ([]*Member, error)

	// SetTimeout applies a communication timeout expressed as a duration
	// from now. A nil duration clears any active timeout.
	SetTimeout(ctx context.Context, user UserID, d *time.Duration) error

	// FindRoleByName resolves a role handle by display name, returning
	// ErrNotFound when no such role exists.
	FindRoleByName(ctx context.Context, name string) (*Role, error)

	// CreateRole creates a role with no permissions.
	CreateRole(ctx context.Context, name string) (*Role, error)

	// AddRole grants a role to a member.
	AddRole(ctx context.Context, user UserID, roleID string) error

	// RemoveRole revokes a role from a member.
	RemoveRole(ctx context.Context, user UserID, roleID string) error
}

// Event is a change notification from the session layer. The concrete types
// below form a closed set.
type Event interface {
	isEvent()
}

// BanAddEvent signals that a user was banned on a server.
type BanAddEvent struct {
	Server ServerID
	User   UserID
}

// BanRemoveEvent signals that a user's ban was lifted on a server.
type BanRemoveEvent struct {
	Server ServerID
	User   UserID
}

// MemberUpdateEvent carries a member's state before and after a local change.
type MemberUpdateEvent struct {
	Server ServerID
	User   UserID
	Old    Member
	New    Member
}

// ServerJoinEvent signals the agent was added to a server.
type ServerJoinEvent struct {
	Server ServerID
}

// ReadyEvent signals the session is established and all server member caches
// are populated.
type ReadyEvent struct{}

func (BanAddEvent) isEvent()       {}
func (BanRemoveEvent) isEvent()    {}
func (MemberUpdateEvent) isEvent() {}
func (ServerJoinEvent) isEvent()   {}
func (ReadyEvent) isEvent()        {}
