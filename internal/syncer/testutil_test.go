package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"concord/internal/gateway"
)

// fakeSession is an in-memory gateway.Session that records every mutation
// call it receives.
type fakeSession struct {
	mu      sync.Mutex
	id      gateway.ServerID
	bans    map[gateway.UserID]bool
	members map[gateway.UserID]*gateway.Member
	roles   map[string]*gateway.Role
	nextID  int

	// calls records mutation calls as "op:user" strings
	calls []string

	// failFetches makes every fetch call fail, simulating an unreachable
	// server during reconciliation
	failFetches bool

	// failMutations makes every mutation call fail
	failMutations bool
}

var _ gateway.Session = (*fakeSession)(nil)

func newFakeSession(id gateway.ServerID) *fakeSession {
	return &fakeSession{
		id:      id,
		bans:    make(map[gateway.UserID]bool),
		members: make(map[gateway.UserID]*gateway.Member),
		roles:   make(map[string]*gateway.Role),
	}
}

func (f *fakeSession) addMember(user gateway.UserID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[user] = &gateway.Member{UserID: user}
}

func (f *fakeSession) member(user gateway.UserID) *gateway.Member {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[user]
}

// seedRole creates a role without recording a mutation call.
func (f *fakeSession) seedRole(name string) *gateway.Role {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seedRoleLocked(name)
}

func (f *fakeSession) seedRoleLocked(name string) *gateway.Role {
	f.nextID++
	role := &gateway.Role{ID: fmt.Sprintf("%s-role-%d", f.id, f.nextID), Name: name}
	f.roles[name] = role
	return role
}

// grantRole puts a role on a member without recording a mutation call,
// simulating a change made by a human moderator.
func (f *fakeSession) grantRole(user gateway.UserID, roleID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.members[user]
	m.RoleIDs = append(m.RoleIDs, roleID)
}

func (f *fakeSession) revokeRole(user gateway.UserID, roleID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.members[user]
	out := m.RoleIDs[:0]
	for _, id := range m.RoleIDs {
		if id != roleID {
			out = append(out, id)
		}
	}
	m.RoleIDs = out
}

func (f *fakeSession) hasRole(user gateway.UserID, roleID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[user]
	if !ok {
		return false
	}
	for _, id := range m.RoleIDs {
		if id == roleID {
			return true
		}
	}
	return false
}

func (f *fakeSession) mutationCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeSession) record(op string, user gateway.UserID) {
	f.calls = append(f.calls, fmt.Sprintf("%s:%s", op, user))
}

func (f *fakeSession) ID() gateway.ServerID { return f.id }

func (f *fakeSession) ListBans(ctx context.Context) ([]gateway.UserID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFetches {
		return nil, fmt.Errorf("server %s unreachable", f.id)
	}
	var out []gateway.UserID
	for u := range f.bans {
		out = append(out, u)
	}
	return out, nil
}

func (f *fakeSession) AddBan(ctx context.Context, user gateway.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMutations {
		return gateway.ErrUnauthorized
	}
	f.record("addBan", user)
	f.bans[user] = true
	return nil
}

func (f *fakeSession) RemoveBan(ctx context.Context, user gateway.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMutations {
		return gateway.ErrUnauthorized
	}
	f.record("removeBan", user)
	delete(f.bans, user)
	return nil
}

func (f *fakeSession) FetchMember(ctx context.Context, user gateway.UserID) (*gateway.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFetches {
		return nil, fmt.Errorf("server %s unreachable", f.id)
	}
	m, ok := f.members[user]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *m
	cp.RoleIDs = append([]string(nil), m.RoleIDs...)
	return &cp, nil
}

func (f *fakeSession) ListMembers(ctx context.Context) ([]*gateway.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFetches {
		return nil, fmt.Errorf("server %s unreachable", f.id)
	}
	var out []*gateway.Member
	for _, m := range f.members {
		cp := *m
		cp.RoleIDs = append([]string(nil), m.RoleIDs...)
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeSession) SetTimeout(ctx context.Context, user gateway.UserID, d *time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMutations {
		return gateway.ErrUnauthorized
	}
	m, ok := f.members[user]
	if !ok {
		return gateway.ErrNotFound
	}
	f.record("setTimeout", user)
	if d == nil {
		m.TimeoutUntil = nil
	} else {
		t := time.Now().Add(*d)
		m.TimeoutUntil = &t
	}
	return nil
}

func (f *fakeSession) FindRoleByName(ctx context.Context, name string) (*gateway.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	role, ok := f.roles[name]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return role, nil
}

func (f *fakeSession) CreateRole(ctx context.Context, name string) (*gateway.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMutations {
		return nil, gateway.ErrUnauthorized
	}
	return f.seedRoleLocked(name), nil
}

func (f *fakeSession) AddRole(ctx context.Context, user gateway.UserID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMutations {
		return gateway.ErrUnauthorized
	}
	m, ok := f.members[user]
	if !ok {
		return gateway.ErrNotFound
	}
	f.record("addRole", user)
	m.RoleIDs = append(m.RoleIDs, roleID)
	return nil
}

func (f *fakeSession) RemoveRole(ctx context.Context, user gateway.UserID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMutations {
		return gateway.ErrUnauthorized
	}
	m, ok := f.members[user]
	if !ok {
		return gateway.ErrNotFound
	}
	f.record("removeRole", user)
	out := m.RoleIDs[:0]
	for _, id := range m.RoleIDs {
		if id != roleID {
			out = append(out, id)
		}
	}
	m.RoleIDs = out
	return nil
}

// memStore is an in-memory SnapshotStore.
type memStore struct {
	mu          sync.Mutex
	snap        Snapshot
	writes      int
	failReplace bool
}

var _ SnapshotStore = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{snap: NewSnapshot()}
}

func (s *memStore) Load() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Clone(), nil
}

func (s *memStore) Replace(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failReplace {
		return fmt.Errorf("disk full")
	}
	s.snap = snap.Clone()
	s.writes++
	return nil
}

// recordingReporter captures emitted status summaries.
type recordingReporter struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingReporter) Emit(ctx context.Context, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, text)
}

func (r *recordingReporter) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

// newTestEngine wires an engine over the given fake sessions with an
// in-memory store and a recording reporter.
func newTestEngine(sessions ...*fakeSession) (*Engine, *memStore, *recordingReporter) {
	gws := make([]gateway.Session, len(sessions))
	for i, s := range sessions {
		gws[i] = s
	}
	store := newMemStore()
	reporter := &recordingReporter{}
	e, err := New(Config{MutedRoleName: "Muted", CallTimeout: 5 * time.Second}, gws, store, nil, reporter)
	if err != nil {
		panic(err)
	}
	return e, store, reporter
}
