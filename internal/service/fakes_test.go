package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/sma-adp-session/internal/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeRefreshRepo mimics the compare-and-swap semantics of the SQL repository.
type fakeRefreshRepo struct {
	mu      sync.Mutex
	byID    map[string]*models.RefreshToken
	byHash  map[string]string
	failAll error
}

func newFakeRefreshRepo() *fakeRefreshRepo {
	return &fakeRefreshRepo{byID: map[string]*models.RefreshToken{}, byHash: map[string]string{}}
}

func (r *fakeRefreshRepo) Create(_ context.Context, token *models.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return r.failAll
	}
	if _, dup := r.byHash[token.TokenHash]; dup {
		return errors.New("duplicate hash")
	}
	cp := *token
	r.byID[token.ID] = &cp
	r.byHash[token.TokenHash] = token.ID
	return nil
}

func (r *fakeRefreshRepo) FindByHash(_ context.Context, hash string) (*models.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return nil, r.failAll
	}
	id, ok := r.byHash[hash]
	if !ok {
		return nil, models.ErrRefreshTokenNotFound
	}
	cp := *r.byID[id]
	return &cp, nil
}

func (r *fakeRefreshRepo) Rotate(_ context.Context, consumedID string, next *models.RefreshToken, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return r.failAll
	}
	cur, ok := r.byID[consumedID]
	if !ok || cur.Revoked || !at.Before(cur.ExpiresAt) {
		return models.ErrRefreshTokenRevoked
	}
	reason := models.RevokeReasonRotated
	cur.Revoked = true
	cur.RevokedAt = &at
	cur.RevokedReason = &reason
	cur.LastUsedAt = &at

	next.RotatedFromID = &consumedID
	cp := *next
	r.byID[next.ID] = &cp
	r.byHash[next.TokenHash] = next.ID
	return nil
}

func (r *fakeRefreshRepo) Touch(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[id]
	if !ok || cur.Revoked {
		return models.ErrRefreshTokenRevoked
	}
	cur.LastUsedAt = &at
	return nil
}

func (r *fakeRefreshRepo) Revoke(_ context.Context, id, reason string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return false, r.failAll
	}
	cur, ok := r.byID[id]
	if !ok || cur.Revoked {
		return false, nil
	}
	cur.Revoked = true
	cur.RevokedAt = &at
	cur.RevokedReason = &reason
	return true, nil
}

func (r *fakeRefreshRepo) RevokeAllForUser(_ context.Context, userID, reason string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, cur := range r.byID {
		if cur.UserID == userID && !cur.Revoked {
			reason := reason
			cur.Revoked = true
			cur.RevokedAt = &at
			cur.RevokedReason = &reason
			n++
		}
	}
	return n, nil
}

func (r *fakeRefreshRepo) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, cur := range r.byID {
		if cur.ExpiresAt.Before(cutoff) {
			delete(r.byHash, cur.TokenHash)
			delete(r.byID, id)
			n++
		}
	}
	return n, nil
}

func (r *fakeRefreshRepo) activeFor(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, cur := range r.byID {
		if cur.UserID == userID && !cur.Revoked {
			n++
		}
	}
	return n
}

// fakeUserRepo enforces subject and email uniqueness like the users table.
type fakeUserRepo struct {
	mu        sync.Mutex
	users     map[string]*models.User
	roles     map[string]map[models.RoleName]*string
	audit     []*models.AuditLog
	createGap time.Duration
	findErr   error
	// rolesErr fails the next ListRoles call only.
	rolesErr error
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: map[string]*models.User{}, roles: map[string]map[models.RoleName]*string{}}
}

func (r *fakeUserRepo) FindBySubject(_ context.Context, subject string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	for _, u := range r.users {
		if u.Subject == subject {
			cp := *u
			return &cp, nil
		}
	}
	return nil, models.ErrUserNotFound
}

func (r *fakeUserRepo) FindByID(_ context.Context, id string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	u, ok := r.users[id]
	if !ok {
		return nil, models.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *fakeUserRepo) CreateWithRole(_ context.Context, user *models.User, role models.RoleName) error {
	if r.createGap > 0 {
		time.Sleep(r.createGap)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Subject == user.Subject {
			return models.ErrUserExists
		}
		if u.Email == user.Email {
			return models.ErrEmailTaken
		}
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	cp := *user
	r.users[user.ID] = &cp
	r.roles[user.ID] = map[models.RoleName]*string{role: nil}
	user.Roles = []models.RoleName{role}
	return nil
}

func (r *fakeUserRepo) UpdateLogin(_ context.Context, id, email, displayName string, ts time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.ID != id && u.Email == email {
			return models.ErrEmailTaken
		}
	}
	u := r.users[id]
	u.Email = email
	u.DisplayName = displayName
	u.LastLogin = &ts
	return nil
}

func (r *fakeUserRepo) TouchLogin(_ context.Context, id string, ts time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[id].LastLogin = &ts
	return nil
}

func (r *fakeUserRepo) ListRoles(_ context.Context, userID string) ([]models.RoleName, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.rolesErr; err != nil {
		r.rolesErr = nil
		return nil, err
	}
	var roles []models.RoleName
	for role := range r.roles[userID] {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles, nil
}

func (r *fakeUserRepo) List(_ context.Context, _ models.UserFilter) ([]models.User, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.User
	for _, u := range r.users {
		out = append(out, *u)
	}
	return out, len(out), nil
}

func (r *fakeUserRepo) SetActive(_ context.Context, id string, active bool, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return models.ErrUserNotFound
	}
	u.Active = active
	return nil
}

func (r *fakeUserRepo) AssignRole(_ context.Context, userID string, role models.RoleName, grantedBy *string, _ time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if role != models.RoleUser && role != models.RoleAdmin {
		return false, models.ErrRoleNotFound
	}
	if _, held := r.roles[userID][role]; held {
		return false, nil
	}
	if r.roles[userID] == nil {
		r.roles[userID] = map[models.RoleName]*string{}
	}
	r.roles[userID][role] = grantedBy
	return true, nil
}

func (r *fakeUserRepo) RemoveRole(_ context.Context, userID string, role models.RoleName) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.roles[userID][role]; !held {
		return false, nil
	}
	delete(r.roles[userID], role)
	return true, nil
}

func (r *fakeUserRepo) CreateAuditLog(_ context.Context, log *models.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audit = append(r.audit, log)
	return nil
}

func (r *fakeUserRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

func (r *fakeUserRepo) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.audit))
	for _, a := range r.audit {
		out = append(out, a.Action)
	}
	return out
}

// failingRegistry simulates an unreachable revocation store.
type failingRegistry struct{ err error }

func (f failingRegistry) IsRevoked(context.Context, string) (bool, error) { return false, f.err }
func (f failingRegistry) RevokedBefore(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, f.err
}
func (f failingRegistry) Revoke(context.Context, models.RevokedAccessToken) error { return f.err }
func (f failingRegistry) RevokeAll(context.Context, string, time.Time, string) error {
	return f.err
}
func (f failingRegistry) Purge(context.Context, time.Time) (int64, error) { return 0, f.err }
