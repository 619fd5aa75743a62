// Package registry holds the tracker's shared mutable state: accounts,
// sessions, groups, pending join requests and the per-group file catalog.
// All mutation goes through Registry methods; a single RWMutex spans the
// check and the mutation of every operation, so no caller ever observes a
// partial effect.
package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserExists         = errors.New("user already exists")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotLoggedIn        = errors.New("user not logged in")
	ErrGroupExists        = errors.New("group id already exists")
	ErrGroupNotFound      = errors.New("group not found")
	ErrAlreadyMember      = errors.New("already a member")
	ErrAlreadyRequested   = errors.New("join request already sent")
	ErrUnauthorized       = errors.New("unauthorized action")
	ErrNoSuchRequest      = errors.New("no such request")
	ErrNotMember          = errors.New("not a member")
	ErrAdminLeave         = errors.New("admin cannot leave the group")
	ErrFileNotFound       = errors.New("file not found")
)

// Account is a registered user. Accounts are never deleted and the
// password digest never changes after creation.
type Account struct {
	Username     string
	PasswordHash []byte
	Groups       []string // group ids in join order
}

// FileEntry is one catalog entry inside a group.
type FileEntry struct {
	Hash  string // hex sha256 of the blob, verified at upload time
	Owner string
}

// Group is an access-controlled file-sharing group. The admin is fixed at
// creation and is always a member. Pending keeps request order and never
// overlaps Members.
type Group struct {
	ID      string
	Admin   string
	Members map[string]bool
	Pending []string
	Files   map[string]FileEntry
}

// Registry is the single source of truth for tracker metadata.
type Registry struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	sessions map[string]string // username -> session token
	groups   map[string]*Group
	log      *logrus.Logger
}

func New(log *logrus.Logger) *Registry {
	return &Registry{
		accounts: make(map[string]*Account),
		sessions: make(map[string]string),
		groups:   make(map[string]*Group),
		log:      log,
	}
}

// Register creates an account. The bcrypt digest is computed outside the
// lock; a losing racer on the same username fails the existence re-check
// inside the lock and leaves state untouched.
func (r *Registry) Register(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.accounts[username]; ok {
		return ErrUserExists
	}
	r.accounts[username] = &Account{Username: username, PasswordHash: hash}

	r.log.WithField("user", username).Info("account registered")
	return nil
}

// Login verifies credentials and marks a session, returning its token.
// Logging in while already logged in succeeds and replaces the token.
// The digest comparison runs outside the lock; that is safe because the
// stored hash is immutable once the account exists.
func (r *Registry) Login(username, password string) (string, error) {
	r.mu.RLock()
	acct, ok := r.accounts[username]
	r.mu.RUnlock()
	if !ok {
		return "", ErrUserNotFound
	}
	if bcrypt.CompareHashAndPassword(acct.PasswordHash, []byte(password)) != nil {
		return "", ErrInvalidCredentials
	}

	token := uuid.NewString()
	r.mu.Lock()
	r.sessions[username] = token
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{"user": username, "session": token}).Info("login")
	return token, nil
}

func (r *Registry) Logout(username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[username]; !ok {
		return ErrNotLoggedIn
	}
	delete(r.sessions, username)

	r.log.WithField("user", username).Info("logout")
	return nil
}

// LoggedIn reports whether username has an active session.
func (r *Registry) LoggedIn(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[username]
	return ok
}

// CreateGroup creates a group with admin as its sole member.
func (r *Registry) CreateGroup(admin, groupID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	acct, ok := r.accounts[admin]
	if !ok {
		return ErrUserNotFound
	}
	if _, ok := r.groups[groupID]; ok {
		return ErrGroupExists
	}

	r.groups[groupID] = &Group{
		ID:      groupID,
		Admin:   admin,
		Members: map[string]bool{admin: true},
		Files:   make(map[string]FileEntry),
	}
	acct.Groups = append(acct.Groups, groupID)

	r.log.WithFields(logrus.Fields{"group": groupID, "admin": admin}).Info("group created")
	return nil
}

// RequestJoin records username's intent to join a group. A username is
// never queued twice and never queued while a member.
func (r *Registry) RequestJoin(username, groupID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[groupID]
	if !ok {
		return ErrGroupNotFound
	}
	if _, ok := r.accounts[username]; !ok {
		return ErrUserNotFound
	}
	if g.Members[username] {
		return ErrAlreadyMember
	}
	for _, pending := range g.Pending {
		if pending == username {
			return ErrAlreadyRequested
		}
	}
	g.Pending = append(g.Pending, username)
	return nil
}

// PendingRequests returns the requester usernames in request order. Only
// the group admin may look; a missing group reports the same way as a
// non-admin caller.
func (r *Registry) PendingRequests(admin, groupID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[groupID]
	if !ok || g.Admin != admin {
		return nil, ErrUnauthorized
	}
	out := make([]string, len(g.Pending))
	copy(out, g.Pending)
	return out, nil
}

// DecideRequest resolves a pending join request. The request is removed
// unconditionally; on approve the requester becomes a member. Removal and
// the membership change happen under the same critical section, so a
// request withdrawn or decided concurrently can never be applied twice.
func (r *Registry) DecideRequest(admin, groupID, requester string, approve bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[groupID]
	if !ok || g.Admin != admin {
		return ErrUnauthorized
	}

	idx := -1
	for i, pending := range g.Pending {
		if pending == requester {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNoSuchRequest
	}
	g.Pending = append(g.Pending[:idx], g.Pending[idx+1:]...)

	if approve {
		g.Members[requester] = true
		if acct, ok := r.accounts[requester]; ok {
			acct.Groups = append(acct.Groups, groupID)
		}
	}

	r.log.WithFields(logrus.Fields{
		"group":     groupID,
		"requester": requester,
		"approved":  approve,
	}).Info("join request decided")
	return nil
}

// IsAdmin reports whether username administers the group. Unknown groups
// report false.
func (r *Registry) IsAdmin(username, groupID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[groupID]
	return ok && g.Admin == username
}

// Groups returns the group ids username belongs to, in join order.
func (r *Registry) Groups(username string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	acct, ok := r.accounts[username]
	if !ok {
		return nil
	}
	out := make([]string, len(acct.Groups))
	copy(out, acct.Groups)
	return out
}

// Files returns the group's catalog names, sorted for stable replies.
func (r *Registry) Files(groupID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[groupID]
	if !ok {
		return nil, ErrGroupNotFound
	}
	names := make([]string, 0, len(g.Files))
	for name := range g.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// CheckUpload validates an upload before any bytes move: the group must
// exist and the uploader must be a member.
func (r *Registry) CheckUpload(owner, groupID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[groupID]
	if !ok {
		return ErrGroupNotFound
	}
	if !g.Members[owner] {
		return ErrNotMember
	}
	return nil
}

// RecordUpload commits a catalog entry. Callers must only invoke this
// after the blob is durably in place; the entry overwrites any previous
// file of the same name.
func (r *Registry) RecordUpload(owner, groupID, fileName, contentHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[groupID]
	if !ok {
		return ErrGroupNotFound
	}
	if !g.Members[owner] {
		return ErrNotMember
	}
	g.Files[fileName] = FileEntry{Hash: contentHash, Owner: owner}

	r.log.WithFields(logrus.Fields{
		"group": groupID,
		"file":  fileName,
		"owner": owner,
	}).Info("file recorded")
	return nil
}

// LookupFile returns the catalog entry for a file. Downloads go through
// this so orphaned blobs are never served.
func (r *Registry) LookupFile(groupID, fileName string) (FileEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[groupID]
	if !ok {
		return FileEntry{}, ErrGroupNotFound
	}
	entry, ok := g.Files[fileName]
	if !ok {
		return FileEntry{}, ErrFileNotFound
	}
	return entry, nil
}

// DeleteFile removes a catalog entry. Only the group admin may delete;
// the blob itself is the caller's to unlink once the entry is gone.
func (r *Registry) DeleteFile(username, groupID, fileName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[groupID]
	if !ok || g.Admin != username {
		return ErrUnauthorized
	}
	if _, ok := g.Files[fileName]; !ok {
		return ErrFileNotFound
	}
	delete(g.Files, fileName)

	r.log.WithFields(logrus.Fields{"group": groupID, "file": fileName}).Info("file deleted")
	return nil
}

// LeaveGroup removes username from a group. The admin can never leave, so
// a group always contains its admin.
func (r *Registry) LeaveGroup(username, groupID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[groupID]
	if !ok {
		return ErrGroupNotFound
	}
	if g.Admin == username {
		return ErrAdminLeave
	}
	if !g.Members[username] {
		return ErrNotMember
	}
	delete(g.Members, username)

	if acct, ok := r.accounts[username]; ok {
		for i, id := range acct.Groups {
			if id == groupID {
				acct.Groups = append(acct.Groups[:i], acct.Groups[i+1:]...)
				break
			}
		}
	}

	r.log.WithFields(logrus.Fields{"group": groupID, "user": username}).Info("member left")
	return nil
}
