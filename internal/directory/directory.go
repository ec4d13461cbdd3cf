package directory

import (
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sdko-org/usage-proxy/internal/models"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrDuplicateUser       = errors.New("username already exists")
	ErrDuplicateCredential = errors.New("credential already exists")
	// ErrNotRevoked means delete was attempted on a user that is still
	// active. Deletion requires revocation first.
	ErrNotRevoked = errors.New("user not revoked")
)

// User is an authorized principal scoped to a single service.
type User struct {
	ID          string
	ServiceName string
	Username    string
	State       models.UserState
	CreatedAt   time.Time
	token       string
}

func (u *User) Model() models.User {
	return models.User{
		ID:        u.ID,
		Username:  u.Username,
		State:     u.State,
		CreatedAt: u.CreatedAt,
	}
}

// Token builds the credential lookup key for a basic-auth pair.
func Token(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}

type serviceUsers struct {
	byToken map[string]*User // active users only
	byID    map[string]*User
	byName  map[string]*User
}

// Directory is the per-service credential table. Mutated by the control
// plane, read on every request; lookups are O(1) map hits under RLock.
type Directory struct {
	mu       sync.RWMutex
	services map[string]*serviceUsers
	log      *logrus.Entry
}

func New(logger *logrus.Logger) *Directory {
	return &Directory{
		services: make(map[string]*serviceUsers),
		log:      logger.WithField("component", "user_directory"),
	}
}

func (d *Directory) Create(service, username, password string) (*User, error) {
	token := Token(username, password)

	d.mu.Lock()
	defer d.mu.Unlock()

	su := d.services[service]
	if su == nil {
		su = &serviceUsers{
			byToken: make(map[string]*User),
			byID:    make(map[string]*User),
			byName:  make(map[string]*User),
		}
		d.services[service] = su
	}

	if _, ok := su.byName[username]; ok {
		return nil, ErrDuplicateUser
	}
	if _, ok := su.byToken[token]; ok {
		return nil, ErrDuplicateCredential
	}

	user := &User{
		ID:          uuid.NewString(),
		ServiceName: service,
		Username:    username,
		State:       models.UserActive,
		CreatedAt:   time.Now().UTC(),
		token:       token,
	}
	su.byToken[token] = user
	su.byID[user.ID] = user
	su.byName[username] = user

	d.log.WithFields(logrus.Fields{
		"service": service,
		"user":    username,
		"user_id": user.ID,
	}).Info("User created")
	return copyUser(user), nil
}

// Get resolves a user by id or username.
func (d *Directory) Get(service, ref string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	user, err := d.lookup(service, ref)
	if err != nil {
		return nil, err
	}
	return copyUser(user), nil
}

func (d *Directory) List(service string) []*User {
	d.mu.RLock()
	defer d.mu.RUnlock()

	su := d.services[service]
	if su == nil {
		return nil
	}
	users := make([]*User, 0, len(su.byID))
	for _, u := range su.byID {
		users = append(users, copyUser(u))
	}
	return users
}

// Revoke removes the user's credential from the active set. Idempotent for
// already revoked users; the record stays queryable until Delete.
func (d *Directory) Revoke(service, ref string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	user, err := d.lookup(service, ref)
	if err != nil {
		return err
	}
	if user.State == models.UserRevoked {
		return nil
	}

	user.State = models.UserRevoked
	delete(d.services[service].byToken, user.token)

	d.log.WithFields(logrus.Fields{
		"service": service,
		"user":    user.Username,
		"user_id": user.ID,
	}).Info("User revoked")
	return nil
}

// Delete removes the user record entirely. The user must have been revoked
// first, so a live credential cannot disappear in one step.
func (d *Directory) Delete(service, ref string) (*User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	user, err := d.lookup(service, ref)
	if err != nil {
		return nil, err
	}
	if user.State != models.UserRevoked {
		return nil, ErrNotRevoked
	}

	su := d.services[service]
	delete(su.byID, user.ID)
	delete(su.byName, user.Username)

	d.log.WithFields(logrus.Fields{
		"service": service,
		"user":    user.Username,
		"user_id": user.ID,
	}).Info("User deleted")
	return copyUser(user), nil
}

// Authenticate resolves a credential token to an active user.
func (d *Directory) Authenticate(service, token string) (*User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	su := d.services[service]
	if su == nil {
		return nil, false
	}
	user, ok := su.byToken[token]
	if !ok {
		return nil, false
	}
	return copyUser(user), true
}

// DropService removes every user of a service, returning the dropped users
// so the caller can decide what to do with their counters.
func (d *Directory) DropService(service string) []*User {
	d.mu.Lock()
	defer d.mu.Unlock()

	su := d.services[service]
	if su == nil {
		return nil
	}
	dropped := make([]*User, 0, len(su.byID))
	for _, u := range su.byID {
		dropped = append(dropped, copyUser(u))
	}
	delete(d.services, service)
	return dropped
}

func (d *Directory) UserCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := 0
	for _, su := range d.services {
		n += len(su.byID)
	}
	return n
}

func (d *Directory) lookup(service, ref string) (*User, error) {
	su := d.services[service]
	if su == nil {
		return nil, ErrUserNotFound
	}
	if user, ok := su.byID[ref]; ok {
		return user, nil
	}
	if user, ok := su.byName[ref]; ok {
		return user, nil
	}
	return nil, ErrUserNotFound
}

func copyUser(u *User) *User {
	c := *u
	return &c
}
