package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sdko-org/usage-proxy/internal/directory"
)

var (
	// ErrMissingCredential means the request carried no usable
	// Authorization header. Mapped to 401.
	ErrMissingCredential = errors.New("missing credential")
	// ErrInvalidCredential means the credential is present but unknown or
	// revoked for the matched service. Mapped to 401.
	ErrInvalidCredential = errors.New("invalid credential")
)

type contextKey struct{}

// WithUser attaches the authenticated user to the request context.
func WithUser(ctx context.Context, user *directory.User) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

// UserFrom retrieves the authenticated user, if any.
func UserFrom(ctx context.Context) (*directory.User, bool) {
	user, ok := ctx.Value(contextKey{}).(*directory.User)
	return user, ok
}

// Authenticator validates HTTP basic credentials against the user
// directory. It never touches usage counters; counting happens only after
// a successful backend exchange.
type Authenticator struct {
	dir *directory.Directory
	log *logrus.Entry
}

func New(logger *logrus.Logger, dir *directory.Directory) *Authenticator {
	return &Authenticator{
		dir: dir,
		log: logger.WithField("component", "authenticator"),
	}
}

// Authenticate resolves the request's credential to an active user of the
// given service.
func (a *Authenticator) Authenticate(r *http.Request, service string) (*directory.User, error) {
	token, err := credential(r)
	if err != nil {
		return nil, err
	}
	user, ok := a.dir.Authenticate(service, token)
	if !ok {
		return nil, ErrInvalidCredential
	}
	return user, nil
}

// credential extracts the base64 payload of a Basic Authorization header.
// The payload itself is the directory lookup token; it is not decoded here.
func credential(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingCredential
	}
	scheme, payload, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Basic") {
		return "", ErrMissingCredential
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", ErrMissingCredential
	}
	return payload, nil
}
