package models

import (
	"time"
)

// Timeouts bounds the backend exchange for a single service. Zero values
// fall back to the engine-wide defaults from the environment.
type Timeouts struct {
	RequestTimeoutMs  int64 `json:"requestTimeoutMs,omitempty"`
	ResponseTimeoutMs int64 `json:"responseTimeoutMs,omitempty"`
}

// CertConfig points at PEM-encoded certificate material on disk. The
// fingerprint is derived from the certificate contents and is never
// accepted from the caller.
type CertConfig struct {
	Path        string `json:"path"`
	KeyPath     string `json:"keyPath"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// CreateService is the wire form of a service definition, accepted by the
// management API and by the startup definitions file.
type CreateService struct {
	Name        string      `json:"name,omitempty"`
	Description string      `json:"description,omitempty"`
	ServerName  []string    `json:"serverName"`
	BindHTTPS   string      `json:"bindHttps,omitempty"`
	BindHTTP    string      `json:"bindHttp,omitempty"`
	From        string      `json:"from"`
	To          string      `json:"to"`
	Cert        *CertConfig `json:"cert,omitempty"`
	Timeouts    *Timeouts   `json:"timeouts,omitempty"`
}

// Service is CreateService plus server-assigned fields.
type Service struct {
	CreateService
	CreatedAt time.Time `json:"createdAt"`
}

type CreateUser struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type UserState string

const (
	UserActive  UserState = "active"
	UserRevoked UserState = "revoked"
)

type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	State     UserState `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
}

// UserStats is the aggregate request count for one user.
type UserStats struct {
	Requests uint64 `json:"requests"`
}

// EndpointStats maps rewritten endpoint paths to request counts.
type EndpointStats map[string]uint64

// GlobalStats summarizes the whole engine for the control plane.
type GlobalStats struct {
	Users    int       `json:"users"`
	Services int       `json:"services"`
	Requests UserStats `json:"requests"`
}

type ErrorResponse struct {
	Message string `json:"message"`
}
