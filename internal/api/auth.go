// Package api implements the HTTP surface of the integral dispatch service.
package api

import (
	"errors"
	"net/http"
	"strings"

	"nemtdispatch/internal/model"
	"nemtdispatch/internal/partition"
)

const (
	RoleAdmin      = "admin"
	RoleDispatcher = "dispatcher"
	RoleViewer     = "viewer"
)

var errUnauthenticated = errors.New("bearer token required")

type Principal struct {
	Partition model.Partition
	Role      string
	Subject   string
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// CanSolve reports whether the principal may start solves.
func (p Principal) CanSolve() bool { return p.Role == RoleAdmin || p.Role == RoleDispatcher }

// getPrincipal resolves the caller's partition and role.
// - A bearer token is checked by the configured verifier (dev/hmac/jwks).
// - Without one, dev mode falls back to X-OpCo-Id, X-Funding-Account-Id and X-Role.
func (s *Server) getPrincipal(r *http.Request) (Principal, error) {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") && s.Auth != nil {
		tok := strings.TrimSpace(authz[len("Bearer "):])
		pr, err := s.Auth.Verify(tok)
		if err != nil {
			return Principal{}, err
		}
		p, err := partition.Resolve(pr.OpCoID, pr.FundingAccountID)
		if err != nil {
			return Principal{}, err
		}
		return Principal{Partition: p, Role: pr.Role, Subject: pr.Subject}, nil
	}
	if s.Auth != nil && s.Auth.Mode != "dev" {
		return Principal{}, errUnauthenticated
	}
	p, err := partition.Resolve(r.Header.Get("X-OpCo-Id"), r.Header.Get("X-Funding-Account-Id"))
	if err != nil {
		return Principal{}, err
	}
	role := strings.ToLower(strings.TrimSpace(r.Header.Get("X-Role")))
	if role == "" {
		role = RoleDispatcher
	}
	return Principal{Partition: p, Role: role}, nil
}

// principal writes the problem response itself when the caller cannot be
// resolved; ok is false in that case.
func (s *Server) principal(w http.ResponseWriter, r *http.Request) (Principal, bool) {
	p, err := s.getPrincipal(r)
	if err == nil {
		return p, true
	}
	if errors.Is(err, partition.ErrInvalidPartition) {
		writeProblem(w, http.StatusBadRequest, "Invalid partition", err.Error(), r.URL.Path)
	} else {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), r.URL.Path)
	}
	return Principal{}, false
}
