package api

import (
	"context"
	"errors"
	"strings"
)

var validRoles = map[string]struct{}{
	"owner":        {},
	"manager":      {},
	"worker":       {},
	"veterinarian": {},
}

func normalizeRole(raw string) (string, bool) {
	role := strings.ToLower(strings.TrimSpace(raw))
	_, ok := validRoles[role]
	return role, ok
}

// loadAuthContext resolves the role of an active user. The role is read from
// the database on every request so demotions apply before the token expires.
func (s *Server) loadAuthContext(ctx context.Context, userID int64) (string, error) {
	if userID <= 0 {
		return "", errors.New("invalid user")
	}
	if s.db == nil {
		return "", errors.New("no database")
	}

	var role, status string
	err := s.db.QueryRow(ctx, `SELECT role, status FROM users WHERE id = $1`, userID).Scan(&role, &status)
	if err != nil {
		return "", err
	}
	if strings.ToLower(strings.TrimSpace(status)) != "active" {
		return "", errors.New("inactive user")
	}
	role, ok := normalizeRole(role)
	if !ok {
		return "", errors.New("unknown role")
	}
	return role, nil
}
