package api

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"dairyfarm/backend/internal/balance"
)

var animalTagRe = regexp.MustCompile(`^[A-Z0-9-]{2,24}$`)
var phoneRe = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

func (s *Server) loc() *time.Location {
	if s.location == nil {
		return time.UTC
	}
	return s.location
}

func (s *Server) now() time.Time {
	return s.clock().In(s.loc())
}

func (s *Server) formatISODate(d time.Time) string {
	return d.In(s.loc()).Format(balance.DateLayout)
}

// parseDay reads a YYYY-MM-DD value as a calendar day in the farm's zone.
// An empty value means today.
func (s *Server) parseDay(raw string) (time.Time, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return s.now(), nil
	}
	d, err := time.ParseInLocation(balance.DateLayout, v, s.loc())
	if err != nil {
		return time.Time{}, errors.New("date must be YYYY-MM-DD")
	}
	return d, nil
}

func (s *Server) optionalDate(raw string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	d, err := s.parseDay(raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func normalizeAnimalTag(raw string) (string, bool) {
	v := strings.ToUpper(strings.TrimSpace(raw))
	if !animalTagRe.MatchString(v) {
		return "", false
	}
	return v, true
}

func normalizePhone(raw string) (string, bool) {
	v := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(raw))
	if v == "" {
		return "", true
	}
	if !phoneRe.MatchString(v) {
		return "", false
	}
	return v, true
}
