package api

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"dairyfarm/backend/internal/database"
)

// ownerBootstrapLock serialises concurrent first-user registrations.
const ownerBootstrapLock = 0x6d696c6b

var errRegistrationClosed = errors.New("registration closed")

type authUser struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	Phone  string `json:"phone"`
	Status string `json:"status"`
}

// handleRegister bootstraps the farm: it creates the owner account on an empty
// database and is closed afterwards. Further accounts are created by the owner
// through /api/users.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name     string `json:"name" validate:"required,max=120"`
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required,min=6"`
		Phone    string `json:"phone"`
	}
	if err := decodeAndValidate(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	phone, ok := normalizePhone(in.Phone)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid phone number")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		s.internalError(w, r, "password processing failed", err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	const role = "owner"
	id, err := s.createOwner(ctx, in.Name, in.Email, string(hash), phone)
	if err != nil {
		if errors.Is(err, errRegistrationClosed) {
			respondError(w, http.StatusForbidden, "registration is closed; ask the farm owner for an account")
			return
		}
		if database.IsUniqueViolation(err) {
			respondError(w, http.StatusConflict, "email already registered")
			return
		}
		s.internalError(w, r, "failed to create user", err)
		return
	}

	token, err := s.signToken(id, in.Email, role)
	if err != nil {
		s.internalError(w, r, "failed to sign token", err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"token": token,
		"user":  authUser{ID: id, Name: in.Name, Email: in.Email, Role: role, Phone: phone, Status: "active"},
	})
}

// insertFirstOwner creates the owner only while users is empty. The advisory
// lock makes a concurrent second registration wait and then see the first row.
func (s *Server) insertFirstOwner(ctx context.Context, name, email, passwordHash, phone string) (int64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, ownerBootstrapLock); err != nil {
		return 0, err
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO users(name, email, password_hash, role, phone, status)
		SELECT $1, $2, $3, 'owner', $4, 'active'
		WHERE NOT EXISTS (SELECT 1 FROM users)
		RETURNING id
	`, name, email, passwordHash, phone).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, errRegistrationClosed
	}
	if err != nil {
		return 0, err
	}
	return id, tx.Commit(ctx)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	key := s.clientIP(r)
	if ok, retryAfter := s.loginLimiter.allow(key); !ok {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(retryAfter.Seconds()))))
		respondError(w, http.StatusTooManyRequests, "too many login attempts, try again later")
		return
	}

	var in struct {
		Email    string `json:"email" validate:"required"`
		Password string `json:"password" validate:"required"`
	}
	if err := decodeAndValidate(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var u authUser
	var passwordHash string
	err := s.db.QueryRow(ctx, `
		SELECT id, name, email, role, phone, status, password_hash
		FROM users
		WHERE email = $1 AND status = 'active'
	`, strings.ToLower(strings.TrimSpace(in.Email))).Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.Phone, &u.Status, &passwordHash)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			s.internalError(w, r, "failed to sign in", err)
			return
		}
		respondError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(in.Password)); err != nil {
		respondError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}
	s.loginLimiter.reset(key)

	token, err := s.signToken(u.ID, u.Email, u.Role)
	if err != nil {
		s.internalError(w, r, "failed to sign token", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"token": token, "user": u})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid auth context")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var out authUser
	err := s.db.QueryRow(ctx, `SELECT id, name, email, role, phone, status FROM users WHERE id = $1`, userID).
		Scan(&out.ID, &out.Name, &out.Email, &out.Role, &out.Phone, &out.Status)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "user not found")
		return
	}

	respondJSON(w, http.StatusOK, out)
}
