package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"dairyfarm/backend/internal/database"
)

type userInput struct {
	Name     string `json:"name" validate:"required,max=120"`
	Email    string `json:"email" validate:"required,email"`
	Role     string `json:"role" validate:"required,oneof=owner manager worker veterinarian"`
	Phone    string `json:"phone"`
	Status   string `json:"status" validate:"omitempty,oneof=active inactive"`
	Password string `json:"password" validate:"omitempty,min=6"`
}

func (in *userInput) normalize() (string, bool) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if in.Status == "" {
		in.Status = "active"
	}
	phone, ok := normalizePhone(in.Phone)
	if !ok {
		return "invalid phone number", false
	}
	in.Phone = phone
	return "", true
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	page, pageSize := parsePagination(r)
	search := parseSearch(r)
	offset := (page - 1) * pageSize

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	const filter = `WHERE ($1 = '' OR name ILIKE '%' || $1 || '%' OR email ILIKE '%' || $1 || '%')`

	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM users `+filter, search).Scan(&total); err != nil {
		s.internalError(w, r, "failed to load users", err)
		return
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, name, email, role, phone, status
		FROM users `+filter+`
		ORDER BY name, id
		LIMIT $2 OFFSET $3
	`, search, pageSize, offset)
	if err != nil {
		s.internalError(w, r, "failed to load users", err)
		return
	}
	defer rows.Close()

	out := make([]authUser, 0)
	for rows.Next() {
		var u authUser
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.Phone, &u.Status); err != nil {
			s.internalError(w, r, "failed to parse users", err)
			return
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		s.internalError(w, r, "failed to load users", err)
		return
	}

	respondJSON(w, http.StatusOK, paged(out, total, page, pageSize))
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var in userInput
	if err := decodeAndValidate(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg, ok := in.normalize(); !ok {
		respondError(w, http.StatusBadRequest, msg)
		return
	}
	if in.Password == "" {
		respondError(w, http.StatusBadRequest, "password is required")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		s.internalError(w, r, "password processing failed", err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var id int64
	err = s.db.QueryRow(ctx, `
		INSERT INTO users(name, email, password_hash, role, phone, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, in.Name, in.Email, string(hash), in.Role, in.Phone, in.Status).Scan(&id)
	if err != nil {
		if database.IsUniqueViolation(err) {
			respondError(w, http.StatusConflict, "email already registered")
			return
		}
		s.internalError(w, r, "failed to create user", err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": id})
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	userID, err := parsePathID(r, "id")
	if err != nil || userID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	var in userInput
	if err := decodeAndValidate(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg, ok := in.normalize(); !ok {
		respondError(w, http.StatusBadRequest, msg)
		return
	}
	if authID, _ := currentUserID(r); authID == userID && (in.Role != currentRole(r) || in.Status != "active") {
		respondError(w, http.StatusBadRequest, "you cannot change your own role or status")
		return
	}

	var hash *string
	if in.Password != "" {
		b, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
		if err != nil {
			s.internalError(w, r, "password processing failed", err)
			return
		}
		h := string(b)
		hash = &h
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := s.db.Exec(ctx, `
		UPDATE users
		SET name = $1, email = $2, role = $3, phone = $4, status = $5,
			password_hash = COALESCE($6, password_hash)
		WHERE id = $7
	`, in.Name, in.Email, in.Role, in.Phone, in.Status, hash, userID)
	if err != nil {
		if database.IsUniqueViolation(err) {
			respondError(w, http.StatusConflict, "email already registered")
			return
		}
		s.internalError(w, r, "failed to update user", err)
		return
	}
	if res.RowsAffected() == 0 {
		respondError(w, http.StatusNotFound, "user not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleDeleteUser deactivates an account. Production and sales rows keep
// pointing at it through recorded_by.
func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	userID, err := parsePathID(r, "id")
	if err != nil || userID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if authID, _ := currentUserID(r); authID == userID {
		respondError(w, http.StatusBadRequest, "you cannot delete your own account")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	res, err := s.db.Exec(ctx, `UPDATE users SET status = 'inactive' WHERE id = $1 AND status = 'active'`, userID)
	if err != nil {
		s.internalError(w, r, "failed to delete user", err)
		return
	}
	if res.RowsAffected() == 0 {
		respondError(w, http.StatusNotFound, "user not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}
