package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"

	"dairyfarm/backend/internal/balance"
	"dairyfarm/backend/internal/database"
)

type productionRecord struct {
	ID         int64   `json:"id"`
	AnimalID   int64   `json:"animalId"`
	TagID      string  `json:"tagId"`
	AnimalName string  `json:"animalName"`
	Date       string  `json:"date"`
	Quantity   float64 `json:"quantity"`
	CalfFed    float64 `json:"calfFed"`
	Balance    float64 `json:"balance"`
	RecordedBy *int64  `json:"recordedBy"`
}

// productionTable maps the session path segment to its table. Only the two
// fixed names can come back, so the result is safe to splice into SQL.
func productionTable(r *http.Request) (balance.Session, string, error) {
	session, err := balance.ParseSession(r.PathValue("session"))
	if err != nil {
		return "", "", err
	}
	table, err := balance.SessionTable(session)
	return session, table, err
}

func (s *Server) handleProductionRecords(w http.ResponseWriter, r *http.Request) {
	session, table, err := productionTable(r)
	if err != nil {
		respondError(w, http.StatusNotFound, "unknown production session")
		return
	}
	date, err := s.parseDay(r.URL.Query().Get("date"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, pageSize := parsePagination(r)
	offset := (page - 1) * pageSize
	day := s.formatISODate(date)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var total int64
	var totalQuantity, totalCalfFed float64
	err = s.db.QueryRow(ctx, fmt.Sprintf(`
		SELECT COUNT(*), COALESCE(SUM(quantity), 0)::float8, COALESCE(SUM(calf_fed), 0)::float8
		FROM %s
		WHERE production_date = $1::date
	`, table), day).Scan(&total, &totalQuantity, &totalCalfFed)
	if err != nil {
		s.internalError(w, r, "failed to load production records", err)
		return
	}

	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		SELECT p.id, p.animal_id, a.tag_id, a.name, p.production_date,
			p.quantity::float8, p.calf_fed::float8, p.balance::float8, p.recorded_by
		FROM %s p
		JOIN animals a ON a.id = p.animal_id
		WHERE p.production_date = $1::date
		ORDER BY a.tag_id
		LIMIT $2 OFFSET $3
	`, table), day, pageSize, offset)
	if err != nil {
		s.internalError(w, r, "failed to load production records", err)
		return
	}
	defer rows.Close()

	out := make([]productionRecord, 0)
	for rows.Next() {
		var rec productionRecord
		var produced time.Time
		if err := rows.Scan(&rec.ID, &rec.AnimalID, &rec.TagID, &rec.AnimalName, &produced,
			&rec.Quantity, &rec.CalfFed, &rec.Balance, &rec.RecordedBy); err != nil {
			s.internalError(w, r, "failed to parse production records", err)
			return
		}
		rec.Date = produced.Format(balance.DateLayout)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		s.internalError(w, r, "failed to load production records", err)
		return
	}

	resp := paged(out, total, page, pageSize)
	resp["session"] = session
	resp["date"] = day
	resp["totalQuantity"] = totalQuantity
	resp["totalCalfFed"] = totalCalfFed
	respondJSON(w, http.StatusOK, resp)
}

type productionInput struct {
	AnimalTagID string  `json:"animalTagId" validate:"required"`
	Date        string  `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Quantity    float64 `json:"quantity" validate:"gte=0,lte=200"`
	CalfFed     float64 `json:"calfFed" validate:"gte=0,ltefield=Quantity"`
}

func (s *Server) handleCreateProductionRecord(w http.ResponseWriter, r *http.Request) {
	session, table, err := productionTable(r)
	if err != nil {
		respondError(w, http.StatusNotFound, "unknown production session")
		return
	}

	var in productionInput
	if err := decodeAndValidate(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	tagID, ok := normalizeAnimalTag(in.AnimalTagID)
	if !ok {
		respondError(w, http.StatusBadRequest, "animalTagId must be 2-24 chars (A-Z, 0-9, hyphen)")
		return
	}
	date, err := s.parseDay(in.Date)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if date.After(s.now()) {
		respondError(w, http.StatusBadRequest, "date cannot be in the future")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var animalID int64
	var category string
	err = s.db.QueryRow(ctx, `SELECT id, category FROM animals WHERE tag_id = $1 AND is_active = true`, tagID).
		Scan(&animalID, &category)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			respondError(w, http.StatusNotFound, "animal not found")
			return
		}
		s.internalError(w, r, "failed to record production", err)
		return
	}
	if category == "calf" || category == "bull" {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("a %s cannot have milk production", category))
		return
	}

	var userID *int64
	if uid, ok := currentUserID(r); ok {
		userID = &uid
	}

	var id int64
	err = s.db.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s(animal_id, production_date, quantity, calf_fed, balance, recorded_by)
		VALUES ($1, $2::date, $3, $4, $3 - $4, $5)
		RETURNING id
	`, table), animalID, s.formatISODate(date), in.Quantity, in.CalfFed, userID).Scan(&id)
	if err != nil {
		if database.IsUniqueViolation(err) {
			respondError(w, http.StatusConflict, fmt.Sprintf("%s production already recorded for %s on %s", session, tagID, s.formatISODate(date)))
			return
		}
		s.internalError(w, r, "failed to record production", err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": id})
}

// handleUpdateProductionRecord corrects quantity and calf feed. Records are
// never deleted; the day's balance picks up the change on its next
// calculation.
func (s *Server) handleUpdateProductionRecord(w http.ResponseWriter, r *http.Request) {
	_, table, err := productionTable(r)
	if err != nil {
		respondError(w, http.StatusNotFound, "unknown production session")
		return
	}
	id, err := parsePathID(r, "id")
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid production record id")
		return
	}

	var in struct {
		Quantity float64 `json:"quantity" validate:"gte=0,lte=200"`
		CalfFed  float64 `json:"calfFed" validate:"gte=0,ltefield=Quantity"`
	}
	if err := decodeAndValidate(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := s.db.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET quantity = $1, calf_fed = $2, balance = $1 - $2
		WHERE id = $3
	`, table), in.Quantity, in.CalfFed, id)
	if err != nil {
		s.internalError(w, r, "failed to update production record", err)
		return
	}
	if res.RowsAffected() == 0 {
		respondError(w, http.StatusNotFound, "production record not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}
