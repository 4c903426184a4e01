package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

type treatmentInput struct {
	AnimalTagID   string  `json:"animalTagId" validate:"required"`
	TreatmentDate string  `json:"treatmentDate" validate:"required,datetime=2006-01-02"`
	Diagnosis     string  `json:"diagnosis" validate:"required,max=200"`
	Medicine      string  `json:"medicine" validate:"required,max=200"`
	Dosage        string  `json:"dosage" validate:"max=100"`
	Veterinarian  string  `json:"veterinarian" validate:"max=120"`
	Cost          float64 `json:"cost" validate:"gte=0"`
	NextDue       string  `json:"nextDue" validate:"omitempty,datetime=2006-01-02"`
	Notes         string  `json:"notes" validate:"max=1000"`
}

type treatmentDates struct {
	treated time.Time
	nextDue *time.Time
}

func (s *Server) treatmentDates(in treatmentInput) (treatmentDates, string) {
	treated, err := s.parseDay(in.TreatmentDate)
	if err != nil {
		return treatmentDates{}, "treatmentDate must be YYYY-MM-DD"
	}
	if treated.After(s.now()) {
		return treatmentDates{}, "treatmentDate cannot be in the future"
	}
	nextDue, err := s.optionalDate(in.NextDue)
	if err != nil {
		return treatmentDates{}, "nextDue must be YYYY-MM-DD"
	}
	if nextDue != nil && nextDue.Before(treated) {
		return treatmentDates{}, "nextDue cannot be before treatmentDate"
	}
	return treatmentDates{treated: treated, nextDue: nextDue}, ""
}

func (s *Server) handleTreatments(w http.ResponseWriter, r *http.Request) {
	page, pageSize := parsePagination(r)
	search := parseSearch(r)
	offset := (page - 1) * pageSize
	tag := ""
	if raw := strings.TrimSpace(r.URL.Query().Get("animal")); raw != "" {
		var ok bool
		if tag, ok = normalizeAnimalTag(raw); !ok {
			respondError(w, http.StatusBadRequest, "invalid animal tag")
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	const filter = `
		WHERE ($1 = '' OR t.diagnosis ILIKE '%' || $1 || '%' OR t.medicine ILIKE '%' || $1 || '%')
			AND ($2 = '' OR a.tag_id = $2)
	`

	var total int64
	if err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM treatments t JOIN animals a ON a.id = t.animal_id`+filter, search, tag).Scan(&total); err != nil {
		s.internalError(w, r, "failed to load treatments", err)
		return
	}

	rows, err := s.db.Query(ctx, `
		SELECT t.id, a.tag_id, t.treatment_date, t.diagnosis, t.medicine, t.dosage, t.veterinarian,
			t.cost::float8, t.next_due, t.notes
		FROM treatments t
		JOIN animals a ON a.id = t.animal_id`+filter+`
		ORDER BY t.treatment_date DESC, t.id DESC
		LIMIT $3 OFFSET $4
	`, search, tag, pageSize, offset)
	if err != nil {
		s.internalError(w, r, "failed to load treatments", err)
		return
	}
	defer rows.Close()

	out := make([]map[string]any, 0)
	for rows.Next() {
		var id int64
		var tagID, diagnosis, medicine, dosage, vet, notes string
		var treated time.Time
		var nextDue *time.Time
		var cost float64
		if err := rows.Scan(&id, &tagID, &treated, &diagnosis, &medicine, &dosage, &vet, &cost, &nextDue, &notes); err != nil {
			s.internalError(w, r, "failed to parse treatments", err)
			return
		}
		nextDueRaw := ""
		if nextDue != nil {
			nextDueRaw = nextDue.Format("2006-01-02")
		}
		out = append(out, map[string]any{
			"id":            id,
			"animalTagId":   tagID,
			"treatmentDate": treated.Format("2006-01-02"),
			"diagnosis":     diagnosis,
			"medicine":      medicine,
			"dosage":        dosage,
			"veterinarian":  vet,
			"cost":          cost,
			"nextDue":       nextDueRaw,
			"notes":         notes,
		})
	}
	if err := rows.Err(); err != nil {
		s.internalError(w, r, "failed to load treatments", err)
		return
	}

	respondJSON(w, http.StatusOK, paged(out, total, page, pageSize))
}

func (s *Server) handleCreateTreatment(w http.ResponseWriter, r *http.Request) {
	var in treatmentInput
	if err := decodeAndValidate(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	tagID, ok := normalizeAnimalTag(in.AnimalTagID)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid animal tag")
		return
	}
	dates, msg := s.treatmentDates(in)
	if msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	animal, err := s.lookupAnimal(ctx, tagID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			respondError(w, http.StatusNotFound, "animal not found")
			return
		}
		s.internalError(w, r, "failed to create treatment", err)
		return
	}

	var id int64
	err = s.db.QueryRow(ctx, `
		INSERT INTO treatments(animal_id, treatment_date, diagnosis, medicine, dosage, veterinarian, cost, next_due, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, animal.ID, dates.treated, strings.TrimSpace(in.Diagnosis), strings.TrimSpace(in.Medicine),
		strings.TrimSpace(in.Dosage), strings.TrimSpace(in.Veterinarian), in.Cost, dates.nextDue, strings.TrimSpace(in.Notes)).Scan(&id)
	if err != nil {
		s.internalError(w, r, "failed to create treatment", err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": id})
}

func (s *Server) handleUpdateTreatment(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id")
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid treatment id")
		return
	}
	var in treatmentInput
	if err := decodeAndValidate(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	tagID, ok := normalizeAnimalTag(in.AnimalTagID)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid animal tag")
		return
	}
	dates, msg := s.treatmentDates(in)
	if msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	animal, err := s.lookupAnimal(ctx, tagID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			respondError(w, http.StatusNotFound, "animal not found")
			return
		}
		s.internalError(w, r, "failed to update treatment", err)
		return
	}

	res, err := s.db.Exec(ctx, `
		UPDATE treatments
		SET animal_id = $1, treatment_date = $2, diagnosis = $3, medicine = $4, dosage = $5,
			veterinarian = $6, cost = $7, next_due = $8, notes = $9
		WHERE id = $10
	`, animal.ID, dates.treated, strings.TrimSpace(in.Diagnosis), strings.TrimSpace(in.Medicine),
		strings.TrimSpace(in.Dosage), strings.TrimSpace(in.Veterinarian), in.Cost, dates.nextDue, strings.TrimSpace(in.Notes), id)
	if err != nil {
		s.internalError(w, r, "failed to update treatment", err)
		return
	}
	if res.RowsAffected() == 0 {
		respondError(w, http.StatusNotFound, "treatment not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDeleteTreatment(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id")
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid treatment id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	res, err := s.db.Exec(ctx, `DELETE FROM treatments WHERE id = $1`, id)
	if err != nil {
		s.internalError(w, r, "failed to delete treatment", err)
		return
	}
	if res.RowsAffected() == 0 {
		respondError(w, http.StatusNotFound, "treatment not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleUpcomingTreatments lists follow-ups due within ?days= (default 7).
func (s *Server) handleUpcomingTreatments(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := strings.TrimSpace(r.URL.Query().Get("days")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 90 {
			respondError(w, http.StatusBadRequest, "days must be between 1 and 90")
			return
		}
		days = n
	}
	today := s.formatISODate(s.now())

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rows, err := s.db.Query(ctx, `
		SELECT t.id, a.tag_id, a.name, t.medicine, t.next_due, (t.next_due - $1::date)::int
		FROM treatments t
		JOIN animals a ON a.id = t.animal_id
		WHERE a.is_active = true AND t.next_due >= $1::date AND t.next_due <= $1::date + $2::int
		ORDER BY t.next_due, a.tag_id
		LIMIT 50
	`, today, days)
	if err != nil {
		s.internalError(w, r, "failed to load upcoming treatments", err)
		return
	}
	defer rows.Close()

	out := make([]map[string]any, 0)
	for rows.Next() {
		var id int64
		var tagID, name, medicine string
		var due time.Time
		var remaining int
		if err := rows.Scan(&id, &tagID, &name, &medicine, &due, &remaining); err != nil {
			s.internalError(w, r, "failed to parse upcoming treatments", err)
			return
		}
		out = append(out, map[string]any{
			"id":          id,
			"animalTagId": tagID,
			"animalName":  name,
			"medicine":    medicine,
			"dueDate":     due.Format("2006-01-02"),
			"daysLeft":    remaining,
		})
	}
	if err := rows.Err(); err != nil {
		s.internalError(w, r, "failed to load upcoming treatments", err)
		return
	}

	respondJSON(w, http.StatusOK, out)
}
