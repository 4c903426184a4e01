package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// gestationDays is the average cattle pregnancy length used when no expected
// calving date is given.
const gestationDays = 283

type breedingInput struct {
	AnimalTagID         string `json:"animalTagId" validate:"required"`
	ServiceDate         string `json:"serviceDate" validate:"required,datetime=2006-01-02"`
	Method              string `json:"method" validate:"required,oneof=natural ai"`
	Sire                string `json:"sire" validate:"max=120"`
	HeatDate            string `json:"heatDate" validate:"omitempty,datetime=2006-01-02"`
	ExpectedCalvingDate string `json:"expectedCalvingDate" validate:"omitempty,datetime=2006-01-02"`
	Status              string `json:"status" validate:"omitempty,oneof=served confirmed calved failed"`
	Notes               string `json:"notes" validate:"max=1000"`
}

type breedingDates struct {
	service  time.Time
	heat     *time.Time
	expected time.Time
}

func expectedCalving(service time.Time) time.Time {
	return service.AddDate(0, 0, gestationDays)
}

func (s *Server) breedingDates(in breedingInput) (breedingDates, string) {
	service, err := s.parseDay(in.ServiceDate)
	if err != nil {
		return breedingDates{}, "serviceDate must be YYYY-MM-DD"
	}
	if service.After(s.now()) {
		return breedingDates{}, "serviceDate cannot be in the future"
	}
	heat, err := s.optionalDate(in.HeatDate)
	if err != nil {
		return breedingDates{}, "heatDate must be YYYY-MM-DD"
	}
	if heat != nil && heat.After(service) {
		return breedingDates{}, "heatDate cannot be after serviceDate"
	}
	expected := expectedCalving(service)
	if in.ExpectedCalvingDate != "" {
		d, err := s.parseDay(in.ExpectedCalvingDate)
		if err != nil {
			return breedingDates{}, "expectedCalvingDate must be YYYY-MM-DD"
		}
		if !d.After(service) {
			return breedingDates{}, "expectedCalvingDate must be after serviceDate"
		}
		expected = d
	}
	return breedingDates{service: service, heat: heat, expected: expected}, ""
}

// breedableAnimal resolves tag to a female that is old enough to be served.
func (s *Server) breedableAnimal(ctx context.Context, w http.ResponseWriter, r *http.Request, rawTag string) (animalRef, bool) {
	tagID, ok := normalizeAnimalTag(rawTag)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid animal tag")
		return animalRef{}, false
	}
	animal, err := s.lookupAnimal(ctx, tagID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			respondError(w, http.StatusNotFound, "animal not found")
			return animalRef{}, false
		}
		s.internalError(w, r, "failed to load animal", err)
		return animalRef{}, false
	}
	if animal.Sex != "female" || (animal.Category != "cow" && animal.Category != "heifer") {
		respondError(w, http.StatusBadRequest, "only cows and heifers can have breeding records")
		return animalRef{}, false
	}
	return animal, true
}

func (s *Server) handleBreedingRecords(w http.ResponseWriter, r *http.Request) {
	page, pageSize := parsePagination(r)
	offset := (page - 1) * pageSize
	status := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status")))

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var total int64
	if err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM breeding_records WHERE ($1 = '' OR status = $1)
	`, status).Scan(&total); err != nil {
		s.internalError(w, r, "failed to load breeding records", err)
		return
	}

	rows, err := s.db.Query(ctx, `
		SELECT b.id, a.tag_id, a.name, b.service_date, b.method, b.sire, b.heat_date,
			b.expected_calving_date, b.status, b.notes
		FROM breeding_records b
		JOIN animals a ON a.id = b.animal_id
		WHERE ($1 = '' OR b.status = $1)
		ORDER BY b.service_date DESC, b.id DESC
		LIMIT $2 OFFSET $3
	`, status, pageSize, offset)
	if err != nil {
		s.internalError(w, r, "failed to load breeding records", err)
		return
	}
	defer rows.Close()

	out := make([]map[string]any, 0)
	for rows.Next() {
		var id int64
		var tagID, name, method, sire, st, notes string
		var service time.Time
		var heat, expected *time.Time
		if err := rows.Scan(&id, &tagID, &name, &service, &method, &sire, &heat, &expected, &st, &notes); err != nil {
			s.internalError(w, r, "failed to parse breeding records", err)
			return
		}
		out = append(out, map[string]any{
			"id":                  id,
			"animalTagId":         tagID,
			"animalName":          name,
			"serviceDate":         service.Format("2006-01-02"),
			"method":              method,
			"sire":                sire,
			"heatDate":            optionalISO(heat),
			"expectedCalvingDate": optionalISO(expected),
			"status":              st,
			"notes":               notes,
		})
	}
	if err := rows.Err(); err != nil {
		s.internalError(w, r, "failed to load breeding records", err)
		return
	}

	respondJSON(w, http.StatusOK, paged(out, total, page, pageSize))
}

func optionalISO(d *time.Time) string {
	if d == nil {
		return ""
	}
	return d.Format("2006-01-02")
}

func (s *Server) handleCreateBreedingRecord(w http.ResponseWriter, r *http.Request) {
	var in breedingInput
	if err := decodeAndValidate(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	dates, msg := s.breedingDates(in)
	if msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}
	if in.Status == "" {
		in.Status = "served"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	animal, ok := s.breedableAnimal(ctx, w, r, in.AnimalTagID)
	if !ok {
		return
	}

	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO breeding_records(animal_id, service_date, method, sire, heat_date, expected_calving_date, status, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, animal.ID, dates.service, in.Method, strings.TrimSpace(in.Sire), dates.heat, dates.expected, in.Status, strings.TrimSpace(in.Notes)).Scan(&id)
	if err != nil {
		s.internalError(w, r, "failed to create breeding record", err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"ok":                  true,
		"id":                  id,
		"expectedCalvingDate": dates.expected.Format("2006-01-02"),
	})
}

func (s *Server) handleUpdateBreedingRecord(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id")
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid breeding record id")
		return
	}
	var in breedingInput
	if err := decodeAndValidate(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	dates, msg := s.breedingDates(in)
	if msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}
	if in.Status == "" {
		in.Status = "served"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	animal, ok := s.breedableAnimal(ctx, w, r, in.AnimalTagID)
	if !ok {
		return
	}

	res, err := s.db.Exec(ctx, `
		UPDATE breeding_records
		SET animal_id = $1, service_date = $2, method = $3, sire = $4, heat_date = $5,
			expected_calving_date = $6, status = $7, notes = $8
		WHERE id = $9
	`, animal.ID, dates.service, in.Method, strings.TrimSpace(in.Sire), dates.heat, dates.expected, in.Status, strings.TrimSpace(in.Notes), id)
	if err != nil {
		s.internalError(w, r, "failed to update breeding record", err)
		return
	}
	if res.RowsAffected() == 0 {
		respondError(w, http.StatusNotFound, "breeding record not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDeleteBreedingRecord(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id")
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid breeding record id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	res, err := s.db.Exec(ctx, `DELETE FROM breeding_records WHERE id = $1`, id)
	if err != nil {
		s.internalError(w, r, "failed to delete breeding record", err)
		return
	}
	if res.RowsAffected() == 0 {
		respondError(w, http.StatusNotFound, "breeding record not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}
