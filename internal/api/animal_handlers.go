package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"dairyfarm/backend/internal/database"
)

type animalInput struct {
	Name         string   `json:"name" validate:"max=80"`
	Category     string   `json:"category" validate:"omitempty,oneof=cow heifer calf bull"`
	Sex          string   `json:"sex" validate:"omitempty,oneof=female male"`
	Breed        string   `json:"breed" validate:"max=80"`
	BirthDate    string   `json:"birthDate" validate:"omitempty,datetime=2006-01-02"`
	WeightKg     *float64 `json:"weightKg" validate:"omitempty,gt=0,lte=2000"`
	HealthStatus string   `json:"healthStatus" validate:"omitempty,oneof=healthy sick recovering"`
	Status       string   `json:"status" validate:"omitempty,oneof=active sold dead inactive"`
}

// normalize fills defaults and checks category against sex and birth date.
// It returns a message for the client when the combination is not valid.
func (in *animalInput) normalize(today time.Time, birth *time.Time, maturityMonths int) string {
	in.Name = strings.TrimSpace(in.Name)
	in.Breed = strings.TrimSpace(in.Breed)
	if in.Sex == "" {
		in.Sex = "female"
	}
	if in.HealthStatus == "" {
		in.HealthStatus = "healthy"
	}
	if in.Status == "" {
		in.Status = "active"
	}
	if birth != nil && birth.After(today) {
		return "birthDate cannot be in the future"
	}
	if in.Category == "" {
		if birth == nil {
			return "category or birthDate is required"
		}
		in.Category = classifyAnimal(in.Sex, *birth, today, maturityMonths)
	}
	switch in.Category {
	case "bull":
		if in.Sex != "male" {
			return "a bull must be male"
		}
	case "cow", "heifer":
		if in.Sex != "female" {
			return "a " + in.Category + " must be female"
		}
	}
	return ""
}

func maturityCutoff(today time.Time, months int) time.Time {
	y, m, d := today.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, today.Location()).AddDate(0, -months, 0)
}

func matureCategory(sex string) string {
	if sex == "male" {
		return "bull"
	}
	return "heifer"
}

// classifyAnimal derives a category from age: younger than the maturity age
// is a calf, older is a heifer or bull.
func classifyAnimal(sex string, birth, today time.Time, months int) string {
	if birth.After(maturityCutoff(today, months)) {
		return "calf"
	}
	return matureCategory(sex)
}

func (s *Server) handleAnimals(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	page, pageSize := parsePagination(r)
	search := parseSearch(r)
	category := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("category")))
	offset := (page - 1) * pageSize

	const filter = `
		WHERE is_active = true
			AND ($1 = '' OR tag_id ILIKE '%' || $1 || '%' OR name ILIKE '%' || $1 || '%' OR breed ILIKE '%' || $1 || '%')
			AND ($2 = '' OR category = $2)
	`

	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM animals`+filter, search, category).Scan(&total); err != nil {
		s.internalError(w, r, "failed to load animals", err)
		return
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, tag_id, name, category, sex, breed, birth_date,
			CASE
				WHEN birth_date IS NULL THEN 'N/A'
				WHEN CURRENT_DATE - birth_date < 30 THEN (CURRENT_DATE - birth_date)::int::text || ' days'
				WHEN AGE(CURRENT_DATE, birth_date) < INTERVAL '1 year' THEN EXTRACT(MONTH FROM AGE(CURRENT_DATE, birth_date))::int::text || ' months'
				ELSE EXTRACT(YEAR FROM AGE(CURRENT_DATE, birth_date))::int::text || ' years'
			END AS age,
			weight_kg::float8, health_status, status
		FROM animals`+filter+`
		ORDER BY tag_id
		LIMIT $3 OFFSET $4
	`, search, category, pageSize, offset)
	if err != nil {
		s.internalError(w, r, "failed to load animals", err)
		return
	}
	defer rows.Close()

	out := make([]map[string]any, 0)
	for rows.Next() {
		var id int64
		var birthDate *time.Time
		var weight *float64
		var tagID, name, cat, sex, breed, age, health, status string
		if err := rows.Scan(&id, &tagID, &name, &cat, &sex, &breed, &birthDate, &age, &weight, &health, &status); err != nil {
			s.internalError(w, r, "failed to parse animals", err)
			return
		}
		birthDateRaw := ""
		if birthDate != nil {
			birthDateRaw = birthDate.Format("2006-01-02")
		}
		out = append(out, map[string]any{
			"id":        id,
			"tagId":     tagID,
			"name":      name,
			"category":  cat,
			"sex":       sex,
			"breed":     breed,
			"birthDate": birthDateRaw,
			"age":       age,
			"weightKg":  weight,
			"health":    health,
			"status":    status,
		})
	}
	if err := rows.Err(); err != nil {
		s.internalError(w, r, "failed to load animals", err)
		return
	}

	respondJSON(w, http.StatusOK, paged(out, total, page, pageSize))
}

func (s *Server) handleCreateAnimal(w http.ResponseWriter, r *http.Request) {
	var in struct {
		TagID string `json:"tagId" validate:"required"`
		animalInput
	}
	if err := decodeAndValidate(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	tagID, ok := normalizeAnimalTag(in.TagID)
	if !ok {
		respondError(w, http.StatusBadRequest, "tagId must be 2-24 chars (A-Z, 0-9, hyphen)")
		return
	}
	birthDate, err := s.optionalDate(in.BirthDate)
	if err != nil {
		respondError(w, http.StatusBadRequest, "birthDate must be YYYY-MM-DD")
		return
	}
	if msg := in.normalize(s.now(), birthDate, s.calfMaturityMonths); msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var id int64
	err = s.db.QueryRow(ctx, `
		INSERT INTO animals(tag_id, name, category, sex, breed, birth_date, weight_kg, health_status, status, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, tagID, in.Name, in.Category, in.Sex, in.Breed, birthDate, in.WeightKg, in.HealthStatus, in.Status, in.Status == "active").Scan(&id)
	if err != nil {
		if database.IsUniqueViolation(err) {
			respondError(w, http.StatusConflict, "tag ID already exists")
			return
		}
		s.internalError(w, r, "failed to create animal", err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": id, "tagId": tagID, "category": in.Category})
}

func (s *Server) handleUpdateAnimal(w http.ResponseWriter, r *http.Request) {
	tagID, ok := normalizeAnimalTag(r.PathValue("tagId"))
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid tag ID")
		return
	}

	var in animalInput
	if err := decodeAndValidate(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	birthDate, err := s.optionalDate(in.BirthDate)
	if err != nil {
		respondError(w, http.StatusBadRequest, "birthDate must be YYYY-MM-DD")
		return
	}
	if msg := in.normalize(s.now(), birthDate, s.calfMaturityMonths); msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	res, err := s.db.Exec(ctx, `
		UPDATE animals
		SET name = $1, category = $2, sex = $3, breed = $4, birth_date = $5, weight_kg = $6,
			health_status = $7, status = $8, is_active = $9
		WHERE tag_id = $10
	`, in.Name, in.Category, in.Sex, in.Breed, birthDate, in.WeightKg, in.HealthStatus, in.Status, in.Status == "active", tagID)
	if err != nil {
		s.internalError(w, r, "failed to update animal", err)
		return
	}
	if res.RowsAffected() == 0 {
		respondError(w, http.StatusNotFound, "animal not found")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleDeleteAnimal retires an animal. Rows stay so that past production and
// treatment records keep their reference.
func (s *Server) handleDeleteAnimal(w http.ResponseWriter, r *http.Request) {
	tagID, ok := normalizeAnimalTag(r.PathValue("tagId"))
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid tag ID")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	res, err := s.db.Exec(ctx, `
		UPDATE animals
		SET is_active = false, status = 'inactive'
		WHERE tag_id = $1 AND is_active = true
	`, tagID)
	if err != nil {
		s.internalError(w, r, "failed to delete animal", err)
		return
	}
	if res.RowsAffected() == 0 {
		respondError(w, http.StatusNotFound, "animal not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handlePromoteMatureCalves moves calves past the maturity age into the adult
// herd so their milk starts counting towards the balance.
func (s *Server) handlePromoteMatureCalves(w http.ResponseWriter, r *http.Request) {
	cutoff := maturityCutoff(s.now(), s.calfMaturityMonths)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rows, err := s.db.Query(ctx, `
		UPDATE animals
		SET category = CASE WHEN sex = 'male' THEN 'bull' ELSE 'heifer' END
		WHERE category = 'calf' AND is_active = true
			AND birth_date IS NOT NULL AND birth_date <= $1::date
		RETURNING tag_id, category
	`, cutoff.Format("2006-01-02"))
	if err != nil {
		s.internalError(w, r, "failed to promote calves", err)
		return
	}
	defer rows.Close()

	promoted := make([]map[string]string, 0)
	for rows.Next() {
		var tagID, category string
		if err := rows.Scan(&tagID, &category); err != nil {
			s.internalError(w, r, "failed to promote calves", err)
			return
		}
		promoted = append(promoted, map[string]string{"tagId": tagID, "category": category})
	}
	if err := rows.Err(); err != nil {
		s.internalError(w, r, "failed to promote calves", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"cutoff":   cutoff.Format("2006-01-02"),
		"promoted": promoted,
		"count":    len(promoted),
	})
}

type animalRef struct {
	ID       int64
	TagID    string
	Category string
	Sex      string
}

// lookupAnimal resolves an active animal by tag. It returns pgx.ErrNoRows when
// there is none.
func (s *Server) lookupAnimal(ctx context.Context, tagID string) (animalRef, error) {
	ref := animalRef{TagID: tagID}
	err := s.db.QueryRow(ctx, `
		SELECT id, category, sex FROM animals WHERE tag_id = $1 AND is_active = true
	`, tagID).Scan(&ref.ID, &ref.Category, &ref.Sex)
	return ref, err
}
