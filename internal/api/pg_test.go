package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dairyfarm/backend/internal/balance"
	"dairyfarm/backend/internal/testutil"
)

// newPGServer wires a Server to a real Postgres schema and the real balance
// service on top of it.
func newPGServer(t *testing.T) (*Server, *pgxpool.Pool) {
	t.Helper()
	pool := testutil.NewPool(t)
	s := newTestServer(t, balance.NewService(balance.NewPGStore(pool), eat))
	s.db = pool
	return s, pool
}

func countUsers(t *testing.T, pool *pgxpool.Pool) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(context.Background(), `SELECT COUNT(*) FROM users`).Scan(&n))
	return n
}

func TestRegisterClosesAfterOwnerPG(t *testing.T) {
	s, pool := newPGServer(t)

	rec := do(t, s, http.MethodPost, "/api/auth/register",
		`{"name": "Amina", "email": "amina@example.com", "password": "secret123"}`, 0)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "owner", decodeBody(t, rec)["user"].(map[string]any)["role"])

	rec = do(t, s, http.MethodPost, "/api/auth/register",
		`{"name": "Stranger", "email": "stranger@example.com", "password": "secret123"}`, 0)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 1, countUsers(t, pool))
}

func TestConcurrentRegistrationYieldsOneOwnerPG(t *testing.T) {
	s, pool := newPGServer(t)

	const n = 5
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := fmt.Sprintf(`{"name": "User %d", "email": "user%d@example.com", "password": "secret123"}`, i, i)
			codes[i] = do(t, s, http.MethodPost, "/api/auth/register", body, 0).Code
		}(i)
	}
	wg.Wait()

	created := 0
	for _, code := range codes {
		if code == http.StatusCreated {
			created++
			continue
		}
		assert.Equal(t, http.StatusForbidden, code)
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, countUsers(t, pool))
}

func TestSaleEditCreditsItsOwnQuantityPG(t *testing.T) {
	s, pool := newPGServer(t)
	testutil.SeedUsers(t, pool)
	testutil.SeedAnimal(t, pool, "C-001", "cow")

	rec := do(t, s, http.MethodPost, "/api/production/morning",
		`{"animalTagId": "C-001", "date": "2026-03-10", "quantity": 50}`, 3)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/api/sales",
		`{"date": "2026-03-10", "buyer": "Co-op", "quantity": 40, "pricePerLiter": 50}`, 3)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := int64(decodeBody(t, rec)["id"].(float64))

	rec = do(t, s, http.MethodPost, "/api/sales",
		`{"date": "2026-03-10", "buyer": "Hotel", "quantity": 11, "pricePerLiter": 50}`, 3)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "only 10.00 L available for sale on 2026-03-10", decodeBody(t, rec)["error"])

	target := fmt.Sprintf("/api/sales/%d", id)
	rec = do(t, s, http.MethodPut, target, `{"buyer": "Co-op", "quantity": 45, "pricePerLiter": 50}`, 2)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2250.0, decodeBody(t, rec)["amount"])

	rec = do(t, s, http.MethodPut, target, `{"buyer": "Co-op", "quantity": 55, "pricePerLiter": 50}`, 2)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "only 50.00 L available for sale on 2026-03-10", decodeBody(t, rec)["error"])

	var qty float64
	require.NoError(t, pool.QueryRow(context.Background(), `SELECT quantity::float8 FROM sales WHERE id = $1`, id).Scan(&qty))
	assert.Equal(t, 45.0, qty)
}

func TestDuplicateProductionIsConflictPG(t *testing.T) {
	s, pool := newPGServer(t)
	testutil.SeedUsers(t, pool)
	testutil.SeedAnimal(t, pool, "C-001", "cow")
	testutil.SeedAnimal(t, pool, "C-900", "calf")

	body := `{"animalTagId": "c-001", "date": "2026-03-10", "quantity": 20, "calfFed": 2}`
	rec := do(t, s, http.MethodPost, "/api/production/evening", body, 3)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/api/production/evening", body, 3)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "evening production already recorded for C-001 on 2026-03-10", decodeBody(t, rec)["error"])

	// The other session of the same day is a separate record.
	rec = do(t, s, http.MethodPost, "/api/production/morning", body, 3)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/api/production/morning",
		`{"animalTagId": "C-900", "date": "2026-03-10", "quantity": 3}`, 3)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "a calf cannot have milk production", decodeBody(t, rec)["error"])
}
