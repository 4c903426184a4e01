package api

import (
	"context"
	"net/http"
	"net/netip"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"dairyfarm/backend/internal/balance"
)

// BalanceService is the milk-balance pipeline as seen by the HTTP layer.
type BalanceService interface {
	Calculate(ctx context.Context, date time.Time) (balance.DayBalance, error)
	AvailableMilk(ctx context.Context, date time.Time) (float64, error)
	CloseDay(ctx context.Context, date time.Time) (balance.CloseResult, error)
	MorningTotalWithBalance(ctx context.Context, date time.Time) (balance.MorningTotal, error)
	History(ctx context.Context, from, to time.Time) ([]balance.Summary, error)
}

type Options struct {
	JWTSecret          string
	Location           *time.Location
	Logger             *zap.Logger
	CORSAllowedOrigins []string
	TrustedProxies     []netip.Prefix
	RequestTimeout     time.Duration
	LoginRateLimit     int
	CalfMaturityMonths int
}

type Server struct {
	db                 *pgxpool.Pool
	balance            BalanceService
	jwtSecret          []byte
	location           *time.Location
	logger             *zap.Logger
	allowedOrigins     map[string]struct{}
	allowAnyOrigin     bool
	trustedProxies     []netip.Prefix
	requestTimeout     time.Duration
	loginLimiter       *attemptLimiter
	calfMaturityMonths int
	clock              func() time.Time
	lookupUser         func(ctx context.Context, userID int64) (string, error)
	createOwner        func(ctx context.Context, name, email, passwordHash, phone string) (int64, error)
}

type authContextKey string

const userIDContextKey authContextKey = "user_id"
const userRoleContextKey authContextKey = "user_role"
const requestIDContextKey authContextKey = "request_id"

func NewServer(db *pgxpool.Pool, bal BalanceService, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := opts.LoginRateLimit
	if limit < 1 {
		limit = 10
	}
	months := opts.CalfMaturityMonths
	if months < 1 {
		months = 12
	}

	s := &Server{
		db:                 db,
		balance:            bal,
		jwtSecret:          []byte(opts.JWTSecret),
		location:           opts.Location,
		logger:             logger,
		allowedOrigins:     make(map[string]struct{}),
		trustedProxies:     opts.TrustedProxies,
		requestTimeout:     opts.RequestTimeout,
		loginLimiter:       newAttemptLimiter(limit, 15*time.Minute),
		calfMaturityMonths: months,
		clock:              time.Now,
	}
	for _, origin := range opts.CORSAllowedOrigins {
		if origin == "*" {
			s.allowAnyOrigin = true
			continue
		}
		s.allowedOrigins[origin] = struct{}{}
	}
	s.lookupUser = s.loadAuthContext
	s.createOwner = s.insertFirstOwner
	return s
}

func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.Handle("GET /api/auth/me", s.authRequired(http.HandlerFunc(s.handleMe)))

	mux.Handle("GET /api/dashboard", s.authRequired(http.HandlerFunc(s.handleDashboard)))
	mux.Handle("GET /api/analytics/production", s.authRequired(http.HandlerFunc(s.handleProductionAnalytics)))

	mux.Handle("GET /api/animals", s.authRequired(http.HandlerFunc(s.handleAnimals)))
	mux.Handle("POST /api/animals", s.authRequired(s.roleRequired(http.HandlerFunc(s.handleCreateAnimal), "owner", "manager")))
	mux.Handle("POST /api/animals/maturity", s.authRequired(s.roleRequired(http.HandlerFunc(s.handlePromoteMatureCalves), "owner", "manager")))
	mux.Handle("PUT /api/animals/{tagId}", s.authRequired(s.roleRequired(http.HandlerFunc(s.handleUpdateAnimal), "owner", "manager")))
	mux.Handle("DELETE /api/animals/{tagId}", s.authRequired(s.roleRequired(http.HandlerFunc(s.handleDeleteAnimal), "owner", "manager")))

	mux.Handle("GET /api/balance", s.authRequired(http.HandlerFunc(s.handleBalance)))
	mux.Handle("POST /api/production/day-end-summary", s.authRequired(s.roleRequired(http.HandlerFunc(s.handleDayEndSummary), "owner", "manager")))
	mux.Handle("GET /api/production/morning-total-with-balance", s.authRequired(http.HandlerFunc(s.handleMorningTotalWithBalance)))
	mux.Handle("GET /api/production/summaries", s.authRequired(http.HandlerFunc(s.handleProductionSummaries)))
	mux.Handle("GET /api/production/{session}", s.authRequired(http.HandlerFunc(s.handleProductionRecords)))
	mux.Handle("POST /api/production/{session}", s.authRequired(s.roleRequired(http.HandlerFunc(s.handleCreateProductionRecord), "owner", "manager", "worker")))
	mux.Handle("PUT /api/production/{session}/{id}", s.authRequired(s.roleRequired(http.HandlerFunc(s.handleUpdateProductionRecord), "owner", "manager")))

	mux.Handle("GET /api/sales/summary", s.authRequired(http.HandlerFunc(s.handleSalesSummary)))
	mux.Handle("GET /api/sales", s.authRequired(http.HandlerFunc(s.handleSales)))
	mux.Handle("POST /api/sales", s.authRequired(s.roleRequired(http.HandlerFunc(s.handleCreateSale), "owner", "manager", "worker")))
	mux.Handle("PUT /api/sales/{id}", s.authRequired(s.roleRequired(http.HandlerFunc(s.handleUpdateSale), "owner", "manager")))
	mux.Handle("DELETE /api/sales/{id}", s.authRequired(s.roleRequired(http.HandlerFunc(s.handleDeleteSale), "owner", "manager")))

	mux.Handle("GET /api/treatments/upcoming", s.authRequired(http.HandlerFunc(s.handleUpcomingTreatments)))
	mux.Handle("GET /api/treatments", s.authRequired(http.HandlerFunc(s.handleTreatments)))
	mux.Handle("POST /api/treatments", s.authRequired(s.roleRequired(http.HandlerFunc(s.handleCreateTreatment), "owner", "manager", "veterinarian")))
	mux.Handle("PUT /api/treatments/{id}", s.authRequired(s.roleRequired(http.HandlerFunc(s.handleUpdateTreatment), "owner", "manager", "veterinarian")))
	mux.Handle("DELETE /api/treatments/{id}", s.authRequired(s.roleRequired(http.HandlerFunc(s.handleDeleteTreatment), "owner", "manager", "veterinarian")))

	mux.Handle("GET /api/breeding", s.authRequired(http.HandlerFunc(s.handleBreedingRecords)))
	mux.Handle("POST /api/breeding", s.authRequired(s.roleRequired(http.HandlerFunc(s.handleCreateBreedingRecord), "owner", "manager", "veterinarian")))
	mux.Handle("PUT /api/breeding/{id}", s.authRequired(s.roleRequired(http.HandlerFunc(s.handleUpdateBreedingRecord), "owner", "manager", "veterinarian")))
	mux.Handle("DELETE /api/breeding/{id}", s.authRequired(s.roleRequired(http.HandlerFunc(s.handleDeleteBreedingRecord), "owner", "manager")))

	mux.Handle("GET /api/users", s.authRequired(s.roleRequired(http.HandlerFunc(s.handleUsers), "owner", "manager")))
	mux.Handle("POST /api/users", s.authRequired(s.roleRequired(http.HandlerFunc(s.handleCreateUser), "owner")))
	mux.Handle("PUT /api/users/{id}", s.authRequired(s.roleRequired(http.HandlerFunc(s.handleUpdateUser), "owner")))
	mux.Handle("DELETE /api/users/{id}", s.authRequired(s.roleRequired(http.HandlerFunc(s.handleDeleteUser), "owner")))

	return s.withRequestLog(s.withCORS(s.withTimeout(mux)))
}
