package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

func respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, code int, message string) {
	respondJSON(w, code, map[string]string{"error": message})
}

// internalError logs err against the request and answers 500 with message.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, message string, err error) {
	s.logger.Error(message,
		zap.String("request_id", requestID(r)),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err))
	respondError(w, http.StatusInternalServerError, message)
}

func parsePagination(r *http.Request) (page int, pageSize int) {
	page = 1
	pageSize = 20

	if v := strings.TrimSpace(r.URL.Query().Get("page")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		}
	}
	if v := strings.TrimSpace(r.URL.Query().Get("pageSize")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			pageSize = min(max(n, 1), 100)
		}
	}
	return page, pageSize
}

func parseSearch(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get("q"))
}

func parsePathID(r *http.Request, field string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(r.PathValue(field)), 10, 64)
}

func paged(items any, total int64, page, pageSize int) map[string]any {
	return map[string]any{
		"items":    items,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	}
}
