package records

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rcourtman/pulse-entitlements/internal/billing/access"
	"github.com/rcourtman/pulse-entitlements/internal/billing/identity"
	"github.com/rs/zerolog/log"
)

const maxCreateBody = 16 << 10

// Handlers exposes the record operations over HTTP. Identity must already be
// established on the request context.
type Handlers struct {
	svc *Service
}

// NewHandlers creates Handlers for svc.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// HandleRecords serves GET (list) and POST (create) on /api/records.
func (h *Handlers) HandleRecords(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		recs, err := h.svc.List(r.Context())
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"records": nonNil(recs)})
	case http.MethodPost:
		var body struct {
			Name string `json:"name"`
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxCreateBody)
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		rec, err := h.svc.Create(r.Context(), body.Name)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, rec)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleExport serves GET /api/records/export as JSON, or CSV with ?format=csv.
func (h *Handlers) HandleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	recs, err := h.svc.Export(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if strings.EqualFold(r.URL.Query().Get("format"), "csv") {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="records.csv"`)
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"id", "name", "created_at"})
		for _, rec := range recs {
			_ = cw.Write([]string{rec.ID, rec.Name, rec.CreatedAt.Format(time.RFC3339)})
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			log.Warn().Err(err).Msg("Failed to write records CSV export")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": nonNil(recs)})
}

// HandleAnalytics serves GET /api/analytics.
func (h *Handlers) HandleAnalytics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats, err := h.svc.Analytics(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, identity.ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	case errors.Is(err, access.ErrElevatedAccessRequired):
		writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": "upgrade_required"})
	case errors.Is(err, ErrFreeLimitReached):
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error": "free_limit_reached",
			"limit": h.svc.FreeLimit(),
		})
	case errors.Is(err, ErrInvalidName):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Records request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func nonNil(recs []*Record) []*Record {
	if recs == nil {
		return []*Record{}
	}
	return recs
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
