package api

import (
	"net/http"
	"time"

	"resource-pipeline/internal/costs"
	"resource-pipeline/internal/dependency"
	"resource-pipeline/internal/errs"
	"resource-pipeline/internal/models"
)

type validateRequest struct {
	ResourceID string `json:"resourceId" validate:"required,max=64"`
}

type validateBatchRequest struct {
	ResourceIDs []string `json:"resourceIds" validate:"required,dive,required,max=64"`
}

type aggregateRequest struct {
	TargetResourceID string `json:"targetResourceId" validate:"required,max=64"`
}

type cacheStatus struct {
	Cached bool `json:"cached"`
}

type validateResponse struct {
	Validation  models.ValidationResult `json:"validation"`
	CacheStatus cacheStatus             `json:"cacheStatus"`
}

type aggregateMetadata struct {
	TotalTokens   int                  `json:"totalTokens"`
	TierBreakdown models.TierBreakdown `json:"tierBreakdown"`
}

type aggregateResponse struct {
	Context     models.PromptContext `json:"context"`
	Metadata    aggregateMetadata    `json:"metadata"`
	CacheStatus cacheStatus          `json:"cacheStatus"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, cached, err := s.deps.Validator.Validate(r.Context(), identity(r).ID, req.ResourceID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, validateResponse{Validation: res, CacheStatus: cacheStatus{Cached: cached}})
}

func (s *Server) handleValidateBatch(w http.ResponseWriter, r *http.Request) {
	var req validateBatchRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	items, err := s.deps.Validator.ValidateBatch(r.Context(), identity(r).ID, req.ResourceIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]dependency.BatchItem{"results": items})
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	var req aggregateRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	pc, cached, err := s.deps.Contexts.Aggregate(r.Context(), identity(r).ID, req.TargetResourceID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, aggregateResponse{
		Context:     pc,
		Metadata:    aggregateMetadata{TotalTokens: pc.TotalTokens, TierBreakdown: pc.Breakdown},
		CacheStatus: cacheStatus{Cached: cached},
	})
}

type modelTotal struct {
	Model        string  `json:"model"`
	Calls        int64   `json:"calls"`
	Failures     int64   `json:"failures"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CostUSD      float64 `json:"costUSD"`
	LastError    *string `json:"lastError,omitempty"`
}

type costSummaryResponse struct {
	Process []costs.ModelSummary `json:"process"`
	Stored  []modelTotal         `json:"stored,omitempty"`
	Since   *time.Time           `json:"since,omitempty"`
}

// handleCostSummary reports this process's per-model totals and, when a history source is
// configured, persisted totals over the ?since= window (default 24h).
func (s *Server) handleCostSummary(w http.ResponseWriter, r *http.Request) {
	resp := costSummaryResponse{Process: []costs.ModelSummary{}}
	if s.deps.Costs != nil {
		resp.Process = s.deps.Costs.Snapshot()
	}
	if s.deps.History != nil {
		window := 24 * time.Hour
		if v := r.URL.Query().Get("since"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				s.writeError(w, r, errs.Wrap(errs.ErrInvalidPayload, "since must be a positive duration such as 24h"))
				return
			}
			window = d
		}
		since := s.now().Add(-window).UTC()
		totals, err := s.deps.History.CompletionTotals(r.Context(), since)
		if err != nil {
			s.writeError(w, r, errs.Transient(err, "read completion totals"))
			return
		}
		resp.Since = &since
		resp.Stored = make([]modelTotal, 0, len(totals))
		for _, t := range totals {
			resp.Stored = append(resp.Stored, modelTotal(t))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
