package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hannes/policylens/analysis"
	"github.com/hannes/policylens/models"
	"github.com/hannes/policylens/pipeline"
	"github.com/hannes/policylens/scraper"
	"github.com/hannes/policylens/store"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type urlRequest struct {
	URL   string `json:"url"`
	Force bool   `json:"force"`
}

type paragraphRequest struct {
	Paragraph string `json:"paragraph"`
}

type questionRequest struct {
	URL          string `json:"url"`
	QuestionType string `json:"question_type"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into v. Errors have already been written.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid JSON body", Message: err.Error()})
		return false
	}
	return true
}

// decodeURL reads a {"url": ...} body and rejects a missing URL.
func decodeURL(w http.ResponseWriter, r *http.Request) (urlRequest, bool) {
	var req urlRequest
	if !decode(w, r, &req) {
		return req, false
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Missing 'url'"})
		return req, false
	}
	return req, true
}

// fail maps a processing error to a response. Unexpected errors are logged
// and reported to Sentry.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, scraper.ErrInvalidURL):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Missing or invalid 'url'", Message: err.Error()})
		return
	case errors.Is(err, models.ErrUnhealthy):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "Models are not ready", Message: err.Error()})
		return
	}

	s.logger.Error("request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err))
	if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
		hub.CaptureException(err)
	}
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to process URL", Message: err.Error()})
}

// paragraphs fetches url and returns its paragraphs.
func (s *Server) paragraphs(r *http.Request, url string) ([]string, error) {
	page, err := s.fetcher.Fetch(r.Context(), url)
	if err != nil {
		return nil, err
	}
	return page.Paragraphs, nil
}

// healthCheck provides a simple health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := s.models == nil || s.models.IsHealthy()
	resp := map[string]any{
		"status":       "healthy",
		"service":      "policylens",
		"models_ready": healthy,
	}
	if s.jobs != nil {
		resp["queued_jobs"] = s.jobs.Depth()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleModelStatus(w http.ResponseWriter, r *http.Request) {
	if s.models == nil {
		writeJSON(w, http.StatusOK, models.Info{Healthy: true})
		return
	}
	writeJSON(w, http.StatusOK, s.models.Info())
}

func (s *Server) handleClassifyURL(w http.ResponseWriter, r *http.Request) {
	var req urlRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Missing or invalid 'url'"})
		return
	}

	paragraphs, err := s.paragraphs(r, req.URL)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	labelled, err := s.pipeline.ClassifyParagraphs(r.Context(), paragraphs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"paragraphs":   labelled,
		"label_counts": pipeline.LabelCounts(labelled),
	})
}

func (s *Server) handleClassifyParagraph(w http.ResponseWriter, r *http.Request) {
	var req paragraphRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Paragraph) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Missing 'paragraph'"})
		return
	}

	labels, err := s.pipeline.ClassifyParagraph(r.Context(), req.Paragraph)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pipeline.ParagraphLabels{Text: req.Paragraph, Labels: labels})
}

func (s *Server) handleExtractAttributes(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeURL(w, r)
	if !ok {
		return
	}
	paragraphs, err := s.paragraphs(r, req.URL)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sentences, err := s.pipeline.Sentences(r.Context(), paragraphs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if sentences == nil {
		sentences = []pipeline.SentenceResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sentences": sentences})
}

// handleExtractAttributesCached returns affirmative sentences per category,
// kept in memory for ExtractTTL.
func (s *Server) handleExtractAttributesCached(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeURL(w, r)
	if !ok {
		return
	}
	key, err := analysis.CacheKey(req.URL)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !req.Force {
		if cached, ok := s.extracts.Get(key); ok {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	paragraphs, err := s.paragraphs(r, req.URL)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	extraction, err := s.pipeline.ExtractAttributes(r.Context(), req.URL, paragraphs, true)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.extracts.Add(key, extraction)
	writeJSON(w, http.StatusOK, extraction)
}

func (s *Server) handleSummaryPersonalInfo(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeURL(w, r)
	if !ok {
		return
	}
	paragraphs, err := s.paragraphs(r, req.URL)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	summary, err := s.pipeline.PersonalInfoSummary(r.Context(), paragraphs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type collectedRequest struct {
	URL     string    `json:"url"`
	Include *[]string `json:"include"`
}

// handleCollectedPIT lists the predicted information types collected by
// the parties named in include, first and third by default.
func (s *Server) handleCollectedPIT(w http.ResponseWriter, r *http.Request) {
	var req collectedRequest
	if !decode(w, r, &req) {
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Missing 'url'"})
		return
	}

	include := []string{"first", "third"}
	if req.Include != nil {
		include = *req.Include
	}
	var parties pipeline.Parties
	invalid := []string{}
	for _, v := range include {
		switch strings.ToLower(v) {
		case "first":
			parties.First = true
		case "third":
			parties.Third = true
		default:
			invalid = append(invalid, strings.ToLower(v))
		}
	}
	if len(invalid) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":          "Invalid values in 'include' parameter.",
			"allowed_values": []string{"first", "third"},
			"invalid_values": invalid,
		})
		return
	}

	paragraphs, err := s.paragraphs(r, req.URL)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	info, err := s.pipeline.CollectedPersonalInfo(r.Context(), req.URL, paragraphs, parties)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := map[string]any{"url": info.URL}
	if parties.First {
		resp["first_party_collected_personal_information"] = info.FirstParty
	}
	if parties.Third {
		resp["third_party_collected_personal_information"] = info.ThirdParty
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCollectedShared returns the first/third party summary, served from
// the policy cache while the policy's last-updated marker is unchanged.
func (s *Server) handleCollectedShared(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeURL(w, r)
	if !ok {
		return
	}
	res, err := s.analysis.Analyze(r.Context(), analysis.Request{URL: req.URL, Force: req.Force})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUserQuestion(w http.ResponseWriter, r *http.Request) {
	var req questionRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.URL) == "" || req.QuestionType == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Missing 'url' or 'question_type'"})
		return
	}

	answer, err := s.analysis.Answer(r.Context(), req.URL, req.QuestionType)
	if err != nil {
		if errors.Is(err, analysis.ErrUnsupportedQuestion) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Unsupported question_type"})
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// handleAnalyze queues an analysis and returns immediately.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeURL(w, r)
	if !ok {
		return
	}
	if _, err := scraper.ValidateURL(req.URL); err != nil {
		s.fail(w, r, err)
		return
	}

	job := analysis.NewJob(req.URL, req.Force)
	if err := s.jobs.Submit(job); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":   job.ID,
		"status":   analysis.StatusQueued,
		"poll_url": fmt.Sprintf("/api/jobs/%s", job.ID),
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job := s.jobs.Get(chi.URLParam(r, "jobID"))
	if job == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, job.Snapshot())
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	entries, err := s.analysis.Policies(r.Context(), limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": entries})
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	url := strings.TrimSpace(r.URL.Query().Get("url"))
	if url == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Missing 'url'"})
		return
	}

	err := s.analysis.Forget(r.Context(), url)
	if key, keyErr := analysis.CacheKey(url); keyErr == nil {
		s.extracts.Remove(key)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "policy not found"})
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": url})
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid '%s': must be a non-negative integer", name)
	}
	return n, nil
}
