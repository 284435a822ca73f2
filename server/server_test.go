package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hannes/policylens/analysis"
	"github.com/hannes/policylens/models"
	"github.com/hannes/policylens/pipeline"
	"github.com/hannes/policylens/scraper"
	"github.com/hannes/policylens/segment"
	"github.com/hannes/policylens/store"
)

const (
	collectSentence = "We collect your email address for marketing."
	denySentence    = "We do not collect your location."
	shareSentence   = "We share device identifiers with advertisers."
)

const policyHTML = `<html><body>
<p>Last updated: 2024-01-01</p>
<p>` + collectSentence + ` ` + denySentence + `</p>
<p>` + shareSentence + `</p>
</body></html>`

// keywordModels labels paragraphs by keyword and answers spans and values
// from fixed tables.
type keywordModels struct{}

var spans = map[string]map[string]string{
	collectSentence: {
		models.AttrDoesDoesNot: "collect",
		models.AttrPIT:         "email address",
		models.AttrPurpose:     "marketing",
	},
	denySentence: {
		models.AttrDoesDoesNot: "do not collect",
		models.AttrPIT:         "location",
	},
	shareSentence: {
		models.AttrDoesDoesNot: "share",
		models.AttrPIT:         "device identifiers",
		models.AttrTPE:         "advertisers",
	},
}

var values = map[string]string{
	"collect":            "Does",
	"do not collect":     "Does Not",
	"share":              "Does",
	"email address":      "Contact",
	"location":           "Location",
	"device identifiers": "Identifier",
	"marketing":          "Marketing",
	"advertisers":        "Advertiser",
}

func (keywordModels) Classify(_ context.Context, paragraph string) ([]string, error) {
	switch {
	case strings.Contains(paragraph, "share"):
		return []string{models.CategoryThirdParty}, nil
	case strings.Contains(paragraph, "collect"):
		return []string{models.CategoryFirstParty}, nil
	}
	return []string{models.CategoryOther}, nil
}

func (keywordModels) Extract(_ context.Context, sentence string, attributes []string) (map[string][]string, error) {
	out := make(map[string][]string, len(attributes))
	for _, attr := range attributes {
		out[attr] = []string{}
		if span, ok := spans[sentence][attr]; ok {
			out[attr] = []string{span}
		}
	}
	return out, nil
}

func (keywordModels) Predict(_ context.Context, _, text string) (string, error) {
	if v, ok := values[text]; ok {
		return v, nil
	}
	return "unknown", nil
}

type fakeModelStatus struct {
	healthy atomic.Bool
}

func (f *fakeModelStatus) IsHealthy() bool { return f.healthy.Load() }

func (f *fakeModelStatus) Info() models.Info {
	info := models.Info{Backend: "onnx", Directory: "models", Healthy: f.healthy.Load()}
	if !info.Healthy {
		msg := "model directory not found"
		info.Error = &msg
	}
	return info
}

type testEnv struct {
	server  *Server
	site    *httptest.Server
	status  *fakeModelStatus
	fetches atomic.Int32
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	env := &testEnv{status: &fakeModelStatus{}}
	env.status.healthy.Store(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/privacy", func(w http.ResponseWriter, r *http.Request) {
		env.fetches.Add(1)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(policyHTML))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	env.site = httptest.NewServer(mux)
	t.Cleanup(env.site.Close)

	logger := zap.NewNop()
	fetcher := scraper.NewFetcher(scraper.Config{}, logger)
	pipe := pipeline.New(keywordModels{}, segment.Rules{}, pipeline.Options{Workers: 2}, logger)
	manager := analysis.NewManager(fetcher, pipe, store.NewMemory(), analysis.Options{}, logger)
	queue := analysis.NewQueue(manager, analysis.QueueConfig{Workers: 1, MaxQueueSize: 4}, logger)
	queue.Start(context.Background())
	t.Cleanup(queue.Stop)

	env.server = New(Deps{
		Fetcher:  fetcher,
		Pipeline: pipe,
		Analysis: manager,
		Jobs:     queue,
		Models:   env.status,
	}, opts, logger)
	return env
}

func (e *testEnv) policyURL() string { return e.site.URL + "/privacy" }

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	decodeBody(t, rec, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["models_ready"])
}

func TestModelStatus(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.status.healthy.Store(false)

	rec := env.do(t, http.MethodGet, "/api/model/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var info models.Info
	decodeBody(t, rec, &info)
	assert.False(t, info.Healthy)
	require.NotNil(t, info.Error)
}

func TestClassifyParagraph(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodPost, "/api/classify-paragraph", map[string]string{"paragraph": shareSentence})
	require.Equal(t, http.StatusOK, rec.Code)
	var got pipeline.ParagraphLabels
	decodeBody(t, rec, &got)
	assert.Equal(t, shareSentence, got.Text)
	assert.Equal(t, []string{models.CategoryThirdParty}, got.Labels)

	rec = env.do(t, http.MethodPost, "/api/classify-paragraph", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Missing 'paragraph'"}`, rec.Body.String())
}

func TestClassifyURL(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodPost, "/api/classify-url", map[string]string{"url": env.policyURL()})
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Paragraphs  []pipeline.ParagraphLabels `json:"paragraphs"`
		LabelCounts map[string]int             `json:"label_counts"`
	}
	decodeBody(t, rec, &got)
	require.Len(t, got.Paragraphs, 2)
	assert.Equal(t, collectSentence+" "+denySentence, got.Paragraphs[0].Text)
	assert.Equal(t, map[string]int{models.CategoryFirstParty: 1, models.CategoryThirdParty: 1}, got.LabelCounts)

	rec = env.do(t, http.MethodPost, "/api/classify-url", map[string]string{"url": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Missing or invalid 'url'"}`, rec.Body.String())
}

func TestErrors(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodPost, "/api/extract-attributes", map[string]string{"url": "ftp://example.com/policy"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/extract-attributes", map[string]string{"url": env.site.URL + "/missing"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body errorResponse
	decodeBody(t, rec, &body)
	assert.Equal(t, "Failed to process URL", body.Error)
	assert.Contains(t, body.Message, "404")

	req := httptest.NewRequest(http.MethodPost, "/api/extract-attributes", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	env.server.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestExtractAttributes(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodPost, "/api/extract-attributes", map[string]string{"url": env.policyURL()})
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Sentences []pipeline.SentenceResult `json:"sentences"`
	}
	decodeBody(t, rec, &got)
	require.Len(t, got.Sentences, 3)
	assert.Equal(t, denySentence, got.Sentences[1].Sentence)
	assert.Equal(t, "Does Not", got.Sentences[1].PredictedValues[models.AttrDoesDoesNot])
	assert.Contains(t, got.Sentences[0].HighlightedHTML, `<mark class="highlight-pit">email address</mark>`)
}

func TestExtractAttributesCached(t *testing.T) {
	env := newTestEnv(t, Options{})
	body := map[string]string{"url": env.policyURL()}

	rec := env.do(t, http.MethodPost, "/api/extract-attributes-cached", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var got pipeline.Extraction
	decodeBody(t, rec, &got)
	first := got.Categories[models.CategoryFirstParty]
	require.NotNil(t, first)
	require.Len(t, first.Sentences, 1)
	assert.Equal(t, collectSentence, first.Sentences[0].Sentence)

	rec = env.do(t, http.MethodPost, "/api/extract-attributes-cached", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(1), env.fetches.Load())
}

func TestSummaryPersonalInfo(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodPost, "/api/summary-personal-info", map[string]string{"url": env.policyURL()})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"personal_info_types": ["email address", "location"],
		"predicted_categories": ["Contact", "Location"]
	}`, rec.Body.String())
}

func TestCollectedPIT(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodPost, "/api/collected-pit", map[string]any{"url": env.policyURL()})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"url": "`+env.policyURL()+`",
		"first_party_collected_personal_information": ["Contact"],
		"third_party_collected_personal_information": ["Identifier"]
	}`, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/collected-pit", map[string]any{
		"url":     env.policyURL(),
		"include": []string{"THIRD"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"url": "`+env.policyURL()+`",
		"third_party_collected_personal_information": ["Identifier"]
	}`, rec.Body.String())
}

func TestCollectedPIT_InvalidInclude(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodPost, "/api/collected-pit", map[string]any{
		"url":     env.policyURL(),
		"include": []string{"first", "Fourth", "all"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{
		"error": "Invalid values in 'include' parameter.",
		"allowed_values": ["first", "third"],
		"invalid_values": ["fourth", "all"]
	}`, rec.Body.String())
	assert.Equal(t, int32(0), env.fetches.Load())

	rec = env.do(t, http.MethodPost, "/api/collected-pit", map[string]any{"include": []string{"first"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCollectedSharedAndQuestions(t *testing.T) {
	env := newTestEnv(t, Options{})
	body := map[string]any{"url": env.policyURL()}

	rec := env.do(t, http.MethodPost, "/api/collected-shared", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var res analysis.Result
	decodeBody(t, rec, &res)
	assert.False(t, res.Cached)
	require.NotNil(t, res.LastUpdated)
	assert.Equal(t, "2024-01-01", *res.LastUpdated)
	require.Len(t, res.FirstPartyCollected, 1)
	assert.Equal(t, "Contact", res.FirstPartyCollected[0].Attribute)
	require.Len(t, res.ThirdPartyShared, 1)
	assert.Equal(t, "Advertiser", res.ThirdPartyShared[0].Details[0].ThirdPartyEntity.Value)

	rec = env.do(t, http.MethodPost, "/api/collected-shared", body)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &res)
	assert.True(t, res.Cached)

	rec = env.do(t, http.MethodPost, "/api/user-question", map[string]string{
		"url":           env.policyURL(),
		"question_type": analysis.QuestionConflictStatement,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var conflict analysis.ConflictAnswer
	decodeBody(t, rec, &conflict)
	assert.Equal(t, "No", conflict.Answer)

	rec = env.do(t, http.MethodPost, "/api/user-question", map[string]string{
		"url":           env.policyURL(),
		"question_type": analysis.QuestionThirdPartySharing,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var sharing analysis.SharingAnswer
	decodeBody(t, rec, &sharing)
	assert.Equal(t, []analysis.SharedInfo{{
		PersonalInfo: "Identifier",
		ThirdParty:   "Advertiser",
		Sentence:     shareSentence,
	}}, sharing.SharedInfo)

	rec = env.do(t, http.MethodPost, "/api/user-question", map[string]string{
		"url":           env.policyURL(),
		"question_type": "retention_period",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Unsupported question_type"}`, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/user-question", map[string]string{"url": env.policyURL()})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Missing 'url' or 'question_type'"}`, rec.Body.String())
}

func TestModelsNotReady(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.status.healthy.Store(false)

	rec := env.do(t, http.MethodPost, "/api/classify-paragraph", map[string]string{"paragraph": shareSentence})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body errorResponse
	decodeBody(t, rec, &body)
	assert.Equal(t, "Models are not ready", body.Error)
	assert.Equal(t, "model directory not found", body.Message)

	// stored answers do not need the models
	rec = env.do(t, http.MethodPost, "/api/user-question", map[string]string{
		"url":           env.policyURL(),
		"question_type": analysis.QuestionConflictStatement,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAnalyzeJob(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodPost, "/api/analyze", map[string]string{"url": env.policyURL()})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted struct {
		JobID   string `json:"job_id"`
		Status  string `json:"status"`
		PollURL string `json:"poll_url"`
	}
	decodeBody(t, rec, &accepted)
	assert.Equal(t, "queued", accepted.Status)
	assert.Equal(t, "/api/jobs/"+accepted.JobID, accepted.PollURL)

	var snap analysis.JobSnapshot
	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, accepted.PollURL, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		snap = analysis.JobSnapshot{}
		if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
			return false
		}
		return snap.Status.Done()
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, analysis.StatusCompleted, snap.Status)
	require.NotNil(t, snap.Result)
	assert.Len(t, snap.Result.FirstPartyCollected, 1)

	rec = env.do(t, http.MethodGet, "/api/jobs/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/analyze", map[string]string{"url": "not a url"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPolicies(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodPost, "/api/collected-shared", map[string]string{"url": env.policyURL()})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/policies?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Policies []store.PolicyEntry `json:"policies"`
	}
	decodeBody(t, rec, &list)
	require.Len(t, list.Policies, 1)
	assert.Equal(t, "2024-01-01", *list.Policies[0].LastUpdated)

	rec = env.do(t, http.MethodGet, "/api/policies?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/policies?url="+env.policyURL(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodDelete, "/api/policies?url="+env.policyURL(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodDelete, "/api/policies", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, Options{})

	req := httptest.NewRequest(http.MethodOptions, "/api/classify-paragraph", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	rec = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, Options{RequestsPerSecond: 0.001, Burst: 1})

	rec := env.do(t, http.MethodGet, "/api/model/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/model/status", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// health checks are never limited
	rec = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiter_ConcurrentFirstRequests(t *testing.T) {
	l := newRateLimiter(0.001, 1)

	var wg sync.WaitGroup
	var allowed atomic.Int32
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.allow("192.0.2.1") {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), allowed.Load())
	assert.Equal(t, 1, l.limiters.Len())
}
