package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/plasma-predict/orchestrator/internal/models"
	"github.com/plasma-predict/orchestrator/internal/nodeclient"
	"github.com/plasma-predict/orchestrator/internal/predict"
	"github.com/plasma-predict/orchestrator/internal/registry"
	"github.com/plasma-predict/orchestrator/internal/training"
)

func fakeNode(t *testing.T, prediction any, confidence float64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"prediction": prediction,
			"confidence": confidence,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newPredictHandler(t *testing.T, nodes ...models.NodeDescriptor) PredictHandler {
	t.Helper()
	reg := registry.New(nodes, registry.Timeouts{Model: 2 * time.Second, Training: 2 * time.Second})
	return NewPredictHandler(predict.NewOrchestrator(reg, nodeclient.New(reg)))
}

func predictBody() string {
	return `{"discharges":[{"id":"d1","times":[0,1],"length":2,"signals":[{"fileName":"s.txt","values":[1,2]}]}]}`
}

func doJSON(e *echo.Echo, method, path, body string, handler echo.HandlerFunc) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := handler(c); err != nil {
		ErrorHandler(err, c)
	}
	return rec
}

func TestHandlePredictMajority(t *testing.T) {
	e := echo.New()
	h := newPredictHandler(t,
		models.NodeDescriptor{Key: "a", PredictURL: fakeNode(t, 1, 0.6).URL, Enabled: true},
		models.NodeDescriptor{Key: "b", PredictURL: fakeNode(t, 1, 0.8).URL, Enabled: true},
		models.NodeDescriptor{Key: "c", PredictURL: fakeNode(t, 0, 0.7).URL, Enabled: true},
	)

	rec := doJSON(e, http.MethodPost, "/api/predict", predictBody(), h.HandlePredict)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Class      *int    `json:"class"`
		Confidence float64 `json:"confidence"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Class)
	assert.Equal(t, 1, *resp.Class)
	assert.InDelta(t, 0.7, resp.Confidence, 1e-9)
	assert.Contains(t, rec.Body.String(), `"votes":{"0":1,"1":2}`)
}

func TestHandlePredictTie(t *testing.T) {
	e := echo.New()
	h := newPredictHandler(t,
		models.NodeDescriptor{Key: "a", PredictURL: fakeNode(t, 1, 0.8).URL, Enabled: true},
		models.NodeDescriptor{Key: "b", PredictURL: fakeNode(t, 0, 0.9).URL, Enabled: true},
	)

	rec := doJSON(e, http.MethodPost, "/api/predict", predictBody(), h.HandlePredict)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var resp struct {
		Class   *int `json:"class"`
		Details struct {
			Vote models.VoteOutcome `json:"vote"`
		} `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.Class)
	assert.Equal(t, map[int]int{0: 1, 1: 1}, resp.Details.Vote.Votes)
}

func TestHandlePredictBadBody(t *testing.T) {
	e := echo.New()
	h := newPredictHandler(t,
		models.NodeDescriptor{Key: "a", PredictURL: "http://unused", Enabled: true},
	)

	rec := doJSON(e, http.MethodPost, "/api/predict", `{"discharges":[]}`, h.HandlePredict)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "BAD_REQUEST")
}

func TestHandlePredictNoModels(t *testing.T) {
	e := echo.New()
	h := newPredictHandler(t,
		models.NodeDescriptor{Key: "a", PredictURL: "http://unused", Enabled: false},
	)

	rec := doJSON(e, http.MethodPost, "/api/predict", predictBody(), h.HandlePredict)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "NO_MODELS_ENABLED")
}

func TestHandlePredictMsgpack(t *testing.T) {
	e := echo.New()
	h := newPredictHandler(t,
		models.NodeDescriptor{Key: "a", PredictURL: fakeNode(t, 1, 0.9).URL, Enabled: true},
	)

	req := httptest.NewRequest(http.MethodPost, "/api/predict", strings.NewReader(predictBody()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAccept, "application/x-msgpack")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	require.NoError(t, h.HandlePredict(c))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-msgpack", rec.Header().Get(echo.HeaderContentType))

	var resp predictResponse
	require.NoError(t, msgpack.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Class)
	assert.Equal(t, 1, *resp.Class)
}

func TestHandlePredictRawMultipart(t *testing.T) {
	e := echo.New()
	h := newPredictHandler(t,
		models.NodeDescriptor{Key: "a", PredictURL: fakeNode(t, "normal", 0.9).URL, Enabled: true},
	)

	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)
	writer.WriteField("dischargeId", "shot-77")
	part, _ := writer.CreateFormFile("file", "current.txt")
	part.Write([]byte("0 1\n1 2\n"))
	part, _ = writer.CreateFormFile("file", "density.txt")
	part.Write([]byte("0 5\n1 6\n"))
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/predict/raw", body)
	req.Header.Set(echo.HeaderContentType, writer.FormDataContentType())
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.HandlePredictRaw(c); err != nil {
		ErrorHandler(err, c)
	}

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"class":0`)
}

func TestHandlePredictRawParseError(t *testing.T) {
	e := echo.New()
	h := newPredictHandler(t,
		models.NodeDescriptor{Key: "a", PredictURL: "http://unused", Enabled: true},
	)

	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)
	part, _ := writer.CreateFormFile("file", "bad.txt")
	part.Write([]byte("0 not-a-number\n"))
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/predict/raw", body)
	req.Header.Set(echo.HeaderContentType, writer.FormDataContentType())
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.HandlePredictRaw(c); err != nil {
		ErrorHandler(err, c)
	}

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "PARSE_ERROR")
	assert.Contains(t, rec.Body.String(), "bad.txt")
}

func TestTrainingCompletedRoundTrip(t *testing.T) {
	e := echo.New()
	store := training.NewSummaryStore()
	reg := registry.New(nil, registry.Timeouts{Model: time.Second, Training: time.Second})
	h := NewTrainingHandler(training.NewManager(reg, nodeclient.New(reg), store), store)

	rec := doJSON(e, http.MethodPost, "/api/trainingCompleted",
		`{"status":"completed","accuracy":0.91}`, h.HandleTrainingCompleted)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(e, http.MethodPost, "/api/trainingCompleted",
		`{"accuracy":0.91}`, h.HandleTrainingCompleted)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(e, http.MethodGet, "/api/trainingCompleted", "", h.HandleListTrainingSummaries)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"completed"`)
}

func TestTrainingBatchWithoutSession(t *testing.T) {
	e := echo.New()
	store := training.NewSummaryStore()
	reg := registry.New(nil, registry.Timeouts{Model: time.Second, Training: time.Second})
	h := NewTrainingHandler(training.NewManager(reg, nodeclient.New(reg), store), store)

	rec := doJSON(e, http.MethodPost, "/api/train/batch",
		`{"discharges":[{"id":"d1"}]}`, h.HandleTrainingBatch)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "no active training session")
}

func TestConfigModelCRUD(t *testing.T) {
	e := echo.New()
	reg := registry.New(nil, registry.Timeouts{Model: 30 * time.Second, Training: time.Hour})
	h := NewConfigHandler(reg)

	rec := doJSON(e, http.MethodPost, "/api/config/models",
		`{"key":"svm","displayName":"SVM","predictUrl":"http://svm/predict","enabled":true}`,
		h.HandleUpsertModel)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"key":"svm"`)

	rec = doJSON(e, http.MethodPost, "/api/config/models", `{"displayName":"no key"}`, h.HandleUpsertModel)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Toggle off
	req := httptest.NewRequest(http.MethodPut, "/api/config/models/svm/enabled", strings.NewReader(`{"enabled":false}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("key")
	c.SetParamValues("svm")
	require.NoError(t, h.HandleSetModelEnabled(c))
	assert.Contains(t, rec.Body.String(), `"enabled":false`)

	// Delete
	req = httptest.NewRequest(http.MethodDelete, "/api/config/models/svm", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("key")
	c.SetParamValues("svm")
	require.NoError(t, h.HandleDeleteModel(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, reg.List())
}

func TestConfigTimeouts(t *testing.T) {
	e := echo.New()
	reg := registry.New(nil, registry.Timeouts{Model: 30 * time.Second, Training: time.Hour})
	h := NewConfigHandler(reg)

	rec := doJSON(e, http.MethodGet, "/api/config/timeouts", "", h.HandleGetTimeouts)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), fmt.Sprintf(`"modelMs":%d`, 30_000))

	rec = doJSON(e, http.MethodPut, "/api/config/timeouts", `{"modelMs":5000}`, h.HandleUpdateTimeouts)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5*time.Second, reg.Timeouts().Model)
	assert.Equal(t, time.Hour, reg.Timeouts().Training)
}

func TestHandleTrainCombinedAutoFinish(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		fmt.Fprint(w, `{"expectedDischarges":2}`)
	}))
	defer srv.Close()

	e := echo.New()
	reg := registry.New([]models.NodeDescriptor{
		{Key: "a", TrainURL: srv.URL + "/train", Enabled: true},
	}, registry.Timeouts{Model: time.Second, Training: time.Second})
	store := training.NewSummaryStore()
	mgr := training.NewManager(reg, nodeclient.New(reg), store)
	h := NewTrainingHandler(mgr, store)

	body := `{"discharges":[` +
		`{"id":"d1","times":[0,1],"length":2,"signals":[{"fileName":"s.txt","values":[1,2]}]},` +
		`{"id":"d2","times":[0,1],"length":2,"signals":[{"fileName":"s.txt","values":[3,4]}]}]}`

	rec := doJSON(e, http.MethodPost, "/api/train", body, h.HandleTrain)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"successful":1`)
	assert.Contains(t, rec.Body.String(), `"accepted":2`)

	// The batch size became the session total, so the session auto-finishes.
	require.Eventually(t, func() bool {
		return mgr.Status().State == training.StateIdle
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/train", "/train/1", "/train/2"}, paths)
}
