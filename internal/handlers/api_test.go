package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echofind/echofind/internal/matching"
	"github.com/echofind/echofind/internal/models"
	"github.com/echofind/echofind/internal/storage"
)

const testJWTSecret = "test-secret"

type recordingDispatcher struct {
	mu    sync.Mutex
	items []string
}

func (d *recordingDispatcher) Dispatch(item *models.Item) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = append(d.items, item.ID)
	return nil
}

func (d *recordingDispatcher) dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.items...)
}

// stalledDispatcher blocks Dispatch until release is closed
type stalledDispatcher struct {
	entered chan struct{}
	release chan struct{}
}

func (d *stalledDispatcher) Dispatch(item *models.Item) error {
	close(d.entered)
	<-d.release
	return nil
}

type fakeImages struct {
	mu      sync.Mutex
	uploads int
	deleted []string
}

func (f *fakeImages) UploadImage(ctx context.Context, data []byte, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	return "http://minio.test/echofind-images/items/photo.jpg", nil
}

func (f *fakeImages) DeleteImage(ctx context.Context, imageURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, imageURL)
	return nil
}

type fakeVision struct{}

func (fakeVision) AnalyzeImageBase64(ctx context.Context, imageBase64 string) (*models.VisionAnalysisResponse, error) {
	return &models.VisionAnalysisResponse{Title: "Black wallet", Description: "Leather", Category: "Wallets", Confidence: "high"}, nil
}

type fakeEvents struct {
	mu       sync.Mutex
	resolved []string
}

func (f *fakeEvents) PublishItemResolved(ctx context.Context, item *models.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, item.ID)
	return nil
}

type checkerFunc func(ctx context.Context) error

func (f checkerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

type testEnv struct {
	server     *httptest.Server
	store      *storage.SQLStorage
	dispatcher *recordingDispatcher
	images     *fakeImages
	events     *fakeEvents
}

func setupTestServer(t *testing.T, configure func(*Options)) *testEnv {
	t.Helper()

	env := &testEnv{
		store:      storage.NewTestStorage(t),
		dispatcher: &recordingDispatcher{},
		images:     &fakeImages{},
		events:     &fakeEvents{},
	}
	opts := Options{
		Store:      env.store,
		Finder:     matching.NewFinder(env.store, nil, time.Second),
		Dispatcher: env.dispatcher,
		Images:     env.images,
		Vision:     fakeVision{},
		Events:     env.events,
		JWTSecret:  testJWTSecret,
	}
	if configure != nil {
		configure(&opts)
	}

	env.server = httptest.NewServer(NewRouter(NewHandler(opts)))
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) register(t *testing.T, name, email string) models.AuthResponse {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"name": name, "email": email, "password": "correct-horse",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[models.AuthResponse](t, resp)
}

func (e *testEnv) createItem(t *testing.T, token string, req models.CreateItemRequest) *models.Item {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/items", token, req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	item := decode[models.Item](t, resp)
	return &item
}

func lostPhone() models.CreateItemRequest {
	return models.CreateItemRequest{
		Status:      models.StatusLost,
		Category:    models.CategoryElectronics,
		Title:       "Black iPhone",
		Description: "Lost near Main Street park, has a cracked case",
		Location:    "Main Street",
		Date:        "2024-05-01",
	}
}

func TestRegisterAndLogin(t *testing.T) {
	env := setupTestServer(t, nil)

	auth := env.register(t, "Ana", "Ana@Example.com")
	assert.NotEmpty(t, auth.Token)
	assert.Equal(t, "ana@example.com", auth.User.Email)

	resp := env.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"name": "Other", "email": "ana@example.com", "password": "correct-horse",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"name": "Short", "email": "short@example.com", "password": "short",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "ana@example.com", "password": "correct-horse",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	login := decode[map[string]any](t, resp)
	assert.NotEmpty(t, login["token"])
	assert.NotContains(t, login["user"], "passwordHash")

	resp = env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "ana@example.com", "password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "nobody@example.com", "password": "correct-horse",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateItemRequiresAuth(t *testing.T) {
	env := setupTestServer(t, nil)

	resp := env.do(t, http.MethodPost, "/api/items", "", lostPhone())
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/items", "garbage", lostPhone())
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateItemDispatchesMatching(t *testing.T) {
	env := setupTestServer(t, nil)
	auth := env.register(t, "Ana", "ana@example.com")

	item := env.createItem(t, auth.Token, lostPhone())

	assert.Equal(t, models.StatusLost, item.Status)
	assert.Equal(t, auth.User.ID, item.OwnerID)
	assert.Equal(t, "ana@example.com", item.OwnerEmail)
	assert.False(t, item.IsMatched)

	require.Eventually(t, func() bool {
		return len(env.dispatcher.dispatched()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{item.ID}, env.dispatcher.dispatched())
}

func TestCreateItemRespondsBeforeDispatchReturns(t *testing.T) {
	stalled := &stalledDispatcher{entered: make(chan struct{}), release: make(chan struct{})}
	env := setupTestServer(t, func(o *Options) { o.Dispatcher = stalled })
	var once sync.Once
	release := func() { once.Do(func() { close(stalled.release) }) }
	t.Cleanup(release)

	auth := env.register(t, "Ana", "ana@example.com")

	data, err := json.Marshal(lostPhone())
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/items", bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+auth.Token)

	type result struct {
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		done <- result{resp, err}
	}()

	select {
	case <-stalled.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never started")
	}

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("response held back until dispatch returned")
	}
	require.NoError(t, res.err)
	defer res.resp.Body.Close()
	assert.Equal(t, http.StatusCreated, res.resp.StatusCode)

	release()
	item := decode[models.Item](t, res.resp)
	assert.Equal(t, auth.User.ID, item.OwnerID)
}

func TestResponseWriterForwardsFlush(t *testing.T) {
	rec := httptest.NewRecorder()
	var w http.ResponseWriter = &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	f, ok := w.(http.Flusher)
	require.True(t, ok)
	f.Flush()
	assert.True(t, rec.Flushed)
}

func TestCreateItemValidation(t *testing.T) {
	env := setupTestServer(t, nil)
	auth := env.register(t, "Ana", "ana@example.com")

	tests := []struct {
		name   string
		mutate func(*models.CreateItemRequest)
	}{
		{"resolved status", func(r *models.CreateItemRequest) { r.Status = models.StatusResolved }},
		{"unknown category", func(r *models.CreateItemRequest) { r.Category = "Furniture" }},
		{"blank title", func(r *models.CreateItemRequest) { r.Title = "   " }},
		{"bad date", func(r *models.CreateItemRequest) { r.Date = "yesterday" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := lostPhone()
			tt.mutate(&req)
			resp := env.do(t, http.MethodPost, "/api/items", auth.Token, req)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	assert.Empty(t, env.dispatcher.dispatched())
}

func TestListAndGetItems(t *testing.T) {
	env := setupTestServer(t, nil)
	ana := env.register(t, "Ana", "ana@example.com")
	bo := env.register(t, "Bo", "bo@example.com")

	lost := env.createItem(t, ana.Token, lostPhone())
	found := lostPhone()
	found.Status = models.StatusFound
	found.Category = models.CategoryKeys
	found.Title = "Keys on a ring"
	env.createItem(t, bo.Token, found)

	resp := env.do(t, http.MethodGet, "/api/items", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]models.Item](t, resp), 2)

	resp = env.do(t, http.MethodGet, "/api/items?status=Lost", "", nil)
	items := decode[[]models.Item](t, resp)
	require.Len(t, items, 1)
	assert.Equal(t, lost.ID, items[0].ID)

	resp = env.do(t, http.MethodGet, "/api/items?category=Keys&search=ring", "", nil)
	assert.Len(t, decode[[]models.Item](t, resp), 1)

	resp = env.do(t, http.MethodGet, "/api/items?status=Stolen", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/items/mine", bo.Token, nil)
	mine := decode[[]models.Item](t, resp)
	require.Len(t, mine, 1)
	assert.Equal(t, "Keys on a ring", mine[0].Title)

	resp = env.do(t, http.MethodGet, "/api/items/"+lost.ID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, lost.Title, decode[models.Item](t, resp).Title)

	resp = env.do(t, http.MethodGet, "/api/items/does-not-exist", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/items?status=Resolved", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(body))
}

func TestUpdateItemOwnership(t *testing.T) {
	env := setupTestServer(t, nil)
	ana := env.register(t, "Ana", "ana@example.com")
	bo := env.register(t, "Bo", "bo@example.com")

	req := lostPhone()
	req.ImageURL = "http://minio.test/echofind-images/items/old.jpg"
	item := env.createItem(t, ana.Token, req)
	path := "/api/items/" + item.ID

	resp := env.do(t, http.MethodPut, path, bo.Token, map[string]string{"title": "Mine now"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, http.MethodPut, path, "", map[string]string{"title": "Mine now"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodPut, path, ana.Token, map[string]string{"status": "Resolved"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPut, path, ana.Token, map[string]string{
		"title":    "Black iPhone 13",
		"imageUrl": "http://minio.test/echofind-images/items/new.jpg",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[models.Item](t, resp)
	assert.Equal(t, "Black iPhone 13", updated.Title)
	assert.Equal(t, item.Description, updated.Description)
	assert.Equal(t, []string{"http://minio.test/echofind-images/items/old.jpg"}, env.images.deleted)

	resp = env.do(t, http.MethodPut, "/api/items/missing", ana.Token, map[string]string{"title": "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResolveItem(t *testing.T) {
	for _, route := range []string{"/api/items/%s/resolve", "/api/items/resolve/%s"} {
		t.Run(route, func(t *testing.T) {
			env := setupTestServer(t, nil)
			ana := env.register(t, "Ana", "ana@example.com")
			bo := env.register(t, "Bo", "bo@example.com")
			item := env.createItem(t, ana.Token, lostPhone())
			path := fmt.Sprintf(route, item.ID)

			resp := env.do(t, http.MethodPut, path, bo.Token, nil)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)

			resp = env.do(t, http.MethodPut, path, ana.Token, nil)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			resolved := decode[models.Item](t, resp)
			assert.Equal(t, models.StatusResolved, resolved.Status)
			assert.True(t, resolved.IsMatched)
			assert.Equal(t, []string{item.ID}, env.events.resolved)

			stored, err := env.store.GetItem(context.Background(), item.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusResolved, stored.Status)
			assert.True(t, stored.IsMatched)
		})
	}
}

func TestDeleteItem(t *testing.T) {
	env := setupTestServer(t, nil)
	ana := env.register(t, "Ana", "ana@example.com")
	bo := env.register(t, "Bo", "bo@example.com")

	req := lostPhone()
	req.ImageURL = "http://minio.test/echofind-images/items/photo.jpg"
	item := env.createItem(t, ana.Token, req)
	path := "/api/items/" + item.ID

	resp := env.do(t, http.MethodDelete, path, bo.Token, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, path, ana.Token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{req.ImageURL}, env.images.deleted)

	resp = env.do(t, http.MethodGet, path, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, path, ana.Token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetMatches(t *testing.T) {
	env := setupTestServer(t, nil)
	ana := env.register(t, "Ana", "ana@example.com")
	bo := env.register(t, "Bo", "bo@example.com")

	found := env.createItem(t, bo.Token, models.CreateItemRequest{
		Status:      models.StatusFound,
		Category:    models.CategoryElectronics,
		Title:       "Found iPhone",
		Description: "Found a phone near Main Street",
		Location:    "Main Street area",
		Date:        "2024-05-02",
	})
	lost := env.createItem(t, ana.Token, lostPhone())

	resp := env.do(t, http.MethodGet, "/api/items/"+lost.ID+"/matches", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		ItemID  string `json:"itemId"`
		Matches []struct {
			Item models.Item `json:"item"`
			Pass string      `json:"pass"`
		} `json:"matches"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, lost.ID, body.ItemID)
	require.Len(t, body.Matches, 1)
	assert.Equal(t, found.ID, body.Matches[0].Item.ID)
	assert.Equal(t, "keyword", body.Matches[0].Pass)

	stored, err := env.store.GetItem(context.Background(), found.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsMatched)
}

func pngUpload(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func samplePNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 40, 30))))
	return buf.Bytes()
}

func (e *testEnv) upload(t *testing.T, path, token string, body *bytes.Buffer, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.server.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestUploadImage(t *testing.T) {
	env := setupTestServer(t, nil)
	ana := env.register(t, "Ana", "ana@example.com")

	body, ct := pngUpload(t, "image", "photo.png", samplePNG(t))
	resp := env.upload(t, "/api/images", ana.Token, body, ct)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "http://minio.test/echofind-images/items/photo.jpg", decode[UploadResponse](t, resp).ImageURL)

	body, ct = pngUpload(t, "image", "notes.txt", []byte("plain text, not a photo"))
	resp = env.upload(t, "/api/images", ana.Token, body, ct)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, ct = pngUpload(t, "file", "photo.png", samplePNG(t))
	resp = env.upload(t, "/api/images", ana.Token, body, ct)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUploadImageDisabled(t *testing.T) {
	env := setupTestServer(t, func(o *Options) {
		o.Images = nil
		o.Vision = nil
	})
	ana := env.register(t, "Ana", "ana@example.com")

	body, ct := pngUpload(t, "image", "photo.png", samplePNG(t))
	resp := env.upload(t, "/api/images", ana.Token, body, ct)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	body, ct = pngUpload(t, "image", "photo.png", samplePNG(t))
	resp = env.upload(t, "/api/analyze-image", ana.Token, body, ct)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAnalyzeImage(t *testing.T) {
	env := setupTestServer(t, nil)
	ana := env.register(t, "Ana", "ana@example.com")

	body, ct := pngUpload(t, "image", "photo.png", samplePNG(t))
	resp := env.upload(t, "/api/analyze-image", ana.Token, body, ct)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decode[models.VisionAnalysisResponse](t, resp)
	assert.Equal(t, "Black wallet", got.Title)
	assert.Equal(t, "Wallets", got.Category)
	assert.Equal(t, "http://minio.test/echofind-images/items/photo.jpg", got.ImageURL)
	assert.Equal(t, 1, env.images.uploads)
}

func TestHealth(t *testing.T) {
	env := setupTestServer(t, nil)

	for _, path := range []string{"/health", "/api/health"} {
		resp := env.do(t, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		health := decode[HealthResponse](t, resp)
		assert.Equal(t, "healthy", health.Status)
		assert.Equal(t, "ok", health.Checks["store"])
	}

	failing := setupTestServer(t, func(o *Options) {
		o.Checks = map[string]HealthChecker{
			"rabbitmq": checkerFunc(func(ctx context.Context) error { return errors.New("connection closed") }),
		}
	})
	resp := failing.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	health := decode[HealthResponse](t, resp)
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "connection closed", health.Checks["rabbitmq"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestServer(t, nil)

	resp := env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
}
