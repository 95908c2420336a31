package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"relief3d/internal/config"
	"relief3d/internal/depth"
	"relief3d/internal/mesh"
	"relief3d/internal/models"
	"relief3d/internal/service/gallery"
	"relief3d/internal/storage"
	"relief3d/internal/worker"
)

// fakeDepth derives depth from luminance so the pipeline runs without a
// model server. nativeDim mimics a hosted model that answers at its own
// input resolution instead of the request's.
type fakeDepth struct {
	err       error
	nativeDim int
	panicMsg  string
}

func (f *fakeDepth) Estimate(_ context.Context, imageData []byte, _ string) (*depth.Map, error) {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return nil, f.err
	}
	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return nil, err
	}
	if f.nativeDim > 0 {
		img = mesh.Downscale(img, f.nativeDim)
	}
	return depth.FromImage(img), nil
}

type mockAI struct {
	multimodal bool
	failNext   bool
	lastImage  []byte
}

func (m *mockAI) Multimodal() bool { return m.multimodal }

func (m *mockAI) GenerateSummary(_ context.Context, imageName, imageType string, imageData []byte, _ string) (string, error) {
	if m.failNext {
		m.failNext = false
		return "", errors.New("provider unavailable")
	}
	m.lastImage = imageData
	return fmt.Sprintf("Mock %s summary of %s", imageType, imageName), nil
}

func (m *mockAI) Chat(_ context.Context, imageName string, history []models.ChatTurn, userMessage string, imageData []byte, _ string) (string, error) {
	if m.failNext {
		m.failNext = false
		return "", errors.New("provider unavailable")
	}
	m.lastImage = imageData
	return fmt.Sprintf("Mock answer about %s to %q (%d prior turns)", imageName, userMessage, len(history)), nil
}

func newTestServer(t *testing.T) (*gin.Engine, *Handler, *gallery.Service, *mockAI) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: filepath.Join(dir, "api.db")},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}

	gallerySvc := gallery.NewService(db)
	ai := &mockAI{}
	handler := NewHandler(HandlerConfig{
		Gallery:     gallerySvc,
		AI:          ai,
		Depth:       &fakeDepth{},
		Workers:     worker.NewDispatcher(1, 2, 4, time.Minute),
		OutputDir:   filepath.Join(dir, "outputs"),
		MaxUploadMB: 1,
		MeshMaxDim:  64,
		AssetTTL:    time.Hour,
		CacheTTL:    time.Minute,
	})

	router := gin.New()
	handler.RegisterRoutes(router)
	return router, handler, gallerySvc, ai
}

func encodeTestPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8((x * 255) / max(w-1, 1))
			img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func doMultipartUpload(t *testing.T, router *gin.Engine, filename string, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/convert", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v (%s)", err, data)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

func TestConvertGeneratesAssets(t *testing.T) {
	router, handler, gallerySvc, _ := newTestServer(t)

	rec := doMultipartUpload(t, router, "sample.png", encodeTestPNG(t, 24, 16))
	assertStatus(t, rec, http.StatusOK)

	var body struct {
		ModelURL          string `json:"model_url"`
		DepthMapURL       string `json:"depth_map_url"`
		PointCloudURL     string `json:"point_cloud_url"`
		ImageURL          string `json:"image_url"`
		OriginalImagePath string `json:"original_image_path"`
		UniqueName        string `json:"unique_name"`
		Format            string `json:"format"`
		Success           bool   `json:"success"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if !body.Success || body.Format != "glb" {
		t.Fatalf("unexpected response: %+v", body)
	}
	if !strings.HasPrefix(body.UniqueName, "sample_") {
		t.Fatalf("unique name %q missing stem prefix", body.UniqueName)
	}
	if !strings.HasSuffix(body.ModelURL, body.UniqueName+".glb") ||
		!strings.HasSuffix(body.PointCloudURL, body.UniqueName+".ply") ||
		!strings.HasSuffix(body.DepthMapURL, body.UniqueName+"_depth.png") {
		t.Fatalf("asset URLs do not match unique name: %+v", body)
	}

	conv, err := gallerySvc.GetByUniqueName(context.Background(), body.UniqueName)
	if err != nil {
		t.Fatalf("conversion not recorded: %v", err)
	}
	if conv.Width != 24 || conv.Height != 16 {
		t.Fatalf("recorded dimensions %dx%d", conv.Width, conv.Height)
	}
	// The reported path feeds straight back into report export.
	if body.OriginalImagePath != conv.ImagePath || !handler.insideOutputDir(body.OriginalImagePath) {
		t.Fatalf("original_image_path %q not usable for report export", body.OriginalImagePath)
	}
	for _, p := range conv.AssetPaths() {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("asset %s missing: %v", p, err)
		}
	}

	// Generated assets are served under /outputs.
	rel := strings.TrimPrefix(conv.ModelPath, handler.outputDir)
	req := httptest.NewRequest(http.MethodGet, "/outputs"+filepath.ToSlash(rel), nil)
	serveRec := httptest.NewRecorder()
	router.ServeHTTP(serveRec, req)
	assertStatus(t, serveRec, http.StatusOK)
	if !bytes.HasPrefix(serveRec.Body.Bytes(), []byte("glTF")) {
		t.Fatalf("served model is not binary glTF")
	}
}

func TestConvertRejectsNonImage(t *testing.T) {
	router, _, _, _ := newTestServer(t)
	rec := doMultipartUpload(t, router, "notes.txt", []byte("this is not an image at all"))
	assertStatus(t, rec, http.StatusBadRequest)
}

func TestConvertRejectsOversizedUpload(t *testing.T) {
	router, _, _, _ := newTestServer(t)
	big := make([]byte, (1<<20)+512)
	rec := doMultipartUpload(t, router, "big.png", big)
	assertStatus(t, rec, http.StatusRequestEntityTooLarge)
}

func TestConvertSurfacesDepthFailure(t *testing.T) {
	router, handler, _, _ := newTestServer(t)
	handler.depth = &fakeDepth{err: errors.New("model offline")}
	rec := doMultipartUpload(t, router, "sample.png", encodeTestPNG(t, 24, 16))
	assertStatus(t, rec, http.StatusInternalServerError)
}

func TestConvertResizesNativeResolutionDepth(t *testing.T) {
	router, handler, gallerySvc, _ := newTestServer(t)
	handler.depth = &fakeDepth{nativeDim: 8}

	rec := doMultipartUpload(t, router, "sample.png", encodeTestPNG(t, 24, 16))
	assertStatus(t, rec, http.StatusOK)

	var body struct {
		UniqueName string `json:"unique_name"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	conv, err := gallerySvc.GetByUniqueName(context.Background(), body.UniqueName)
	if err != nil {
		t.Fatalf("conversion not recorded: %v", err)
	}
	for _, p := range conv.AssetPaths() {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("asset %s missing: %v", p, err)
		}
	}

	// The stored depth map is scaled back to the image's resolution.
	f, err := os.Open(conv.DepthPath)
	if err != nil {
		t.Fatalf("open depth map: %v", err)
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		t.Fatalf("decode depth map: %v", err)
	}
	if cfg.Width != 24 || cfg.Height != 16 {
		t.Fatalf("depth map is %dx%d, want 24x16", cfg.Width, cfg.Height)
	}
}

func TestConvertFailsWhenPipelinePanics(t *testing.T) {
	router, handler, gallerySvc, _ := newTestServer(t)
	handler.depth = &fakeDepth{panicMsg: "depth model crashed"}

	rec := doMultipartUpload(t, router, "sample.png", encodeTestPNG(t, 24, 16))
	assertStatus(t, rec, http.StatusInternalServerError)

	// No record and no asset URLs may survive a crashed pipeline.
	conversions, err := gallerySvc.ListConversions(context.Background())
	if err != nil {
		t.Fatalf("list conversions: %v", err)
	}
	if len(conversions) != 0 {
		t.Fatalf("panicked conversion was recorded: %+v", conversions)
	}
	if entries, err := os.ReadDir(filepath.Join(handler.outputDir, modelsDir)); err == nil && len(entries) > 0 {
		t.Fatalf("model files written despite panic: %d entries", len(entries))
	}
}

func TestGenerateSummaryPersists(t *testing.T) {
	router, _, gallerySvc, _ := newTestServer(t)

	up := doMultipartUpload(t, router, "heart.png", encodeTestPNG(t, 24, 16))
	assertStatus(t, up, http.StatusOK)
	var convBody struct {
		UniqueName string `json:"unique_name"`
	}
	decodeJSON(t, up.Body.Bytes(), &convBody)

	rec := doJSONRequest(t, router, http.MethodPost, "/api/generate-summary", map[string]string{
		"image_name":  "heart.png",
		"image_type":  "anatomy",
		"unique_name": convBody.UniqueName,
	})
	assertStatus(t, rec, http.StatusOK)
	var body struct {
		Summary string `json:"summary"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Summary != "Mock anatomy summary of heart.png" {
		t.Fatalf("unexpected summary %q", body.Summary)
	}

	conv, err := gallerySvc.GetByUniqueName(context.Background(), convBody.UniqueName)
	if err != nil {
		t.Fatalf("get conversion: %v", err)
	}
	if conv.Summary != body.Summary {
		t.Fatalf("summary not persisted, got %q", conv.Summary)
	}
}

func TestGenerateSummaryFallsBackOnProviderError(t *testing.T) {
	router, _, _, ai := newTestServer(t)
	ai.failNext = true

	rec := doJSONRequest(t, router, http.MethodPost, "/api/generate-summary", map[string]string{
		"image_name": "leaf.png",
	})
	assertStatus(t, rec, http.StatusOK)
	var body struct {
		Summary string `json:"summary"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Summary != "Unable to generate summary at this time." {
		t.Fatalf("unexpected fallback %q", body.Summary)
	}
}

func TestGenerateSummaryWithoutProvider(t *testing.T) {
	router, handler, _, _ := newTestServer(t)
	handler.ai = nil

	rec := doJSONRequest(t, router, http.MethodPost, "/api/generate-summary", map[string]string{
		"image_name": "leaf.png",
	})
	assertStatus(t, rec, http.StatusOK)
	var body struct {
		Summary string `json:"summary"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if !strings.Contains(body.Summary, "leaf.png") {
		t.Fatalf("canned summary should mention the image, got %q", body.Summary)
	}
}

func TestChatPersistsTranscript(t *testing.T) {
	router, _, gallerySvc, _ := newTestServer(t)

	up := doMultipartUpload(t, router, "heart.png", encodeTestPNG(t, 24, 16))
	assertStatus(t, up, http.StatusOK)
	var convBody struct {
		UniqueName string `json:"unique_name"`
	}
	decodeJSON(t, up.Body.Bytes(), &convBody)

	rec := doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]any{
		"image_name":   "heart.png",
		"unique_name":  convBody.UniqueName,
		"user_message": "How many chambers does it have?",
		"conversation_history": []map[string]string{
			{"role": "user", "content": "What is this?"},
			{"role": "assistant", "content": "A heart."},
		},
	})
	assertStatus(t, rec, http.StatusOK)
	var body struct {
		Response string `json:"response"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if !strings.Contains(body.Response, "2 prior turns") {
		t.Fatalf("history not forwarded: %q", body.Response)
	}

	conv, err := gallerySvc.GetByUniqueName(context.Background(), convBody.UniqueName)
	if err != nil {
		t.Fatalf("get conversion: %v", err)
	}
	messages, err := gallerySvc.ListMessages(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected user and assistant rows, got %d", len(messages))
	}
	if messages[0].Role != models.RoleUser || messages[1].Role != models.RoleAssistant {
		t.Fatalf("unexpected roles: %+v", messages)
	}
}

func TestChatRequiresMessage(t *testing.T) {
	router, _, _, _ := newTestServer(t)
	rec := doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]string{
		"image_name": "heart.png",
	})
	assertStatus(t, rec, http.StatusBadRequest)
}

func TestChatFallbackOnProviderError(t *testing.T) {
	router, _, _, ai := newTestServer(t)
	ai.failNext = true
	rec := doJSONRequest(t, router, http.MethodPost, "/api/chat", map[string]string{
		"image_name":   "heart.png",
		"user_message": "hello?",
	})
	assertStatus(t, rec, http.StatusOK)
	var body struct {
		Response string `json:"response"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Response != "Sorry, I'm having trouble processing your question right now." {
		t.Fatalf("unexpected fallback %q", body.Response)
	}
}

func TestExportReportReturnsPDF(t *testing.T) {
	router, _, _, _ := newTestServer(t)

	up := doMultipartUpload(t, router, "heart image.png", encodeTestPNG(t, 24, 16))
	assertStatus(t, up, http.StatusOK)
	var convBody struct {
		UniqueName string `json:"unique_name"`
	}
	decodeJSON(t, up.Body.Bytes(), &convBody)

	rec := doJSONRequest(t, router, http.MethodPost, "/api/export-report", map[string]any{
		"image_name":  "heart image",
		"unique_name": convBody.UniqueName,
		"summary":     "A **heart** with four chambers.",
		"conversation_history": []map[string]string{
			{"role": "user", "content": "Hi"},
			{"role": "assistant", "content": "Hello!"},
		},
	})
	assertStatus(t, rec, http.StatusOK)
	if ct := rec.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "learning_report_heart_image.pdf") {
		t.Fatalf("unexpected disposition %q", cd)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF-")) {
		t.Fatal("response is not a PDF")
	}
}

func TestConversionListAndDelete(t *testing.T) {
	router, _, _, _ := newTestServer(t)

	up := doMultipartUpload(t, router, "leaf.png", encodeTestPNG(t, 24, 16))
	assertStatus(t, up, http.StatusOK)
	var convBody struct {
		UniqueName string `json:"unique_name"`
	}
	decodeJSON(t, up.Body.Bytes(), &convBody)

	listRec := doJSONRequest(t, router, http.MethodGet, "/api/conversions", nil)
	assertStatus(t, listRec, http.StatusOK)
	var listBody struct {
		Conversions []models.Conversion `json:"conversions"`
	}
	decodeJSON(t, listRec.Body.Bytes(), &listBody)
	if len(listBody.Conversions) != 1 {
		t.Fatalf("expected 1 conversion, got %d", len(listBody.Conversions))
	}
	assetPaths := listBody.Conversions[0].AssetPaths()

	msgRec := doJSONRequest(t, router, http.MethodGet, "/api/conversions/"+convBody.UniqueName+"/messages", nil)
	assertStatus(t, msgRec, http.StatusOK)

	missingRec := doJSONRequest(t, router, http.MethodGet, "/api/conversions/nope/messages", nil)
	assertStatus(t, missingRec, http.StatusNotFound)

	delRec := doJSONRequest(t, router, http.MethodDelete, "/api/conversions/"+convBody.UniqueName, nil)
	assertStatus(t, delRec, http.StatusNoContent)
	for _, p := range assetPaths {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("asset %s should be deleted", p)
		}
	}
	delAgain := doJSONRequest(t, router, http.MethodDelete, "/api/conversions/"+convBody.UniqueName, nil)
	assertStatus(t, delAgain, http.StatusNotFound)
}

func TestRootAndHealth(t *testing.T) {
	router, _, _, _ := newTestServer(t)

	rec := doJSONRequest(t, router, http.MethodGet, "/", nil)
	assertStatus(t, rec, http.StatusOK)
	var rootBody struct {
		Status string `json:"status"`
	}
	decodeJSON(t, rec.Body.Bytes(), &rootBody)
	if rootBody.Status != "ok" {
		t.Fatalf("unexpected root status %q", rootBody.Status)
	}

	health := doJSONRequest(t, router, http.MethodGet, "/health", nil)
	assertStatus(t, health, http.StatusOK)
	var healthBody struct {
		Status  string `json:"status"`
		Workers int    `json:"workers"`
	}
	decodeJSON(t, health.Body.Bytes(), &healthBody)
	if healthBody.Status != "healthy" || healthBody.Workers < 1 {
		t.Fatalf("unexpected health: %+v", healthBody)
	}
}

func TestCORSPreflight(t *testing.T) {
	router, _, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/convert", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected preflight status %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
}
