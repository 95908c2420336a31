package api

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"relief3d/internal/depth"
	"relief3d/internal/mesh"
	"relief3d/internal/models"
	"relief3d/internal/redis"
	"relief3d/internal/report"
	"relief3d/internal/service/gallery"
	"relief3d/internal/worker"
)

// DepthEstimator produces a normalized depth map for an image payload.
type DepthEstimator interface {
	Estimate(ctx context.Context, imageData []byte, mimeType string) (*depth.Map, error)
}

// AIService answers summary and chat requests about an uploaded image.
type AIService interface {
	Multimodal() bool
	GenerateSummary(ctx context.Context, imageName, imageType string, imageData []byte, mimeType string) (string, error)
	Chat(ctx context.Context, imageName string, history []models.ChatTurn, userMessage string, imageData []byte, mimeType string) (string, error)
}

const defaultMaxUploadBytes = 10 << 20 // 10 MB

// Handler wires HTTP routes to the conversion pipeline and gallery.
// The AI service may be nil when no provider is configured; summary and
// chat then answer with canned text instead of failing.
type Handler struct {
	gallery    *gallery.Service
	ai         AIService
	depth      DepthEstimator
	cache      *redis.Client
	workers    *worker.Dispatcher
	outputDir  string
	publicBase string
	maxUpload  int64
	meshMaxDim int
	assetTTL   time.Duration
	cacheTTL   time.Duration
}

type HandlerConfig struct {
	Gallery       *gallery.Service
	AI            AIService
	Depth         DepthEstimator
	Cache         *redis.Client
	Workers       *worker.Dispatcher
	OutputDir     string
	PublicBaseURL string
	MaxUploadMB   int64
	MeshMaxDim    int
	AssetTTL      time.Duration
	CacheTTL      time.Duration
}

func NewHandler(cfg HandlerConfig) *Handler {
	maxUpload := cfg.MaxUploadMB << 20
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	if cfg.MeshMaxDim <= 0 {
		cfg.MeshMaxDim = mesh.DefaultMaxDim
	}
	return &Handler{
		gallery:    cfg.Gallery,
		ai:         cfg.AI,
		depth:      cfg.Depth,
		cache:      cfg.Cache,
		workers:    cfg.Workers,
		outputDir:  cfg.OutputDir,
		publicBase: strings.TrimRight(cfg.PublicBaseURL, "/"),
		maxUpload:  maxUpload,
		meshMaxDim: cfg.MeshMaxDim,
		assetTTL:   cfg.AssetTTL,
		cacheTTL:   cfg.CacheTTL,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(CORSMiddleware())
	router.GET("/", h.root)
	router.GET("/health", h.healthCheck)
	router.Static("/outputs", h.outputDir)

	api := router.Group("/api")
	api.POST("/convert", h.convertImage)
	api.POST("/generate-summary", h.generateSummary)
	api.POST("/chat", h.chat)
	api.POST("/export-report", h.exportReport)
	api.GET("/conversions", h.listConversions)
	api.GET("/conversions/:unique_name/messages", h.conversionMessages)
	api.DELETE("/conversions/:unique_name", h.deleteConversion)
}

func (h *Handler) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "2D to 3D Converter API is running",
		"status":  "ok",
		"version": "1.0.0",
	})
}

func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"workers": h.workers.RunningWorkers(),
	})
}

func (h *Handler) publicURL(path string) string {
	return h.publicBase + path
}

// outputs subdirectories, one per generated asset kind
const (
	uploadedDir   = "uploaded"
	depthDir      = "depth"
	modelsDir     = "models"
	pointcloudDir = "pointcloud"
)

func (h *Handler) convertImage(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if file.Size > h.maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return
	}
	contents := make([]byte, file.Size)
	if _, err := io.ReadFull(src, contents); err != nil {
		_ = src.Close()
		c.JSON(http.StatusBadRequest, gin.H{"error": "read file failed"})
		return
	}
	_ = src.Close()

	sniffLen := len(contents)
	if sniffLen > 512 {
		sniffLen = 512
	}
	contentType := http.DetectContentType(contents[:sniffLen])
	if !strings.HasPrefix(contentType, "image/") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file must be an image"})
		return
	}
	img, _, err := image.Decode(bytes.NewReader(contents))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid image file"})
		return
	}

	filename := filepath.Base(file.Filename)
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = ".jpg"
	}
	stem := strings.TrimSuffix(filename, filepath.Ext(filename))
	uniqueName := fmt.Sprintf("%s_%d", stem, time.Now().UnixMilli())

	conv := models.Conversion{
		UniqueName:     uniqueName,
		OriginalName:   filename,
		MimeType:       contentType,
		Width:          img.Bounds().Dx(),
		Height:         img.Bounds().Dy(),
		Size:           file.Size,
		ImagePath:      filepath.Join(h.outputDir, uploadedDir, uniqueName+ext),
		DepthPath:      filepath.Join(h.outputDir, depthDir, uniqueName+"_depth.png"),
		ModelPath:      filepath.Join(h.outputDir, modelsDir, uniqueName+".glb"),
		PointCloudPath: filepath.Join(h.outputDir, pointcloudDir, uniqueName+".ply"),
	}

	var pipelineErr error
	submitErr := h.workers.Submit(c.Request.Context(), func() {
		pipelineErr = h.runPipeline(c.Request.Context(), img, contents, &conv)
	})
	if submitErr != nil {
		if errors.Is(submitErr, worker.ErrDispatcherBusy) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
			return
		}
		// A cancelled request or a panic inside the pipeline; either way
		// no assets can be promised.
		log.Printf("conversion %s failed: %v", uniqueName, submitErr)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process image: " + submitErr.Error()})
		return
	}
	if pipelineErr != nil {
		log.Printf("conversion %s failed: %v", uniqueName, pipelineErr)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process image: " + pipelineErr.Error()})
		return
	}
	if _, err := h.gallery.CreateConversion(c.Request.Context(), conv, h.assetTTL); err != nil {
		log.Printf("record conversion %s failed: %v", uniqueName, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "record conversion failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"model_url":       h.publicURL("/outputs/" + modelsDir + "/" + uniqueName + ".glb"),
		"depth_map_url":   h.publicURL("/outputs/" + depthDir + "/" + uniqueName + "_depth.png"),
		"point_cloud_url": h.publicURL("/outputs/" + pointcloudDir + "/" + uniqueName + ".ply"),
		"image_url":       h.publicURL("/outputs/" + uploadedDir + "/" + uniqueName + ext),
		// Report export accepts this path back, so it stays inside the
		// output directory.
		"original_image_path": conv.ImagePath,
		"unique_name":         uniqueName,
		"format":              "glb",
		"success":             true,
		"message":             "3D model generated successfully",
	})
}

// runPipeline generates every asset for one conversion: the saved
// original, the depth map, the relief mesh and the point cloud.
func (h *Handler) runPipeline(ctx context.Context, img image.Image, contents []byte, conv *models.Conversion) error {
	for _, sub := range []string{uploadedDir, depthDir, modelsDir, pointcloudDir} {
		if err := os.MkdirAll(filepath.Join(h.outputDir, sub), 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	if err := os.WriteFile(conv.ImagePath, contents, 0o644); err != nil {
		return fmt.Errorf("save original: %w", err)
	}

	// The mesh resolution caps the depth request size too; estimating at
	// full resolution would waste model time on detail the grid discards.
	small := mesh.Downscale(img, h.meshMaxDim)
	var buf bytes.Buffer
	if err := png.Encode(&buf, small); err != nil {
		return fmt.Errorf("encode for depth request: %w", err)
	}
	depthMap, err := h.depth.Estimate(ctx, buf.Bytes(), "image/png")
	if err != nil {
		return fmt.Errorf("estimate depth: %w", err)
	}
	// Hosted models often answer at their native input resolution; scale
	// the prediction back so it lines up with the mesh grid.
	sb := small.Bounds()
	depthMap, err = depthMap.Resize(sb.Dx(), sb.Dy())
	if err != nil {
		return fmt.Errorf("resize depth map: %w", err)
	}
	depthPNG, err := depthMap.EncodePNG()
	if err != nil {
		return fmt.Errorf("encode depth map: %w", err)
	}
	if err := os.WriteFile(conv.DepthPath, depthPNG, 0o644); err != nil {
		return fmt.Errorf("save depth map: %w", err)
	}

	grid, err := mesh.BuildGrid(small, depthMap)
	if err != nil {
		return fmt.Errorf("build mesh: %w", err)
	}
	if err := mesh.WriteGLB(grid, conv.ModelPath); err != nil {
		return fmt.Errorf("write glb: %w", err)
	}
	if err := mesh.WritePLY(grid, conv.PointCloudPath); err != nil {
		return fmt.Errorf("write ply: %w", err)
	}
	return nil
}

type summaryRequest struct {
	ImageName  string `json:"image_name"`
	ImageType  string `json:"image_type"`
	UniqueName string `json:"unique_name"`
}

func (h *Handler) generateSummary(c *gin.Context) {
	var req summaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.ImageName) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image_name is required"})
		return
	}
	if req.ImageType == "" {
		req.ImageType = "general"
	}
	ctx := c.Request.Context()
	conv := h.lookupConversion(ctx, req.UniqueName, req.ImageName)

	cacheKey := "summary:" + req.ImageName
	if conv != nil {
		cacheKey = "summary:" + conv.UniqueName
	}
	if cached, err := h.cache.Get(ctx, cacheKey); err == nil {
		c.JSON(http.StatusOK, gin.H{"summary": cached})
		return
	}

	if h.ai == nil {
		c.JSON(http.StatusOK, gin.H{
			"summary": fmt.Sprintf("This is an educational overview of %s. The 3D model allows you to explore the structure and features in detail.", req.ImageName),
		})
		return
	}

	imageData, mimeType := h.imageForAI(conv)
	summary, err := h.ai.GenerateSummary(ctx, req.ImageName, req.ImageType, imageData, mimeType)
	if err != nil {
		log.Printf("generate summary for %s failed: %v", req.ImageName, err)
		c.JSON(http.StatusOK, gin.H{"summary": "Unable to generate summary at this time."})
		return
	}

	if err := h.cache.Set(ctx, cacheKey, summary, h.cacheTTL); err != nil {
		log.Printf("cache summary failed: %v", err)
	}
	if conv != nil {
		if err := h.gallery.SaveSummary(ctx, conv.UniqueName, summary); err != nil {
			log.Printf("save summary for %s failed: %v", conv.UniqueName, err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

type chatRequest struct {
	ImageName           string            `json:"image_name"`
	ConversationHistory []models.ChatTurn `json:"conversation_history"`
	UserMessage         string            `json:"user_message"`
	UniqueName          string            `json:"unique_name"`
}

func (h *Handler) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.UserMessage) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_message is required"})
		return
	}
	ctx := c.Request.Context()
	conv := h.lookupConversion(ctx, req.UniqueName, req.ImageName)

	if h.ai == nil {
		c.JSON(http.StatusOK, gin.H{
			"response": fmt.Sprintf("I'm here to help you learn about %s. Unfortunately, the AI chat service is not configured yet.", req.ImageName),
		})
		return
	}

	imageData, mimeType := h.imageForAI(conv)
	answer, err := h.ai.Chat(ctx, req.ImageName, req.ConversationHistory, req.UserMessage, imageData, mimeType)
	if err != nil {
		log.Printf("chat about %s failed: %v", req.ImageName, err)
		c.JSON(http.StatusOK, gin.H{"response": "Sorry, I'm having trouble processing your question right now."})
		return
	}

	if conv != nil {
		if _, err := h.gallery.AppendMessage(ctx, conv.ID, models.RoleUser, req.UserMessage); err != nil {
			log.Printf("persist user message failed: %v", err)
		} else if _, err := h.gallery.AppendMessage(ctx, conv.ID, models.RoleAssistant, answer); err != nil {
			log.Printf("persist assistant message failed: %v", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"response": answer})
}

type reportRequest struct {
	ImageName           string            `json:"image_name"`
	Summary             string            `json:"summary"`
	ConversationHistory []models.ChatTurn `json:"conversation_history"`
	OriginalImagePath   string            `json:"original_image_path"`
	UniqueName          string            `json:"unique_name"`
}

func (h *Handler) exportReport(c *gin.Context) {
	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.ImageName) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image_name is required"})
		return
	}

	imagePath := h.resolveReportImage(c.Request.Context(), req)
	pdf, err := report.Generate(report.Options{
		ImageName: req.ImageName,
		Summary:   req.Summary,
		History:   req.ConversationHistory,
		ImagePath: imagePath,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	filename := "learning_report_" + strings.ReplaceAll(req.ImageName, " ", "_") + ".pdf"
	c.Header("Content-Disposition", "attachment; filename="+filename)
	c.Data(http.StatusOK, "application/pdf", pdf)
}

// resolveReportImage finds the uploaded image for a report, trying the
// explicit path, then the conversion record, then a directory scan.
// Explicit paths outside the output directory are refused.
func (h *Handler) resolveReportImage(ctx context.Context, req reportRequest) string {
	if req.OriginalImagePath != "" && h.insideOutputDir(req.OriginalImagePath) {
		if _, err := os.Stat(req.OriginalImagePath); err == nil {
			return req.OriginalImagePath
		}
	}
	if conv := h.lookupConversion(ctx, req.UniqueName, req.ImageName); conv != nil {
		if _, err := os.Stat(conv.ImagePath); err == nil {
			return conv.ImagePath
		}
	}
	// Fall back to scanning the upload directory for the newest match.
	prefix := req.ImageName + "_"
	if req.UniqueName != "" {
		prefix = req.UniqueName
	}
	entries, err := os.ReadDir(filepath.Join(h.outputDir, uploadedDir))
	if err != nil {
		return ""
	}
	var newest string
	var newestTime time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestTime) {
			newest = filepath.Join(h.outputDir, uploadedDir, e.Name())
			newestTime = info.ModTime()
		}
	}
	return newest
}

func (h *Handler) insideOutputDir(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	root, err := filepath.Abs(h.outputDir)
	if err != nil {
		return false
	}
	return abs == root || strings.HasPrefix(abs, root+string(filepath.Separator))
}

func (h *Handler) listConversions(c *gin.Context) {
	conversions, err := h.gallery.ListConversions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if conversions == nil {
		conversions = make([]models.Conversion, 0)
	}
	c.JSON(http.StatusOK, gin.H{"conversions": conversions})
}

func (h *Handler) conversionMessages(c *gin.Context) {
	conv, err := h.gallery.GetByUniqueName(c.Request.Context(), c.Param("unique_name"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversion not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	messages, err := h.gallery.ListMessages(c.Request.Context(), conv.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if messages == nil {
		messages = make([]*models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"conversion": conv,
		"messages":   messages,
	})
}

func (h *Handler) deleteConversion(c *gin.Context) {
	conv, err := h.gallery.DeleteConversion(c.Request.Context(), c.Param("unique_name"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversion not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for _, p := range conv.AssetPaths() {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Printf("remove asset %s failed: %v", p, err)
		}
	}
	_ = h.cache.Del(c.Request.Context(), "summary:"+conv.UniqueName)
	c.Status(http.StatusNoContent)
}

// lookupConversion resolves a conversion by unique name first, then by
// the original image name. Either may be empty; a miss returns nil.
func (h *Handler) lookupConversion(ctx context.Context, uniqueName, imageName string) *models.Conversion {
	if uniqueName != "" {
		if conv, err := h.gallery.GetByUniqueName(ctx, uniqueName); err == nil {
			return conv
		}
	}
	if imageName != "" {
		if conv, err := h.gallery.FindByImageName(ctx, imageName); err == nil {
			return conv
		}
	}
	return nil
}

// imageForAI loads the stored upload when the provider can take image
// input. Text-only providers get nil data and describe by name alone.
func (h *Handler) imageForAI(conv *models.Conversion) ([]byte, string) {
	if conv == nil || !h.ai.Multimodal() {
		return nil, ""
	}
	data, err := os.ReadFile(conv.ImagePath)
	if err != nil {
		log.Printf("read image %s failed: %v", conv.ImagePath, err)
		return nil, ""
	}
	return data, conv.MimeType
}
