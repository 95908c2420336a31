package main

import (
	"context"
	"log"
	"os"
	"time"

	"relief3d/internal/api"
	"relief3d/internal/config"
	"relief3d/internal/depth"
	"relief3d/internal/redis"
	"relief3d/internal/service/ai"
	"relief3d/internal/service/gallery"
	"relief3d/internal/storage"
	"relief3d/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("load .env: %v", err)
	}

	cfgPath := os.Getenv("RELIEF3D_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("RELIEF3D_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// Create necessary tables: conversions, messages
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	rdb, err := redis.NewClient(cfg)
	if err != nil {
		// Summaries just skip the cache when redis is unreachable.
		log.Printf("redis unavailable, caching disabled: %v", err)
		rdb = nil
	}
	defer rdb.Close()

	galleryService := gallery.NewService(db)

	var aiService api.AIService
	if provider := cfg.BasicConfig.Provider; provider != "" {
		svc, err := ai.NewService(context.Background(), provider, cfg)
		if err != nil {
			log.Fatalf("init ai service %s: %v", provider, err)
		}
		aiService = svc
	} else {
		log.Println("no AI provider configured, summary and chat use canned replies")
	}

	depthClient := depth.NewClient(depth.Config{
		BaseURL: cfg.Depth.BaseURL,
		Model:   cfg.Depth.Model,
		APIKey:  cfg.Depth.Key(),
		Timeout: cfg.Depth.Timeout(),
	})

	dispatcher := worker.NewDispatcher(
		cfg.BasicConfig.MinWorkers,
		cfg.BasicConfig.MaxWorkers,
		cfg.BasicConfig.QueueSize,
		time.Duration(cfg.BasicConfig.WorkerIdleTime)*time.Minute,
	)

	assetTTL := gallery.DefaultAssetTTL
	switch {
	case cfg.BasicConfig.RetentionMinutes > 0:
		assetTTL = time.Duration(cfg.BasicConfig.RetentionMinutes) * time.Minute
	case cfg.BasicConfig.RetentionMinutes < 0:
		assetTTL = 0
	}
	if assetTTL > 0 {
		cleanCtx, cleanCancel := context.WithCancel(context.Background())
		defer cleanCancel()
		cleanInterval := time.Duration(cfg.BasicConfig.CleanInterval) * time.Minute
		galleryService.StartAssetCleaner(cleanCtx, cleanInterval)
	}

	cacheTTL := 30 * time.Minute
	if cfg.BasicConfig.SummaryCacheTTL > 0 {
		cacheTTL = time.Duration(cfg.BasicConfig.SummaryCacheTTL) * time.Minute
	}

	handlers := api.NewHandler(api.HandlerConfig{
		Gallery:       galleryService,
		AI:            aiService,
		Depth:         depthClient,
		Cache:         rdb,
		Workers:       dispatcher,
		OutputDir:     cfg.BasicConfig.OutputDir,
		PublicBaseURL: cfg.BasicConfig.PublicBaseURL,
		MaxUploadMB:   cfg.BasicConfig.MaxUploadMB,
		MeshMaxDim:    cfg.BasicConfig.MeshMaxDim,
		AssetTTL:      assetTTL,
		CacheTTL:      cacheTTL,
	})

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8000"
	}

	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
