package gallery

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"
)

const (
	DefaultAssetTTL        = 7 * 24 * time.Hour
	DefaultCleanupInterval = time.Hour
)

// StartAssetCleaner periodically removes conversions whose retention expired,
// together with their generated files.
func (s *Service) StartAssetCleaner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	go s.cleanupLoop(ctx, interval)
}

func (s *Service) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.cleanupExpired(); err != nil {
				log.Printf("cleanup expired conversions error: %v", err)
			}
		}
	}
}

func (s *Service) cleanupExpired() error {
	rows, err := s.db.Query(`
		SELECT id, image_path, depth_path, model_path, pointcloud_path FROM conversions
		WHERE status = 'active' AND expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return err
	}
	defer rows.Close()

	type assetRow struct {
		id    int64
		paths [4]string
	}
	var expired []assetRow
	for rows.Next() {
		var ar assetRow
		if err := rows.Scan(&ar.id, &ar.paths[0], &ar.paths[1], &ar.paths[2], &ar.paths[3]); err != nil {
			return err
		}
		expired = append(expired, ar)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, ar := range expired {
		for _, p := range ar.paths {
			if p == "" {
				continue
			}
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				log.Printf("remove asset %s failed: %v", p, err)
			}
			// prune empty directories
			_ = os.Remove(filepath.Dir(p))
		}
		if _, err := s.db.Exec(`DELETE FROM conversions WHERE id = ?`, ar.id); err != nil {
			log.Printf("delete conversion record %d failed: %v", ar.id, err)
		}
	}
	return nil
}
