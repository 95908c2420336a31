package gallery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"relief3d/internal/models"
)

// Service persists conversion records and their learning transcripts.
type Service struct {
	db *sql.DB
}

// NewService builds a new gallery service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// CreateConversion inserts a record for freshly generated assets.
func (s *Service) CreateConversion(ctx context.Context, conv models.Conversion, ttl time.Duration) (*models.Conversion, error) {
	if strings.TrimSpace(conv.UniqueName) == "" {
		return nil, errors.New("unique_name is required")
	}
	now := time.Now().UTC()
	expires := now.Add(ttl)
	if ttl <= 0 {
		// Far-future sentinel keeps the expiry column NOT NULL while the
		// cleaner ignores records that never expire.
		expires = now.AddDate(100, 0, 0)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversions (unique_name, original_name, mime_type, width, height, size,
			image_path, depth_path, model_path, pointcloud_path, summary, status, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.UniqueName, conv.OriginalName, conv.MimeType, conv.Width, conv.Height, conv.Size,
		conv.ImagePath, conv.DepthPath, conv.ModelPath, conv.PointCloudPath, conv.Summary,
		models.ConversionActive, now, expires,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversion: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("conversion id: %w", err)
	}
	conv.ID = id
	conv.Status = models.ConversionActive
	conv.CreatedAt = now
	conv.ExpiresAt = expires
	return &conv, nil
}

const conversionColumns = `id, unique_name, original_name, mime_type, width, height, size,
	image_path, depth_path, model_path, pointcloud_path, COALESCE(summary, ''), status, created_at, expires_at`

func scanConversion(row interface{ Scan(...any) error }) (*models.Conversion, error) {
	var c models.Conversion
	err := row.Scan(&c.ID, &c.UniqueName, &c.OriginalName, &c.MimeType, &c.Width, &c.Height, &c.Size,
		&c.ImagePath, &c.DepthPath, &c.ModelPath, &c.PointCloudPath, &c.Summary, &c.Status,
		&c.CreatedAt, &c.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetByUniqueName returns the conversion for an exact unique name.
func (s *Service) GetByUniqueName(ctx context.Context, uniqueName string) (*models.Conversion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversionColumns+` FROM conversions WHERE unique_name = ?`, uniqueName)
	c, err := scanConversion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get conversion: %w", err)
	}
	return c, nil
}

// FindByImageName returns the most recent conversion whose unique name was
// derived from the given original image name.
func (s *Service) FindByImageName(ctx context.Context, imageName string) (*models.Conversion, error) {
	imageName = strings.TrimSpace(imageName)
	if imageName == "" {
		return nil, errors.New("image name is required")
	}
	pattern := strings.ReplaceAll(strings.ReplaceAll(imageName, `%`, `\%`), `_`, `\_`) + `\_%`
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversionColumns+` FROM conversions
		 WHERE unique_name = ? OR unique_name LIKE ? ESCAPE '\'
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		imageName, pattern)
	c, err := scanConversion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find conversion: %w", err)
	}
	return c, nil
}

// ListConversions returns all conversions, newest first.
func (s *Service) ListConversions(ctx context.Context) ([]models.Conversion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversionColumns+` FROM conversions ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversions: %w", err)
	}
	defer rows.Close()

	var conversions []models.Conversion
	for rows.Next() {
		c, err := scanConversion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversion: %w", err)
		}
		conversions = append(conversions, *c)
	}
	return conversions, rows.Err()
}

// DeleteConversion removes the record and cascaded messages. Asset files are
// the caller's to remove; the record carries their paths.
func (s *Service) DeleteConversion(ctx context.Context, uniqueName string) (*models.Conversion, error) {
	conv, err := s.GetByUniqueName(ctx, uniqueName)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversions WHERE id = ?`, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("delete conversion: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, sql.ErrNoRows
	}
	return conv, nil
}

// SaveSummary stores the generated summary on the conversion record.
func (s *Service) SaveSummary(ctx context.Context, uniqueName, summary string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversions SET summary = ? WHERE unique_name = ?`, summary, uniqueName)
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AppendMessage stores one transcript turn for the conversion.
func (s *Service) AppendMessage(ctx context.Context, conversionID int64, role models.Role, content string) (*models.Message, error) {
	if conversionID <= 0 {
		return nil, errors.New("invalid conversion id")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, errors.New("content is required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversion_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		conversionID, role, content, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	return &models.Message{ID: id, ConversionID: conversionID, Role: role, Content: content, CreatedAt: now}, nil
}

// ListMessages returns the stored transcript in insertion order.
func (s *Service) ListMessages(ctx context.Context, conversionID int64) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversion_id, role, content, created_at FROM messages
		 WHERE conversion_id = ? ORDER BY id ASC`, conversionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m := new(models.Message)
		if err := rows.Scan(&m.ID, &m.ConversionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
