package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ppekiosk/internal/config"
	"ppekiosk/internal/dto"
	"ppekiosk/internal/logger"
	"ppekiosk/internal/model"
	"ppekiosk/internal/repository"
	"ppekiosk/internal/service/vision"
)

const (
	// CategoryData holds periodic snapshots taken while a session runs.
	CategoryData = "data"

	dayDirFormat   = "02_01_06"
	fileTimeFormat = "15-04-05.000"
)

// BufferService buffers evidence frames in memory and periodically flushes them to disk.
type BufferService struct {
	imagesDir      string
	limit          int
	flushInterval  time.Duration
	snapshots      []dto.BufferedSnapshot
	bufferCount    map[string]int
	mu             sync.Mutex
	logger         *logger.Logger
	imageRepo      repository.ImageRepository
	validationRepo repository.ValidationRepository
}

// NewBufferService creates a new BufferService. Repositories may be nil.
func NewBufferService(cfg *config.Config, logger *logger.Logger, imageRepo repository.ImageRepository, validationRepo repository.ValidationRepository) *BufferService {
	interval := cfg.ImageBufferFlushInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &BufferService{
		imagesDir:      cfg.ImageDirectory,
		limit:          cfg.ImageBufferLimit,
		flushInterval:  interval,
		bufferCount:    make(map[string]int),
		logger:         logger,
		imageRepo:      imageRepo,
		validationRepo: validationRepo,
	}
}

// Run flushes on a ticker until ctx is cancelled, then flushes once more.
func (s *BufferService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Flush()
			return
		case <-ticker.C:
			s.Flush()
		}
	}
}

// Add buffers a snapshot. Periodic snapshots are capped per session; final frames always go in.
func (s *BufferService) Add(snap dto.BufferedSnapshot) bool {
	if snap.Image == nil {
		return false
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.Category == CategoryData {
		if s.bufferCount[snap.SessionID] >= s.limit {
			return false
		}
		s.bufferCount[snap.SessionID]++
	} else {
		// the final frame ends the session
		delete(s.bufferCount, snap.SessionID)
	}
	s.snapshots = append(s.snapshots, snap)
	s.logger.Debug("Buffer size: %d (session %s)", len(s.snapshots), snap.SessionID)
	return true
}

// Pending returns the number of buffered snapshots.
func (s *BufferService) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

// Flush writes buffered snapshots to IMAGE_DIR/<category>/<dd_mm_yy>/ and records them.
func (s *BufferService) Flush() int {
	s.mu.Lock()
	pending := s.snapshots
	s.snapshots = nil
	s.mu.Unlock()

	if len(pending) == 0 {
		return 0
	}

	savedCount := 0
	for _, snap := range pending {
		path, size, err := s.write(snap)
		if err != nil {
			s.logger.Error("Error saving snapshot for session %s: %v", snap.SessionID, err)
			continue
		}
		savedCount++

		if s.imageRepo != nil {
			if _, err := s.imageRepo.Insert(&model.Image{
				ValidationID: snap.RecordID,
				SessionID:    snap.SessionID,
				Category:     snap.Category,
				Filename:     filepath.Base(path),
				Timestamp:    snap.Timestamp,
				FilePath:     path,
				FileSize:     size,
			}); err != nil {
				s.logger.Error("Error saving image to database %s: %v", path, err)
			}
		}
		if snap.RecordID != 0 && s.validationRepo != nil {
			if err := s.validationRepo.SetImagePath(snap.RecordID, path); err != nil {
				s.logger.Error("Error linking image to record %d: %v", snap.RecordID, err)
			}
		}
	}

	s.logger.Info("Flushed %d images to disk", savedCount)
	return savedCount
}

func (s *BufferService) write(snap dto.BufferedSnapshot) (string, int64, error) {
	dir := filepath.Join(s.imagesDir, strings.ToLower(snap.Category), snap.Timestamp.Format(dayDirFormat))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", 0, fmt.Errorf("error creating directory: %w", err)
	}

	data, err := vision.EncodeJPEG(snap.Image)
	if err != nil {
		return "", 0, err
	}

	operator := snap.Operator
	if operator == "" {
		operator = "unknown"
	}
	name := fmt.Sprintf("%s_%s_%s.jpg", snap.Timestamp.Format(fileTimeFormat), operator, shortID(snap.SessionID))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", 0, err
	}
	return path, int64(len(data)), nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
