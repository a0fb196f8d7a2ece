package storage

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ppekiosk/internal/model"
)

// ParseSnapshotPath recovers the image metadata from a path written by Flush:
// <root>/<category>/<dd_mm_yy>/<hh-mm-ss.mmm>_<operator>_<session>.jpg.
func ParseSnapshotPath(root, path string) (model.Image, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return model.Image{}, err
	}
	dirs := strings.Split(filepath.ToSlash(rel), "/")
	if len(dirs) != 3 || filepath.Ext(rel) != ".jpg" {
		return model.Image{}, fmt.Errorf("unexpected snapshot path: %s", rel)
	}
	category, day, name := dirs[0], dirs[1], strings.TrimSuffix(dirs[2], ".jpg")

	parts := strings.Split(name, "_")
	if len(parts) < 3 {
		return model.Image{}, fmt.Errorf("invalid filename format: %s", dirs[2])
	}
	timestamp, err := time.ParseInLocation(dayDirFormat+" "+fileTimeFormat, day+" "+parts[0], time.Local)
	if err != nil {
		return model.Image{}, fmt.Errorf("failed to parse timestamp: %w", err)
	}

	if category != CategoryData {
		category = strings.ToUpper(category)
	}
	return model.Image{
		SessionID: parts[len(parts)-1],
		Category:  category,
		Filename:  dirs[2],
		Timestamp: timestamp,
		FilePath:  path,
	}, nil
}

// ScanDirectory lists every snapshot under root. Files that do not follow the layout are
// reported through skip and left out.
func ScanDirectory(root string, skip func(path string, err error)) ([]model.Image, error) {
	var images []model.Image
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".jpg" {
			return nil
		}
		img, err := ParseSnapshotPath(root, path)
		if err == nil {
			var info os.FileInfo
			if info, err = d.Info(); err == nil {
				img.FileSize = info.Size()
			}
		}
		if err != nil {
			if skip != nil {
				skip(path, err)
			}
			return nil
		}
		images = append(images, img)
		return nil
	})
	return images, err
}
