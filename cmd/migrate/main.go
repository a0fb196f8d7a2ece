package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"ppekiosk/internal/repository/sqlite"
	"ppekiosk/internal/service/storage"
)

func main() {
	dbPath := flag.String("db", envOr("DB_PATH", "kiosk.db"), "Audit database path")
	imagesDir := flag.String("images", "", "Evidence directory to index into the database (optional)")
	flag.Parse()

	fmt.Printf("Migrating audit database %s\n", *dbPath)

	// Ensure database directory exists
	if err := os.MkdirAll(filepath.Dir(*dbPath), 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	// Opening the database creates or updates the schema
	db, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	version, err := db.Version()
	if err != nil {
		log.Fatalf("Failed to read schema version: %v", err)
	}
	fmt.Printf("Schema version: %d\n", version)

	if *imagesDir != "" {
		indexImages(db, *imagesDir)
	}

	counts, err := db.TableCounts()
	if err != nil {
		log.Fatalf("Failed to read table counts: %v", err)
	}
	tables := make([]string, 0, len(counts))
	for table := range counts {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	fmt.Printf("\nDatabase statistics:\n")
	for _, table := range tables {
		fmt.Printf("   %-12s %d rows\n", table, counts[table])
	}
}

func indexImages(db *sqlite.DB, dir string) {
	skipped := 0
	images, err := storage.ScanDirectory(dir, func(path string, err error) {
		log.Printf("Skipping %s: %v", path, err)
		skipped++
	})
	if err != nil {
		log.Fatalf("Failed to read images directory: %v", err)
	}
	if len(images) == 0 {
		fmt.Println("No images found to index")
		return
	}

	fmt.Printf("Indexing %d images from %s...\n", len(images), dir)
	added, err := sqlite.NewImageRepository(db).BulkInsert(images)
	if err != nil {
		log.Fatalf("Failed to insert images: %v", err)
	}
	fmt.Printf("Indexed %d new images (%d already known)\n", added, len(images)-added)
	if skipped > 0 {
		fmt.Printf("Skipped %d files (invalid layout or errors)\n", skipped)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
