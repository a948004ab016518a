// Package filecache keeps the index of paths known to exist on the board so
// interactive views can be refreshed without a full remote listing.
package filecache

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mpy-sync/internal/remotetree"
)

// KnownFile is one remote path.
type KnownFile struct {
	ID        uint      `gorm:"primarykey"`
	Path      string    `gorm:"uniqueIndex;not null"`
	IsDir     bool      `gorm:"not null"`
	Size      int64     `gorm:"not null"`
	UpdatedAt time.Time
}

// Index is the sqlite-backed known-files table.
type Index struct {
	db *gorm.DB
}

// Open opens (creating if needed) the index database at dbPath. Use
// ":memory:" for a throwaway index.
func Open(dbPath string) (*Index, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %v", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %v", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would get its own empty in-memory database.
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	if err := db.AutoMigrate(&KnownFile{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %v", err)
	}
	return &Index{db: db}, nil
}

// Close releases the database.
func (x *Index) Close() error {
	sqlDB, err := x.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func clean(p string) string {
	return path.Clean("/" + p)
}

// Add records (or updates) one path.
func (x *Index) Add(devicePath string, isDir bool, size int64) error {
	p := clean(devicePath)
	rec := KnownFile{Path: p, IsDir: isDir, Size: size}
	return x.db.Where("path = ?", p).
		Assign(map[string]interface{}{"is_dir": isDir, "size": size, "updated_at": time.Now()}).
		FirstOrCreate(&rec).Error
}

// Remove forgets a path and everything below it.
func (x *Index) Remove(devicePath string) error {
	p := clean(devicePath)
	if p == "/" {
		return x.db.Where("1 = 1").Delete(&KnownFile{}).Error
	}
	prefix := p + "/"
	return x.db.Where("path = ? OR substr(path, 1, ?) = ?", p, len(prefix), prefix).
		Delete(&KnownFile{}).Error
}

// Move rewrites from and its subtree to live under to.
func (x *Index) Move(from, to string) error {
	from, to = clean(from), clean(to)
	prefix := from + "/"
	return x.db.Transaction(func(tx *gorm.DB) error {
		var rows []KnownFile
		if err := tx.Where("path = ? OR substr(path, 1, ?) = ?", from, len(prefix), prefix).Find(&rows).Error; err != nil {
			return err
		}
		toPrefix := to + "/"
		if err := tx.Where("path = ? OR substr(path, 1, ?) = ?", to, len(toPrefix), toPrefix).Delete(&KnownFile{}).Error; err != nil {
			return err
		}
		for _, r := range rows {
			np := to + r.Path[len(from):]
			if err := tx.Model(&KnownFile{}).Where("id = ?", r.ID).Update("path", np).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplaceAll swaps the whole table for a fresh remote listing.
func (x *Index) ReplaceAll(nodes []remotetree.Node) error {
	return x.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&KnownFile{}).Error; err != nil {
			return err
		}
		if len(nodes) == 0 {
			return nil
		}
		rows := make([]KnownFile, 0, len(nodes))
		for _, n := range nodes {
			rows = append(rows, KnownFile{Path: clean(n.Path), IsDir: n.IsDir, Size: n.Size})
		}
		return tx.CreateInBatches(rows, 200).Error
	})
}

// List returns every known path in order as nodes.
func (x *Index) List() ([]remotetree.Node, error) {
	var rows []KnownFile
	if err := x.db.Order("path").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]remotetree.Node, len(rows))
	for i, r := range rows {
		out[i] = remotetree.Node{Path: r.Path, IsDir: r.IsDir, Size: r.Size}
	}
	return out, nil
}

// Stats returns the number of known files and their total size.
func (x *Index) Stats() (files int64, size int64, err error) {
	if err = x.db.Model(&KnownFile{}).Where("is_dir = ?", false).Count(&files).Error; err != nil {
		return 0, 0, err
	}
	err = x.db.Model(&KnownFile{}).Select("COALESCE(SUM(size), 0)").Scan(&size).Error
	return files, size, err
}
