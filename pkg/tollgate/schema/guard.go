// Package schema keeps the request audit table present and discoverable at
// runtime. The audit log is written on every customer request, so a table
// dropped or altered by an operator is repaired rather than failing writes
// forever.
package schema

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mikepea/tollgate/pkg/tollgate/models"
)

// requiredColumns are never omitted from an insert; a log row without them
// is useless.
var requiredColumns = map[string]bool{
	"id":         true,
	"created_at": true,
	"api_key_id": true,
}

// Guard caches which request_logs columns exist.
type Guard struct {
	db     *gorm.DB
	logger *zap.Logger

	mu      sync.RWMutex
	ensured bool
	columns map[string]bool
}

// New creates a Guard. Ensure runs lazily on the first insert.
func New(db *gorm.DB, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{db: db, logger: logger.Named("schema")}
}

// Ensure creates request_logs when missing, adds missing columns and caches
// the columns that exist afterwards. It is a no-op once ensured until
// Invalidate is called.
func (g *Guard) Ensure(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ensured {
		return nil
	}

	db := g.db.WithContext(ctx)
	m := db.Migrator()
	if !m.HasTable(&models.RequestLog{}) {
		g.logger.Warn("request_logs table missing, creating it")
		if err := m.CreateTable(&models.RequestLog{}); err != nil {
			return fmt.Errorf("create request_logs: %w", err)
		}
	} else {
		stmt := &gorm.Statement{DB: db}
		if err := stmt.Parse(&models.RequestLog{}); err != nil {
			return fmt.Errorf("parse request log schema: %w", err)
		}
		for _, field := range stmt.Schema.Fields {
			if field.DBName == "" || m.HasColumn(&models.RequestLog{}, field.DBName) {
				continue
			}
			if err := m.AddColumn(&models.RequestLog{}, field.Name); err != nil {
				// Keep going; the column is left out of inserts instead.
				g.logger.Warn("failed to add request_logs column",
					zap.String("column", field.DBName), zap.Error(err))
				continue
			}
			g.logger.Info("added request_logs column", zap.String("column", field.DBName))
		}
	}

	types, err := m.ColumnTypes(&models.RequestLog{})
	if err != nil {
		return fmt.Errorf("discover request_logs columns: %w", err)
	}
	columns := make(map[string]bool, len(types))
	for _, ct := range types {
		columns[ct.Name()] = true
	}
	g.columns = columns
	g.ensured = true
	return nil
}

// HasColumn reports whether the last Ensure found column name.
func (g *Guard) HasColumn(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.columns[name]
}

// Invalidate forgets the cached shape so the next Ensure checks again.
func (g *Guard) Invalidate() {
	g.mu.Lock()
	g.ensured = false
	g.columns = nil
	g.mu.Unlock()
}

// InsertLog appends entry, leaving out optional columns the table does not
// have. A failed insert invalidates the cache, repairs the table and retries
// once.
func (g *Guard) InsertLog(ctx context.Context, entry *models.RequestLog) error {
	err := g.insert(ctx, entry)
	if err == nil {
		return nil
	}
	g.logger.Warn("request log insert failed, re-checking schema", zap.Error(err))
	g.Invalidate()
	entry.ID = 0
	if retryErr := g.insert(ctx, entry); retryErr != nil {
		return fmt.Errorf("insert request log: %w", retryErr)
	}
	return nil
}

func (g *Guard) insert(ctx context.Context, entry *models.RequestLog) error {
	if err := g.Ensure(ctx); err != nil {
		return err
	}
	return g.db.WithContext(ctx).Omit(g.missing()...).Create(entry).Error
}

func (g *Guard) missing() []string {
	stmt := &gorm.Statement{DB: g.db}
	if err := stmt.Parse(&models.RequestLog{}); err != nil {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	var omit []string
	for _, dbName := range stmt.Schema.DBNames {
		if !requiredColumns[dbName] && !g.columns[dbName] {
			omit = append(omit, dbName)
		}
	}
	return omit
}
