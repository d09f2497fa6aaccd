package repo

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/go-updates-feed/internal/domain"
)

// sqlitePragmas go into the DSN so every pooled connection gets them, not
// only the first one.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
	"busy_timeout(5000)",
}

const slowQueryThreshold = 250 * time.Millisecond

// OpenSQLite opens the feed database at path with WAL, a busy timeout and the
// OpenTelemetry plugin installed. The parent directory must exist.
func OpenSQLite(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." && !isMemoryPath(path) {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	gl := log.With().Str("component", "gorm").Logger()
	db, err := gorm.Open(sqlite.Open(sqliteDSN(path)), &gorm.Config{
		Logger: logger.New(&gl, logger.Config{
			SlowThreshold:             slowQueryThreshold,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, err
	}
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if isMemoryPath(path) && !strings.Contains(path, "cache=shared") {
		// Each connection to a private in-memory database is a new database.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(10)
	}
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func sqliteDSN(path string) string {
	q := url.Values{}
	for _, p := range sqlitePragmas {
		q.Add("_pragma", p)
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + q.Encode()
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// AutoMigrate creates or updates the feed tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Update{},
		&domain.CachedAttachment{},
		&domain.SyncRun{},
		&domain.Idempotency{},
	)
}

// isUniqueViolation also matches the plain-text errors glebarez/sqlite
// returns for UNIQUE failures.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}
