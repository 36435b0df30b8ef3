package database

import (
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ManuelReschke/SlotBilling/app/models"
	"github.com/ManuelReschke/SlotBilling/internal/pkg/env"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

// DB is the process-wide connection pool.
var DB *gorm.DB

// GetDB returns the shared connection, or nil before SetupDatabase ran.
func GetDB() *gorm.DB {
	return DB
}

// Config returns the GORM config every connection in this service uses.
// TranslateError maps driver-specific unique violations onto
// gorm.ErrDuplicatedKey, which the ledger and the allocator rely on.
func Config() *gorm.Config {
	return &gorm.Config{TranslateError: true}
}

// Models lists every table owned by this service.
func Models() []interface{} {
	return []interface{}{
		&models.Order{},
		&models.CheckoutSessionCorrelation{},
		&models.Product{},
		&models.Booking{},
		&models.DunningCase{},
		&models.ProcessedEvent{},
		&models.ReviewItem{},
	}
}

// Migrate creates or updates the schema for all models.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

func dialector() (gorm.Dialector, error) {
	driver := strings.ToLower(strings.TrimSpace(env.GetEnv("DB_DRIVER", "mysql")))
	switch driver {
	case "mysql":
		// "user:pass@tcp(127.0.0.1:3306)/dbname?charset=utf8mb4&parseTime=True&loc=UTC"
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			env.GetEnv("DB_USER", ""),
			env.GetEnv("DB_PASSWORD", ""),
			env.GetEnv("DB_HOST", "127.0.0.1"),
			env.GetEnv("DB_PORT", "3306"),
			env.GetEnv("DB_NAME", ""),
		)
		return mysql.New(mysql.Config{
			DSN:                       dsn,
			DefaultStringSize:         256,
			DontSupportRenameIndex:    true,
			DontSupportRenameColumn:   true,
			SkipInitializeWithVersion: false,
		}), nil
	case "postgres":
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			env.GetEnv("DB_HOST", "127.0.0.1"),
			env.GetEnv("DB_USER", ""),
			env.GetEnv("DB_PASSWORD", ""),
			env.GetEnv("DB_NAME", ""),
			env.GetEnv("DB_PORT", "5432"),
			env.GetEnv("DB_SSLMODE", "disable"),
		)
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", driver)
	}
}

func SetupDatabase() {
	dial, err := dialector()
	if err != nil {
		panic(err)
	}

	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(dial, Config())
		if err == nil {
			if env.GetEnvBool("DB_AUTO_MIGRATE", true) {
				if err = Migrate(DB); err != nil {
					panic(fmt.Errorf("auto-migrate failed: %w", err))
				}
			}
			return
		}

		log.Printf("Failed to connect to database (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			log.Printf("Retrying in %v...", retryDelay)
			time.Sleep(retryDelay)
		}
	}

	if err != nil {
		panic(err)
	}
}
