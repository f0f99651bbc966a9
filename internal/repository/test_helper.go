package repository

import (
	"testing"
	"time"

	"github.com/nimasrn/message-blast/pkg/pg"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type TestDB struct {
	*pg.DB
	Raw *gorm.DB
}

// SetupTestDB opens a private in-memory sqlite database with the blast
// schema. It is used by this package and by the packages built on top of it.
func SetupTestDB(t testing.TB) *TestDB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	// every pooled connection to ":memory:" would be a different database
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	err = db.AutoMigrate(&BlastEntity{}, &TargetEntity{})
	require.NoError(t, err)

	return &TestDB{
		DB:  pg.New(db, db),
		Raw: db,
	}
}
