package services

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Gopher0727/GroupChat/config"
	"github.com/Gopher0727/GroupChat/internal/repositories"
	"github.com/Gopher0727/GroupChat/internal/storage"
)

var dbSeq atomic.Int64

func openDB(t *testing.T, dir string) *gorm.DB {
	t.Helper()
	db, err := storage.OpenDatabase(&config.DatabaseConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(dir, fmt.Sprintf("chat-%d.db", dbSeq.Add(1))),
		LogLevel:   "silent",
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

type fixture struct {
	db       *gorm.DB
	users    *repositories.UserRepository
	identity *IdentityService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := openDB(t, t.TempDir())
	users := repositories.NewUserRepository(db, nil, zap.NewNop())
	return &fixture{
		db:       db,
		users:    users,
		identity: NewIdentityService(users, zap.NewNop()),
	}
}

// seqIDs 测试用的递增 ID 生成器
type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NextID() (int64, error) {
	return s.n.Add(1), nil
}
