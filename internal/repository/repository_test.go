package repository

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/graphdoc/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "graphdoc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestKB(t *testing.T, db *DB, name string) *domain.KnowledgeBase {
	t.Helper()
	kb := &domain.KnowledgeBase{Name: name, Workspace: "/tmp/" + name}
	require.NoError(t, NewKBRepository(db).Create(kb))
	return kb
}
