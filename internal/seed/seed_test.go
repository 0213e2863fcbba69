package seed

import (
	"context"
	"testing"

	"github.com/0097eo/cafe-zuko/internal/model"
	"github.com/0097eo/cafe-zuko/internal/testutil"
	"github.com/0097eo/cafe-zuko/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func TestRunIsIdempotent(t *testing.T) {
	db := testutil.NewDB(t)
	cfg := config.SeedConfig{
		AdminUsername: "admin",
		AdminEmail:    "admin@cafezuko.test",
		AdminPassword: "changeme",
		Categories:    []string{"Whole Bean", " Ground ", ""},
	}

	require.NoError(t, Run(context.Background(), db, cfg, zap.NewNop()))
	require.NoError(t, Run(context.Background(), db, cfg, zap.NewNop()))

	var users []model.User
	require.NoError(t, db.Find(&users).Error)
	require.Len(t, users, 1)
	assert.True(t, users[0].IsStaff)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(users[0].Password), []byte("changeme")))

	var names []string
	require.NoError(t, db.Model(&model.Category{}).Order("name").Pluck("name", &names).Error)
	assert.Equal(t, []string{"Ground", "Whole Bean"}, names)
}

func TestRunRequiresAdminPassword(t *testing.T) {
	db := testutil.NewDB(t)
	err := Run(context.Background(), db, config.SeedConfig{AdminUsername: "admin"}, zap.NewNop())
	assert.Error(t, err)
}
