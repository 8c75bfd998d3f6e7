//go:build integration

package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attendguard/attendguard/internal/testutil"
)

func TestPostgresDirectory(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `INSERT INTO users (id, name, email) VALUES ($1, $2, $3)`,
		"stu-1", "Meera Iyer", "meera@college.edu")
	require.NoError(t, err)

	d := NewPostgresDirectory(db)
	u, err := d.FindUserByID(ctx, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, "Meera Iyer", u.Name)
	assert.Equal(t, "meera@college.edu", u.Label())

	_, err = d.FindUserByID(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}
