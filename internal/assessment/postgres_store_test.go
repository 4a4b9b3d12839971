package assessment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mbd888/sessionguard/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	require.NoError(t, store.Migrate(context.Background()))

	testStore(t, store)
}
