// Package dbtest provides migrated throwaway databases for tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mixelka/mailrelay/internal/database"
	"github.com/mixelka/mailrelay/pkg/models"
)

// New opens a migrated database in the test's temp dir
func New(t testing.TB) *database.DB {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Migrate(context.Background()))
	return db
}

// Customer creates a customer owning the given addresses
func Customer(t testing.TB, db *database.DB, name string, addresses ...string) *models.Customer {
	t.Helper()
	ctx := context.Background()

	c := &models.Customer{Name: name, Slug: name}
	require.NoError(t, db.CreateCustomer(ctx, c))
	for _, addr := range addresses {
		require.NoError(t, db.AddWhitelistEntry(ctx, &models.WhitelistEntry{Address: addr, CustomerID: c.ID}))
	}
	return c
}
