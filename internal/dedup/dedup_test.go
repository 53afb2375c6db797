package dedup

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/mailrelay/internal/database/dbtest"
	"github.com/mixelka/mailrelay/pkg/models"
)

func TestReserveConcurrent(t *testing.T) {
	db := dbtest.New(t)
	store := New(db)
	ctx := context.Background()

	const workers = 16
	results := make([]Result, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = store.Reserve(ctx, Reservation{
				MessageID:  "race@x",
				CustomerID: 7,
				Direction:  models.DirectionInbound,
			})
		}(i)
	}
	close(start)
	wg.Wait()

	acquired := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i] == Acquired {
			acquired++
		}
	}
	assert.Equal(t, 1, acquired)
}

func TestMarkUnwhitelisted(t *testing.T) {
	db := dbtest.New(t)
	store := New(db)
	ctx := context.Background()

	seen, err := store.Seen(ctx, "u@x")
	require.NoError(t, err)
	assert.False(t, seen)

	res, err := store.MarkUnwhitelisted(ctx, Reservation{MessageID: "u@x", CustomerID: 3, Direction: models.DirectionInbound})
	require.NoError(t, err)
	assert.Equal(t, Acquired, res)

	res, err = store.MarkUnwhitelisted(ctx, Reservation{MessageID: "u@x", Direction: models.DirectionInbound})
	require.NoError(t, err)
	assert.Equal(t, AlreadyProcessed, res)

	seen, err = store.Seen(ctx, "u@x")
	require.NoError(t, err)
	assert.True(t, seen)

	rec, err := db.GetProcessed(ctx, "u@x")
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnwhitelisted, rec.Status)
}

func TestReleaseAllowsRetry(t *testing.T) {
	db := dbtest.New(t)
	store := New(db)
	ctx := context.Background()

	r := Reservation{MessageID: "f@x", CustomerID: 1, Direction: models.DirectionOutbound}
	res, err := store.Reserve(ctx, r)
	require.NoError(t, err)
	require.Equal(t, Acquired, res)

	require.NoError(t, store.Release(ctx, r.MessageID, r.CustomerID))

	res, err = store.Reserve(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, Acquired, res)
}

func TestReserveRejectsEmptyID(t *testing.T) {
	store := New(dbtest.New(t))
	_, err := store.Reserve(context.Background(), Reservation{CustomerID: 1})
	assert.Error(t, err)
}

func TestReserveIsGlobalAcrossCustomers(t *testing.T) {
	db := dbtest.New(t)
	store := New(db)
	ctx := context.Background()

	res, err := store.Reserve(ctx, Reservation{MessageID: "both@x", CustomerID: 1, Direction: models.DirectionInbound})
	require.NoError(t, err)
	require.Equal(t, Acquired, res)

	res, err = store.Reserve(ctx, Reservation{MessageID: "both@x", CustomerID: 2, Direction: models.DirectionOutbound})
	require.NoError(t, err)
	assert.Equal(t, AlreadyProcessed, res)

	rec, err := db.GetProcessed(ctx, "both@x")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.CustomerID)
}
