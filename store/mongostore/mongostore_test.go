package mongostore_test

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agrilink/commission-engine/commission"
	"github.com/agrilink/commission-engine/commission/storetest"
	"github.com/agrilink/commission-engine/store/mongostore"
)

var dbSeq atomic.Int64

// These tests need a live server: MONGO_URI=mongodb://localhost:27017.
// MONGO_REPLICA_SET=1 additionally runs the suite against TxStore.
func TestMongo_Conformance(t *testing.T) {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set")
	}

	ctx := context.Background()
	client, err := mongostore.Connect(ctx, uri)
	require.NoError(t, err)
	t.Cleanup(func() { client.Disconnect(context.Background()) })

	fresh := func(t *testing.T) string {
		name := fmt.Sprintf("commission_test_%d_%d", time.Now().UnixNano(), dbSeq.Add(1))
		t.Cleanup(func() { client.Database(name).Drop(context.Background()) })
		return name
	}

	t.Run("Store", func(t *testing.T) {
		storetest.Run(t, func(t *testing.T) commission.Store {
			s := mongostore.New(client.Database(fresh(t)))
			require.NoError(t, s.EnsureIndexes(ctx))
			return s
		})
	})

	if os.Getenv("MONGO_REPLICA_SET") == "" {
		return
	}
	t.Run("TxStore", func(t *testing.T) {
		storetest.Run(t, func(t *testing.T) commission.Store {
			s := mongostore.NewTx(client, client.Database(fresh(t)))
			require.NoError(t, s.EnsureIndexes(ctx))
			return s
		})
	})
}
