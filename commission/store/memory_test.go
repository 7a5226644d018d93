package store_test

import (
	"testing"

	"github.com/agrilink/commission-engine/commission"
	"github.com/agrilink/commission-engine/commission/store"
	"github.com/agrilink/commission-engine/commission/storetest"
)

func TestMemory_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) commission.Store {
		return store.NewMemory()
	})
}

func TestTxMemory_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) commission.Store {
		return store.NewTxMemory()
	})
}
