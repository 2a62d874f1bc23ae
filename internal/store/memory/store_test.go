package memory

import (
	"testing"

	"perpbot/internal/store"
	"perpbot/internal/store/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return NewStore() })
}
