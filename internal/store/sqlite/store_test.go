package sqlite

import (
	"testing"

	"github.com/stretchr/testify/require"

	"perpbot/internal/store"
	"perpbot/internal/store/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := NewStore(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}
