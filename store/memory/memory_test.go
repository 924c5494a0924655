package memory_test

import (
	"testing"

	"github.com/MrEthical07/goRefresh/store"
	"github.com/MrEthical07/goRefresh/store/memory"
	"github.com/MrEthical07/goRefresh/store/storetest"
)

func TestMemoryConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) (store.TokenStore, store.VersionCounter) {
		return memory.NewStore(), memory.NewVersions()
	})
}
