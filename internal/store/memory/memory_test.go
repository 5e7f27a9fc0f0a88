package memory_test

import (
	"testing"

	"github.com/kode4food/stalwart/internal/store"
	"github.com/kode4food/stalwart/internal/store/memory"
	"github.com/kode4food/stalwart/internal/store/storetest"
)

func TestContract(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store {
		return memory.New()
	})
}
