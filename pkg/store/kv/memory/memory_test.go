package memory

import (
	"testing"

	"github.com/mushuanli/itookit-sub011/pkg/store/kv"
	kvtesting "github.com/mushuanli/itookit-sub011/pkg/store/kv/testing"
)

func TestMemoryStore(t *testing.T) {
	suite := &kvtesting.StoreTestSuite{
		NewStore: func(t *testing.T) kv.DB {
			return New()
		},
	}
	suite.Run(t)
}
