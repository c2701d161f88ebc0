package memory

import (
	"testing"

	"github.com/restakefi/keyguard/storage"
	"github.com/restakefi/keyguard/storage/storagetest"
)

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		return NewStore()
	})
}
