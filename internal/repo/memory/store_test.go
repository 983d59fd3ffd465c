package memory

import (
	"testing"

	"github.com/animus-labs/blockflow/internal/repo"
	"github.com/animus-labs/blockflow/internal/repo/repotest"
)

func TestStoreContract(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repo.Store {
		return New()
	})
}
