package generic

import (
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog_PassesValidation(t *testing.T) {
	// GIVEN: The built-in metadata
	// WHEN: Feeding it back through NewCatalog
	// THEN: It is accepted and covers every kind

	c, err := NewCatalog(DefaultCatalog().List())
	require.NoError(t, err)
	for _, k := range ServiceKinds() {
		info, ok := c.Lookup(k)
		assert.True(t, ok, k)
		assert.True(t, IsPractitioner(info.OwnerRole), k)
	}
}

func TestNewCatalog_Rejects(t *testing.T) {
	valid := DefaultCatalog().List()

	tests := []struct {
		name  string
		infos []ServiceInfo
	}{
		{"missing kind", valid[1:]},
		{"duplicate kind", append(append([]ServiceInfo(nil), valid...), valid[0])},
		{"unknown kind", append(append([]ServiceInfo(nil), valid...), ServiceInfo{Kind: "yoga", OwnerRole: RoleCoach})},
		{"non practitioner owner", func() []ServiceInfo {
			infos := append([]ServiceInfo(nil), valid...)
			infos[0].OwnerRole = RoleReception
			return infos
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCatalog(tt.infos)
			assert.True(t, errors.Is(err, ErrValidation), err)
		})
	}
}

func TestCatalog_ConcurrentReads(t *testing.T) {
	c := DefaultCatalog()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Len(t, c.List(), len(ServiceKinds()))
			assert.Equal(t, "Physiotherapy", c.MustLookup(ServicePhysio).DisplayName)
		}()
	}
	wg.Wait()
}
