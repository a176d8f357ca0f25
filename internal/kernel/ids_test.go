package kernel

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mkernel/internal/tenant"
	"github.com/roach88/mkernel/internal/testutil"
)

func testTenant(name string) tenant.Context {
	return testutil.Tenant(name)
}

func TestUUIDv7Generator(t *testing.T) {
	gen := UUIDv7Generator{}
	a, b := gen.NewID(), gen.NewID()
	assert.NotEqual(t, a, b)

	parsed, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
	assert.Less(t, a, b, "v7 ids sort by creation time")
}

func TestSequenceGenerator(t *testing.T) {
	gen := NewSequenceGenerator("")
	assert.Equal(t, "id-000001", gen.NewID())
	assert.Equal(t, "id-000002", gen.NewID())

	gen = NewSequenceGenerator("mut")
	assert.Equal(t, "mut-000001", gen.NewID())
}

func TestRequestHash_IgnoresPresentationFields(t *testing.T) {
	base := Intent{Action: ActionUpdate, EntityType: "item", EntityID: "a"}
	h1, err := base.RequestHash()
	require.NoError(t, err)

	base.Reason = "typo fix"
	base.RequestID = "req-9"
	h2, err := base.RequestHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
