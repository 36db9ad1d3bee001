package rowsec

import (
	"testing"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/common"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func predFor(t *testing.T, s *principal.Scope) principal.Predicate {
	t.Helper()
	p, err := s.Predicate()
	require.NoError(t, err)
	return p
}

func TestArgs(t *testing.T) {
	_, _, err := Args(principal.Predicate{})
	assert.ErrorIs(t, err, common.ErrNoPrincipal)

	user, err := principal.Bind(principal.Principal{ID: "u-1"})
	require.NoError(t, err)
	owner, all, err := Args(predFor(t, user))
	require.NoError(t, err)
	assert.Equal(t, "u-1", owner)
	assert.False(t, all)

	owner, all, err = Args(predFor(t, principal.BindSystem("test")))
	require.NoError(t, err)
	assert.Empty(t, owner)
	assert.True(t, all)
}

func TestRequireUnrestricted(t *testing.T) {
	user, err := principal.Bind(principal.Principal{ID: "u-1"})
	require.NoError(t, err)

	assert.ErrorIs(t, RequireUnrestricted(principal.Predicate{}), common.ErrUnauthenticated)
	assert.ErrorIs(t, RequireUnrestricted(predFor(t, user)), common.ErrAccessDenied)
	assert.NoError(t, RequireUnrestricted(predFor(t, principal.BindSystem("test"))))
}

func TestCheckWrite(t *testing.T) {
	user, err := principal.Bind(principal.Principal{ID: "u-1"})
	require.NoError(t, err)
	pred := predFor(t, user)

	assert.NoError(t, CheckWrite(pred, "u-1"))
	assert.ErrorIs(t, CheckWrite(pred, "u-2"), common.ErrOwnershipMismatch)
	assert.ErrorIs(t, CheckWrite(principal.Predicate{}, "u-1"), common.ErrNoPrincipal)
}
