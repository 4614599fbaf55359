package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgeline/scorecard-engine/entity"
	"github.com/ridgeline/scorecard-engine/identity"
	"github.com/ridgeline/scorecard-engine/store/memory"
)

func TestSaveHousehold_RejectsKeyConflict(t *testing.T) {
	// GIVEN: A household holding the (agency, key) slot
	// WHEN: A different household tries to save under the same key
	// THEN: The second writer gets ErrDuplicateKey; updates to the holder
	//       itself still go through

	s := memory.New()
	ctx := context.Background()

	first := &entity.Household{
		ID:       "h-1",
		AgencyID: "agency-1",
		Key:      identity.NewKey("Smith", "Jane", "60601"),
		Status:   entity.StatusLead,
	}
	require.NoError(t, s.SaveHousehold(ctx, first))

	second := &entity.Household{
		ID:       "h-2",
		AgencyID: "agency-1",
		Key:      first.Key,
		Status:   entity.StatusLead,
	}
	assert.ErrorIs(t, s.SaveHousehold(ctx, second), entity.ErrDuplicateKey)

	first.Status = entity.StatusQuoted
	require.NoError(t, s.SaveHousehold(ctx, first))

	stored, err := s.GetHousehold(ctx, "agency-1", "h-1")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusQuoted, stored.Status)
}

func TestSaveHousehold_SameKeyDifferentAgencies(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	key := identity.NewKey("Smith", "Jane", "60601")

	require.NoError(t, s.SaveHousehold(ctx, &entity.Household{ID: "h-1", AgencyID: "agency-1", Key: key, Status: entity.StatusLead}))
	require.NoError(t, s.SaveHousehold(ctx, &entity.Household{ID: "h-2", AgencyID: "agency-2", Key: key, Status: entity.StatusLead}))
}

func TestSaveHousehold_KeyChangeFreesOldSlot(t *testing.T) {
	// Attaching a zip during review moves the household to a new key; the
	// sentinel slot it held must open up again.
	s := memory.New()
	ctx := context.Background()

	h := &entity.Household{
		ID:       "h-1",
		AgencyID: "agency-1",
		Key:      identity.NewKey("Smith", "Jane", ""),
		Status:   entity.StatusLead,
	}
	require.NoError(t, s.SaveHousehold(ctx, h))

	h.Key = identity.NewKey("Smith", "Jane", "60601")
	require.NoError(t, s.SaveHousehold(ctx, h))

	other := &entity.Household{
		ID:       "h-2",
		AgencyID: "agency-1",
		Key:      identity.NewKey("Smith", "Jane", ""),
		Status:   entity.StatusLead,
	}
	require.NoError(t, s.SaveHousehold(ctx, other))
}
