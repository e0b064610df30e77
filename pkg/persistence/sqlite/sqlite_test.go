package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhirgrid/fhirstore/cmd/fhirstore/helper"
	"github.com/fhirgrid/fhirstore/pkg/persistence"
)

func newTestConnection(t *testing.T) *Connection {
	helper.InitTestLogging()
	conn, err := Connect(":memory:")
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	require.NoError(t, conn.Migrate(context.Background()))
	return conn
}

func insertVersion(t *testing.T, c *Connection, typeID int32, logicalID string, version int32, deleted bool, at time.Time) *persistence.InsertResult {
	t.Helper()
	var result *persistence.InsertResult
	err := c.RunInTx(context.Background(), func(ctx context.Context, tx persistence.Tx) error {
		var err error
		result, err = tx.InsertResourceVersion(ctx, persistence.InsertRequest{
			ResourceTypeID: typeID,
			LogicalID:      logicalID,
			VersionID:      version,
			LastUpdated:    at,
			Deleted:        deleted,
			Payload:        []byte(fmt.Sprintf(`{"v":%d}`, version)),
			VersionToken:   fmt.Sprintf("tok-%s-%d", logicalID, version),
			ParameterHash:  []byte{byte(version)},
		})
		return err
	})
	require.NoError(t, err)
	return result
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	c := newTestConnection(t)

	t.Run("get or create converges", func(t *testing.T) {
		id1, err := c.GetOrCreateResourceTypeID(ctx, "Patient")
		require.NoError(t, err)
		id2, err := c.GetOrCreateResourceTypeID(ctx, "Patient")
		require.NoError(t, err)
		assert.Equal(t, id1, id2)
	})

	t.Run("read of absent name is not an error", func(t *testing.T) {
		_, found, err := c.ReadResourceTypeID(ctx, "Nope")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("read all includes created types", func(t *testing.T) {
		_, err := c.GetOrCreateResourceTypeID(ctx, "Observation")
		require.NoError(t, err)
		all, err := c.ReadAllResourceTypes(ctx)
		require.NoError(t, err)
		assert.Contains(t, all, "Patient")
		assert.Contains(t, all, "Observation")
	})

	t.Run("parameter names and code systems", func(t *testing.T) {
		p1, err := c.AcquireParameterNameID(ctx, "status")
		require.NoError(t, err)
		p2, err := c.AcquireParameterNameID(ctx, "status")
		require.NoError(t, err)
		assert.Equal(t, p1, p2)

		cs, err := c.ReadOrAddCodeSystemID(ctx, "http://loinc.org")
		require.NoError(t, err)
		assert.NotZero(t, cs)
	})
}

func TestTokenInterning(t *testing.T) {
	ctx := context.Background()
	c := newTestConnection(t)

	cs, err := c.ReadOrAddCodeSystemID(ctx, "http://loinc.org")
	require.NoError(t, err)

	keys := []persistence.TokenKey{
		{CodeSystemID: cs, TokenValue: "1234-5"},
		{CodeSystemID: cs, TokenValue: "6789-0"},
	}

	var firstPass []persistence.ResolvedToken
	err = c.RunInTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		if err := tx.UpsertCommonTokenValues(ctx, keys); err != nil {
			return err
		}
		var err error
		firstPass, err = tx.ReadCommonTokenValueIDs(ctx, keys)
		return err
	})
	require.NoError(t, err)
	require.Len(t, firstPass, 2)

	// A repeated upsert must not mint new ids.
	err = c.RunInTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		return tx.UpsertCommonTokenValues(ctx, keys)
	})
	require.NoError(t, err)

	secondPass, err := c.ReadCommonTokenValueIDs(ctx, keys)
	require.NoError(t, err)
	assert.ElementsMatch(t, firstPass, secondPass)
}

func TestResourceLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newTestConnection(t)

	typeID, err := c.GetOrCreateResourceTypeID(ctx, "Patient")
	require.NoError(t, err)

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	r1 := insertVersion(t, c, typeID, "p1", 1, false, base)
	assert.Nil(t, r1.PreviousParameterHash)
	r2 := insertVersion(t, c, typeID, "p1", 2, false, base.Add(time.Minute))
	assert.Equal(t, []byte{1}, r2.PreviousParameterHash)
	insertVersion(t, c, typeID, "p1", 3, true, base.Add(2*time.Minute))

	t.Run("current read returns the tombstone", func(t *testing.T) {
		res, err := c.ReadResource(ctx, typeID, "p1", 0)
		require.NoError(t, err)
		assert.True(t, res.Deleted)
		assert.Equal(t, int32(3), res.VersionID)
	})

	t.Run("vread of a historical version", func(t *testing.T) {
		res, err := c.ReadResource(ctx, typeID, "p1", 1)
		require.NoError(t, err)
		assert.False(t, res.Deleted)
		assert.Equal(t, []byte(`{"v":1}`), res.Payload)
		assert.True(t, res.LastUpdated.Equal(base))
	})

	t.Run("vread of a missing version is ErrNotFound", func(t *testing.T) {
		_, err := c.ReadResource(ctx, typeID, "p1", 9)
		assert.ErrorIs(t, err, persistence.ErrNotFound)
	})

	t.Run("history is newest first", func(t *testing.T) {
		versions, err := c.History(ctx, typeID, "p1", 0, 0)
		require.NoError(t, err)
		require.Len(t, versions, 3)
		assert.Equal(t, int32(3), versions[0].VersionID)
		assert.Equal(t, int32(1), versions[2].VersionID)
	})

	t.Run("history pages with count and offset", func(t *testing.T) {
		versions, err := c.History(ctx, typeID, "p1", 1, 1)
		require.NoError(t, err)
		require.Len(t, versions, 1)
		assert.Equal(t, int32(2), versions[0].VersionID)
	})

	t.Run("stale write is a version conflict", func(t *testing.T) {
		err := c.RunInTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
			_, err := tx.InsertResourceVersion(ctx, persistence.InsertRequest{
				ResourceTypeID: typeID,
				LogicalID:      "p1",
				VersionID:      3,
				LastUpdated:    base.Add(3 * time.Minute),
			})
			return err
		})
		assert.ErrorIs(t, err, persistence.ErrVersionConflict)
	})

	t.Run("rolled back writes leave no trace", func(t *testing.T) {
		sentinel := fmt.Errorf("boom")
		err := c.RunInTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
			_, err := tx.InsertResourceVersion(ctx, persistence.InsertRequest{
				ResourceTypeID: typeID,
				LogicalID:      "p1",
				VersionID:      4,
				LastUpdated:    base.Add(3 * time.Minute),
			})
			require.NoError(t, err)
			return sentinel
		})
		assert.ErrorIs(t, err, sentinel)

		res, err := c.ReadResource(ctx, typeID, "p1", 0)
		require.NoError(t, err)
		assert.Equal(t, int32(3), res.VersionID)
	})
}

func TestChangeLog(t *testing.T) {
	ctx := context.Background()
	c := newTestConnection(t)

	typeID, err := c.GetOrCreateResourceTypeID(ctx, "Patient")
	require.NoError(t, err)
	otherID, err := c.GetOrCreateResourceTypeID(ctx, "Observation")
	require.NoError(t, err)

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	insertVersion(t, c, typeID, "p1", 1, false, base)
	insertVersion(t, c, typeID, "p1", 2, false, base.Add(time.Minute))
	insertVersion(t, c, otherID, "o1", 1, false, base.Add(2*time.Minute))
	insertVersion(t, c, typeID, "p1", 3, true, base.Add(3*time.Minute))

	t.Run("append order with change types", func(t *testing.T) {
		records, err := c.Changes(ctx, persistence.ChangesRequest{Count: 10})
		require.NoError(t, err)
		require.Len(t, records, 4)
		assert.Equal(t, persistence.ChangeCreate, records[0].ChangeType)
		assert.Equal(t, persistence.ChangeUpdate, records[1].ChangeType)
		assert.Equal(t, "Observation", records[2].TypeName)
		assert.Equal(t, persistence.ChangeDelete, records[3].ChangeType)
	})

	t.Run("keyset pagination resumes after the cursor", func(t *testing.T) {
		page1, err := c.Changes(ctx, persistence.ChangesRequest{Count: 2})
		require.NoError(t, err)
		require.Len(t, page1, 2)

		page2, err := c.Changes(ctx, persistence.ChangesRequest{Count: 10, AfterChangeID: page1[1].ChangeID})
		require.NoError(t, err)
		require.Len(t, page2, 2)
		assert.Greater(t, page2[0].ChangeID, page1[1].ChangeID)
	})

	t.Run("type filter", func(t *testing.T) {
		records, err := c.Changes(ctx, persistence.ChangesRequest{Count: 10, ResourceTypeID: otherID})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "o1", records[0].LogicalID)
	})

	t.Run("time window excludes the open tail", func(t *testing.T) {
		before := base.Add(3 * time.Minute)
		records, err := c.Changes(ctx, persistence.ChangesRequest{Count: 10, BeforeLastModified: &before})
		require.NoError(t, err)
		assert.Len(t, records, 3)
	})
}

func TestReindexCursor(t *testing.T) {
	ctx := context.Background()
	c := newTestConnection(t)

	typeID, err := c.GetOrCreateResourceTypeID(ctx, "Patient")
	require.NoError(t, err)

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	r1 := insertVersion(t, c, typeID, "p1", 1, false, base)
	r2 := insertVersion(t, c, typeID, "p2", 1, false, base)

	cutoff := base.Add(time.Hour)

	t.Run("fresh rows are candidates", func(t *testing.T) {
		ids, err := c.RetrieveIndex(ctx, persistence.RetrieveIndexRequest{Count: 10, NotModifiedAfter: cutoff})
		require.NoError(t, err)
		assert.Equal(t, []int64{r1.LogicalResourceID, r2.LogicalResourceID}, ids)
	})

	t.Run("cursor pages by index id", func(t *testing.T) {
		ids, err := c.RetrieveIndex(ctx, persistence.RetrieveIndexRequest{
			Count: 10, NotModifiedAfter: cutoff, AfterIndexID: r1.LogicalResourceID,
		})
		require.NoError(t, err)
		assert.Equal(t, []int64{r2.LogicalResourceID}, ids)
	})

	t.Run("reindex read carries the type name", func(t *testing.T) {
		err := c.RunInTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
			res, err := tx.ReadResourceForReindex(ctx, r1.LogicalResourceID)
			if err != nil {
				return err
			}
			assert.Equal(t, "Patient", res.TypeName)
			assert.Equal(t, "p1", res.LogicalID)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("stamping moves rows out of the window", func(t *testing.T) {
		err := c.RunInTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
			n, err := tx.UpdateReindexTstamp(ctx, []int64{r1.LogicalResourceID}, cutoff)
			assert.Equal(t, 1, n)
			return err
		})
		require.NoError(t, err)

		ids, err := c.RetrieveIndex(ctx, persistence.RetrieveIndexRequest{Count: 10, NotModifiedAfter: cutoff})
		require.NoError(t, err)
		assert.Equal(t, []int64{r2.LogicalResourceID}, ids)
	})
}

func TestReindexCursorDrain(t *testing.T) {
	ctx := context.Background()
	c := newTestConnection(t)

	typeID, err := c.GetOrCreateResourceTypeID(ctx, "Patient")
	require.NoError(t, err)

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	var seeded []int64
	for i := 1; i <= 5; i++ {
		r := insertVersion(t, c, typeID, fmt.Sprintf("p%d", i), 1, false, base)
		seeded = append(seeded, r.LogicalResourceID)
	}
	cutoff := base.Add(time.Hour)

	t.Run("cursor walk serves every id exactly once", func(t *testing.T) {
		var walked []int64
		after := int64(0)
		for {
			ids, err := c.RetrieveIndex(ctx, persistence.RetrieveIndexRequest{
				Count: 1, NotModifiedAfter: cutoff, AfterIndexID: after,
			})
			require.NoError(t, err)
			if len(ids) == 0 {
				break
			}
			walked = append(walked, ids...)
			after = ids[len(ids)-1]
		}
		assert.Equal(t, seeded, walked)
	})

	t.Run("stamped batches drain to an empty page", func(t *testing.T) {
		calls := 0
		for {
			calls++
			ids, err := c.RetrieveIndex(ctx, persistence.RetrieveIndexRequest{Count: 3, NotModifiedAfter: cutoff})
			require.NoError(t, err)
			if len(ids) == 0 {
				break
			}
			err = c.RunInTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
				n, err := tx.UpdateReindexTstamp(ctx, ids, cutoff)
				assert.Equal(t, len(ids), n)
				return err
			})
			require.NoError(t, err)
		}
		// Two pages of work, then the empty page that ends the sweep.
		assert.Equal(t, 3, calls)
	})
}

func TestFetchPayloads(t *testing.T) {
	ctx := context.Background()
	c := newTestConnection(t)

	typeID, err := c.GetOrCreateResourceTypeID(ctx, "Patient")
	require.NoError(t, err)

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	insertVersion(t, c, typeID, "p1", 1, false, base)
	insertVersion(t, c, typeID, "p2", 1, false, base.Add(time.Minute))
	insertVersion(t, c, typeID, "p3", 1, false, base.Add(2*time.Minute))

	t.Run("range is half open", func(t *testing.T) {
		var seen []string
		marker, err := c.FetchPayloads(ctx, typeID, base, base.Add(2*time.Minute), func(res *persistence.Resource) (bool, error) {
			seen = append(seen, res.LogicalID)
			return true, nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"p1", "p2"}, seen)
		assert.True(t, marker.Equal(base.Add(time.Minute)))
	})

	t.Run("callback can stop early", func(t *testing.T) {
		var seen []string
		marker, err := c.FetchPayloads(ctx, typeID, base, base.Add(time.Hour), func(res *persistence.Resource) (bool, error) {
			seen = append(seen, res.LogicalID)
			return false, nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"p1"}, seen)
		assert.True(t, marker.Equal(base))
	})
}

func TestErase(t *testing.T) {
	ctx := context.Background()
	c := newTestConnection(t)

	typeID, err := c.GetOrCreateResourceTypeID(ctx, "Patient")
	require.NoError(t, err)

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	insertVersion(t, c, typeID, "p1", 1, false, base)
	insertVersion(t, c, typeID, "p1", 2, false, base.Add(time.Minute))
	insertVersion(t, c, typeID, "p1", 3, false, base.Add(2*time.Minute))

	t.Run("current version cannot be erased alone", func(t *testing.T) {
		_, err := c.Erase(ctx, persistence.EraseRequest{ResourceTypeID: typeID, TypeName: "Patient", LogicalID: "p1", VersionID: 3})
		assert.Error(t, err)
	})

	t.Run("single historical version", func(t *testing.T) {
		outcome, err := c.Erase(ctx, persistence.EraseRequest{ResourceTypeID: typeID, TypeName: "Patient", LogicalID: "p1", VersionID: 1})
		require.NoError(t, err)
		assert.Equal(t, 1, outcome.VersionsRemoved)
		assert.True(t, outcome.Partial)

		_, err = c.ReadResource(ctx, typeID, "p1", 1)
		assert.ErrorIs(t, err, persistence.ErrNotFound)
		_, err = c.ReadResource(ctx, typeID, "p1", 0)
		assert.NoError(t, err)
	})

	t.Run("erasing a missing version is ErrNotFound", func(t *testing.T) {
		_, err := c.Erase(ctx, persistence.EraseRequest{ResourceTypeID: typeID, TypeName: "Patient", LogicalID: "p1", VersionID: 1})
		assert.ErrorIs(t, err, persistence.ErrNotFound)
	})

	t.Run("whole resource", func(t *testing.T) {
		outcome, err := c.Erase(ctx, persistence.EraseRequest{ResourceTypeID: typeID, TypeName: "Patient", LogicalID: "p1"})
		require.NoError(t, err)
		assert.Equal(t, 2, outcome.VersionsRemoved)
		assert.False(t, outcome.Partial)

		_, err = c.ReadResource(ctx, typeID, "p1", 0)
		assert.ErrorIs(t, err, persistence.ErrNotFound)
	})

	t.Run("erasing a missing resource is ErrNotFound", func(t *testing.T) {
		_, err := c.Erase(ctx, persistence.EraseRequest{ResourceTypeID: typeID, TypeName: "Patient", LogicalID: "p1"})
		assert.ErrorIs(t, err, persistence.ErrNotFound)
	})
}
