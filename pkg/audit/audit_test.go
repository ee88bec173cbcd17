package audit

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

func testTrail(t *testing.T) (*Trail, string) {
	t.Helper()
	dir := t.TempDir()
	trail := NewTrail(dir)
	trail.SetClock(func() time.Time { return testNow })
	return trail, dir
}

func TestTrail_AppendAndRead(t *testing.T) {
	trail, _ := testTrail(t)

	require.NoError(t, trail.Append(Entry{
		RunID:             "run-1",
		Action:            "import-reference",
		EntityType:        EntityReference,
		EntityID:          "ref-1",
		ValidationOutcome: OutcomeAccepted,
		After:             Snapshot(map[string]string{"id": "ref-1"}),
	}))
	require.NoError(t, trail.Append(Entry{
		RunID:             "run-1",
		Action:            "grow-node",
		EntityType:        EntityNode,
		EntityID:          "cand-2",
		ValidationOutcome: OutcomeSkippedDuplicate,
		Reason:            "node-duplicate:exact-name:n1",
	}))

	t.Run("entries land in today's partition", func(t *testing.T) {
		entries, err := trail.Today()
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, OutcomeAccepted, entries[0].ValidationOutcome)
		assert.Equal(t, "2026-08-28", entries[0].PartitionDate())
	})

	t.Run("timestamp stamped on append", func(t *testing.T) {
		entries, err := trail.ReadDate("2026-08-28")
		require.NoError(t, err)
		require.NotEmpty(t, entries)
		assert.Equal(t, testNow, entries[0].Timestamp)
	})

	t.Run("explicit timestamp preserved", func(t *testing.T) {
		earlier := testNow.Add(-48 * time.Hour)
		require.NoError(t, trail.Append(Entry{
			Action:            "import-reference",
			EntityType:        EntityReference,
			EntityID:          "ref-old",
			ValidationOutcome: OutcomeRejected,
			Timestamp:         earlier,
		}))
		entries, err := trail.ReadDate("2026-08-26")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "ref-old", entries[0].EntityID)
	})

	t.Run("dates list partitions ascending", func(t *testing.T) {
		dates, err := trail.Dates()
		require.NoError(t, err)
		assert.Equal(t, []string{"2026-08-26", "2026-08-28"}, dates)
	})
}

func TestTrail_LenientReads(t *testing.T) {
	t.Run("missing partition reads empty", func(t *testing.T) {
		trail, _ := testTrail(t)
		entries, err := trail.ReadDate("1999-01-01")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("corrupt partition reads empty", func(t *testing.T) {
		trail, dir := testTrail(t)
		require.NoError(t, trail.Append(Entry{
			Action: "import-reference", EntityType: EntityReference,
			EntityID: "ref-1", ValidationOutcome: OutcomeAccepted,
		}))

		path := filepath.Join(dir, "audit-2026-08-28.jsonl")
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0640)
		require.NoError(t, err)
		_, err = f.WriteString("%%% broken\n")
		require.NoError(t, err)
		require.NoError(t, f.Close())

		entries, err := trail.ReadDate("2026-08-28")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestSnapshot(t *testing.T) {
	t.Run("marshals the entity", func(t *testing.T) {
		raw := Snapshot(map[string]int{"trust": 1})
		assert.JSONEq(t, `{"trust": 1}`, string(raw))
	})

	t.Run("unmarshalable entity yields nil", func(t *testing.T) {
		assert.Nil(t, Snapshot(func() {}))
	})
}

func TestSummarize(t *testing.T) {
	entries := []Entry{
		{RunID: "r1", EntityType: EntityReference, ValidationOutcome: OutcomeAccepted},
		{RunID: "r1", EntityType: EntityReference, ValidationOutcome: OutcomeSkippedDuplicate},
		{RunID: "r2", EntityType: EntityNode, ValidationOutcome: OutcomeAccepted},
		{RunID: "r2", EntityType: EntityNode, ValidationOutcome: OutcomeCapExceeded},
	}

	s := Summarize("2026-08-28", entries)
	assert.Equal(t, "2026-08-28", s.Date)
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 2, s.ByOutcome[OutcomeAccepted])
	assert.Equal(t, 1, s.ByOutcome[OutcomeSkippedDuplicate])
	assert.Equal(t, 1, s.ByOutcome[OutcomeCapExceeded])
	assert.Equal(t, 2, s.ByEntity[EntityReference])
	assert.Equal(t, 2, s.ByEntity[EntityNode])
	assert.Equal(t, 2, s.UniqueRuns)
}
