package integration

import (
	"context"
	"fmt"
	"testing"

	"github.com/araiyan/tango/pkg/tango"
	"github.com/stretchr/testify/require"
)

// TestHighVolumeEnqueueAssignsUniqueIDs submits a large batch of jobs
// through the local backend and checks every job got a distinct id with no
// drops, independent of any VMMS backend.
func TestHighVolumeEnqueueAssignsUniqueIDs(t *testing.T) {
	ctx := context.Background()
	q := buildLocalQueue(nil)

	const total = 1000
	seen := make(map[int]bool, total)
	for i := 0; i < total; i++ {
		id, err := q.Add(ctx, &tango.Job{Name: fmt.Sprintf("job-%d", i), Machine: tango.Machine{Name: "ag"}})
		require.NoError(t, err)
		require.False(t, seen[id], "id %d reused", id)
		seen[id] = true
	}

	stats := q.Stats(ctx)
	require.Equal(t, total, stats["live"])
	require.Equal(t, total, stats["unassigned"])
}

func BenchmarkEnqueue(b *testing.B) {
	ctx := context.Background()
	q := buildLocalQueue(nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := q.Add(ctx, &tango.Job{Name: fmt.Sprintf("bench-%d", i), Machine: tango.Machine{Name: "ag"}})
		if err != nil {
			b.Fatal(err)
		}
	}
}
