package resources

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OMAR3lwafi/video-api-sub001/core"
	"github.com/OMAR3lwafi/video-api-sub001/eventbus"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ReapInterval = time.Hour
	m := NewManager(cfg, nil)
	t.Cleanup(m.Close)
	return m
}

func computeNode(id string, cpu, mem float64) *Node {
	return &Node{
		ID:   id,
		Type: NodeCompute,
		Capacity: Capacity{
			CPU:           cpu,
			MemoryGB:      mem,
			StorageGB:     100,
			BandwidthMbps: 1000,
		},
		Location: "us-east-1a",
	}
}

func gpuNode(id string) *Node {
	n := computeNode(id, 16, 64)
	n.Type = NodeGPU
	n.Capacity.GPU = 2
	return n
}

func TestAllocatePrefersLessLoadedNode(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.RegisterNode(computeNode("node-a", 8, 32)))

	busy := computeNode("node-b", 8, 32)
	busy.Utilization = Utilization{CPU: 60, Memory: 60, Storage: 60, Network: 60}
	require.NoError(t, m.RegisterNode(busy))

	alloc, err := m.Allocate(context.Background(), &AllocationRequest{
		Requirements: core.ResourceRequirements{CPU: 2, MemoryGB: 4, StorageGB: 10},
		Priority:     core.PriorityNormal,
	})
	require.NoError(t, err)
	assert.Equal(t, "node-a", alloc.NodeID)
	assert.NotEmpty(t, alloc.ID)
}

func TestAllocateUpdatesAndReleaseRestoresUtilization(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.RegisterNode(computeNode("node-a", 8, 32)))

	alloc, err := m.Allocate(context.Background(), &AllocationRequest{
		Requirements: core.ResourceRequirements{CPU: 4, MemoryGB: 16, StorageGB: 50},
		Priority:     core.PriorityNormal,
	})
	require.NoError(t, err)

	node, err := m.NodeUtilization("node-a")
	require.NoError(t, err)
	assert.InDelta(t, 50, node.Utilization.CPU, 0.01)
	assert.InDelta(t, 50, node.Utilization.Memory, 0.01)
	assert.InDelta(t, 50, node.Utilization.Storage, 0.01)

	m.Release(alloc.ID)

	node, err = m.NodeUtilization("node-a")
	require.NoError(t, err)
	assert.InDelta(t, 0, node.Utilization.CPU, 0.01)
	assert.InDelta(t, 0, node.Utilization.Memory, 0.01)
	assert.Equal(t, 0, m.Stats().ActiveAllocations)
}

func TestAllocateNoSuitableNode(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.RegisterNode(computeNode("tiny", 2, 4)))

	_, err := m.Allocate(context.Background(), &AllocationRequest{
		Requirements: core.ResourceRequirements{CPU: 16, MemoryGB: 64},
		Priority:     core.PriorityNormal,
	})
	assert.True(t, errors.Is(err, core.ErrNoSuitableNode))
}

func TestAllocateGPURequirement(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.RegisterNode(computeNode("cpu-only", 32, 128)))
	require.NoError(t, m.RegisterNode(gpuNode("gpu-1")))

	alloc, err := m.Allocate(context.Background(), &AllocationRequest{
		Requirements: core.ResourceRequirements{CPU: 2, MemoryGB: 4, GPU: true},
		Priority:     core.PriorityNormal,
	})
	require.NoError(t, err)
	assert.Equal(t, "gpu-1", alloc.NodeID)
}

func TestAllocateConstraints(t *testing.T) {
	m := testManager(t)

	east := computeNode("east", 8, 32)
	east.Tags = map[string]string{"tier": "gold"}
	require.NoError(t, m.RegisterNode(east))

	west := computeNode("west", 8, 32)
	west.Location = "eu-west-1b"
	require.NoError(t, m.RegisterNode(west))

	alloc, err := m.Allocate(context.Background(), &AllocationRequest{
		Requirements: core.ResourceRequirements{CPU: 1, MemoryGB: 1},
		Priority:     core.PriorityNormal,
		Constraints: &Constraints{
			Region:      "eu-west",
			RequireTags: nil,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "west", alloc.NodeID)

	_, err = m.Allocate(context.Background(), &AllocationRequest{
		Requirements: core.ResourceRequirements{CPU: 1, MemoryGB: 1},
		Priority:     core.PriorityNormal,
		Constraints: &Constraints{
			RequireTags:  map[string]string{"tier": "gold"},
			ExcludeNodes: []string{"east"},
		},
	})
	assert.True(t, errors.Is(err, core.ErrNoSuitableNode))
}

func TestPreferredNodeBonusWinsTies(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.RegisterNode(computeNode("node-a", 8, 32)))
	require.NoError(t, m.RegisterNode(computeNode("node-b", 8, 32)))

	alloc, err := m.Allocate(context.Background(), &AllocationRequest{
		Requirements: core.ResourceRequirements{CPU: 1, MemoryGB: 1},
		Priority:     core.PriorityNormal,
		Preferences:  &Preferences{PreferredNodes: []string{"node-b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "node-b", alloc.NodeID)
}

func TestReleaseUnknownAllocationIsNoOp(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.RegisterNode(computeNode("node-a", 8, 32)))

	m.Release("never-allocated")
	assert.Equal(t, 0, m.Stats().ActiveAllocations)
}

func TestReaperMarksStaleNodesFailedAndRecovery(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReapInterval = time.Hour
	cfg.HeartbeatTimeout = 20 * time.Millisecond

	bus := eventbus.New(eventbus.DefaultConfig())
	defer bus.Close()
	var failedEvents, recoveredEvents int
	_, err := bus.Subscribe([]string{"resource:node_failed"}, func(ctx context.Context, e *eventbus.Event) error {
		failedEvents++
		return nil
	}, eventbus.SubscribeOptions{})
	require.NoError(t, err)
	_, err = bus.Subscribe([]string{"resource:node_recovered"}, func(ctx context.Context, e *eventbus.Event) error {
		recoveredEvents++
		return nil
	}, eventbus.SubscribeOptions{})
	require.NoError(t, err)

	m := NewManager(cfg, bus)
	defer m.Close()

	node := computeNode("stale", 8, 32)
	node.LastHeartbeat = time.Now().Add(-time.Minute)
	require.NoError(t, m.RegisterNode(node))
	node.LastHeartbeat = time.Now().Add(-time.Minute)

	m.reap()

	got, err := m.NodeUtilization("stale")
	require.NoError(t, err)
	assert.Equal(t, NodeFailed, got.Status)
	assert.Equal(t, 1, failedEvents)
	assert.Equal(t, 1, m.Stats().FailedNodes)

	m.Heartbeat("stale")

	got, err = m.NodeUtilization("stale")
	require.NoError(t, err)
	assert.Equal(t, NodeAvailable, got.Status)
	assert.Equal(t, 1, recoveredEvents)
}

func TestReaperReleasesExpiredAllocations(t *testing.T) {
	m := testManager(t)
	require.NoError(t, m.RegisterNode(computeNode("node-a", 8, 32)))

	_, err := m.Allocate(context.Background(), &AllocationRequest{
		Requirements: core.ResourceRequirements{CPU: 2, MemoryGB: 4},
		Duration:     time.Millisecond,
		Priority:     core.PriorityNormal,
	})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	m.reap()

	assert.Equal(t, 0, m.Stats().ActiveAllocations)
	node, err := m.NodeUtilization("node-a")
	require.NoError(t, err)
	assert.InDelta(t, 0, node.Utilization.CPU, 0.01)
}

func TestFailedNodeExcludedFromScheduling(t *testing.T) {
	m := testManager(t)

	down := computeNode("down", 64, 256)
	down.Status = NodeFailed
	require.NoError(t, m.RegisterNode(down))
	require.NoError(t, m.RegisterNode(computeNode("up", 4, 8)))

	alloc, err := m.Allocate(context.Background(), &AllocationRequest{
		Requirements: core.ResourceRequirements{CPU: 1, MemoryGB: 1},
		Priority:     core.PriorityNormal,
	})
	require.NoError(t, err)
	assert.Equal(t, "up", alloc.NodeID)

	available := m.AvailableResources()
	require.Len(t, available, 1)
	assert.Equal(t, "up", available[0].ID)
}

func TestHighUtilizationEventPublishedOutsideLock(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultConfig())
	defer bus.Close()

	cfg := DefaultConfig()
	cfg.ReapInterval = time.Hour
	m := NewManager(cfg, bus)
	t.Cleanup(m.Close)
	require.NoError(t, m.RegisterNode(computeNode("node-a", 4, 8)))

	// The subscriber reads manager state, as a metrics exporter would.
	events := make(chan *eventbus.Event, 1)
	_, err := bus.Subscribe([]string{"resource:high_utilization"}, func(ctx context.Context, e *eventbus.Event) error {
		m.Stats()
		events <- e
		return nil
	}, eventbus.SubscribeOptions{})
	require.NoError(t, err)

	done := make(chan *Allocation, 1)
	go func() {
		alloc, err := m.Allocate(context.Background(), &AllocationRequest{
			Requirements: core.ResourceRequirements{CPU: 3.8, MemoryGB: 7.6, StorageGB: 95, BandwidthMbps: 950},
			Priority:     core.PriorityNormal,
		})
		if err != nil {
			t.Error(err)
		}
		done <- alloc
	}()

	select {
	case alloc := <-done:
		require.NotNil(t, alloc)
	case <-time.After(2 * time.Second):
		t.Fatal("Allocate blocked while publishing high utilization")
	}

	select {
	case e := <-events:
		assert.Equal(t, "node-a", e.Data["node_id"])
	case <-time.After(time.Second):
		t.Fatal("no high utilization event")
	}
}
