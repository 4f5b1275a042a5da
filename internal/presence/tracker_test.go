package presence

import (
	"context"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestTracker(t *testing.T) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewTracker(rdb, slog.Default()), mr
}

func TestTracker_UnionDedupesMultiTab(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	if err := tr.Heartbeat(ctx, 7, "10.0.0.1", false); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	// 同一用户开三个标签页。
	tr.OnConnect(7, "sock-a")
	tr.OnConnect(7, "sock-b")
	tr.OnConnect(7, "sock-c")

	snap, err := tr.Snapshot(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.TotalOnline != 1 {
		t.Fatalf("TotalOnline = %d, want 1", snap.TotalOnline)
	}
	if snap.WSConnections != 3 {
		t.Fatalf("WSConnections = %d, want 3", snap.WSConnections)
	}
	if got := len(snap.OnlineUsers[0].SocketIDs); got != 3 {
		t.Fatalf("SocketIDs = %d, want 3", got)
	}
}

func TestTracker_SurvivesRestart(t *testing.T) {
	tr, mr := newTestTracker(t)
	ctx := context.Background()

	for uid := uint(1); uid <= 4; uid++ {
		if err := tr.Heartbeat(ctx, uid, "10.0.0.1", false); err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
	}

	// 进程重启：内存注册表清空，Redis 心跳仍在。
	restarted := NewTracker(redis.NewClient(&redis.Options{Addr: mr.Addr()}), slog.Default())
	snap, err := restarted.Snapshot(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.TotalOnline != 4 {
		t.Fatalf("TotalOnline = %d, want 4", snap.TotalOnline)
	}
	if snap.WSConnections != 0 {
		t.Fatalf("WSConnections = %d, want 0", snap.WSConnections)
	}
}

func TestTracker_StaleHeartbeatEvicted(t *testing.T) {
	tr, mr := newTestTracker(t)
	ctx := context.Background()

	if err := tr.Heartbeat(ctx, 1, "10.0.0.1", false); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	// 手工写一条一小时前的心跳。
	stale := strconv.FormatInt(time.Now().Add(-time.Hour).UnixMilli(), 10)
	mr.HSet(heartbeatHashKey, "2", `{"ip":"10.0.0.2","last_activity":`+stale+`,"is_admin":false}`)

	snap, err := tr.Snapshot(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.TotalOnline != 1 {
		t.Fatalf("TotalOnline = %d, want 1", snap.TotalOnline)
	}
	if mr.Exists(heartbeatHashKey) {
		fields, err := mr.HKeys(heartbeatHashKey)
		if err != nil {
			t.Fatalf("hkeys: %v", err)
		}
		for _, f := range fields {
			if f == "2" {
				t.Fatalf("stale heartbeat not evicted")
			}
		}
	}
}

func TestTracker_UnknownSocketNoop(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.OnDisconnect("never-registered")

	snap, err := tr.Snapshot(context.Background(), 30*time.Minute)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.TotalOnline != 0 || snap.WSConnections != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}
}
