package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flipwire/flipwire/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	client, _ := setupTestRedis(t)
	t.Cleanup(func() { client.Close() })

	return NewStore(client, "test-server")
}

func TestSessionStore_JoinAndMembers(t *testing.T) {
	store := newTestStore(t)
	sessions := store.Sessions()
	ctx := context.Background()

	created, count, err := sessions.Join(ctx, "AB12CD", storage.Member{
		ID:         "conn-1",
		Role:       storage.RoleDisplay,
		RemoteAddr: "10.0.0.1:1234",
	})
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if !created {
		t.Error("Expected session to be created on first join")
	}
	if count != 1 {
		t.Errorf("Expected member count 1, got %d", count)
	}

	created, count, err = sessions.Join(ctx, "AB12CD", storage.Member{
		ID:            "conn-2",
		Role:          storage.RoleController,
		Identity:      "user-7",
		Authenticated: true,
	})
	if err != nil {
		t.Fatalf("Second join failed: %v", err)
	}
	if created {
		t.Error("Expected existing session on second join")
	}
	if count != 2 {
		t.Errorf("Expected member count 2, got %d", count)
	}

	members, err := sessions.Members(ctx, "AB12CD")
	if err != nil {
		t.Fatalf("Members failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("Expected 2 members, got %d", len(members))
	}

	// Join order is preserved.
	if members[0].ID != "conn-1" || members[1].ID != "conn-2" {
		t.Errorf("Expected join order conn-1, conn-2; got %s, %s", members[0].ID, members[1].ID)
	}
	if members[1].Role != storage.RoleController {
		t.Errorf("Expected controller role, got %s", members[1].Role)
	}
	if !members[1].Authenticated {
		t.Error("Expected second member to be authenticated")
	}
	if members[1].Identity != "user-7" {
		t.Errorf("Expected identity user-7, got %s", members[1].Identity)
	}
}

func TestSessionStore_TouchActivityResetsIdle(t *testing.T) {
	store := newTestStore(t)
	sessions := store.Sessions()
	ctx := context.Background()

	if _, _, err := sessions.Join(ctx, "AB12CD", storage.Member{ID: "conn-1", Role: storage.RoleDisplay}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	// Backdate last_activity far into the past.
	stale := time.Now().Add(-30 * time.Minute).Format(time.RFC3339Nano)
	if err := store.client.HSet(ctx, sessionKey("AB12CD"), "last_activity", stale).Err(); err != nil {
		t.Fatalf("Failed to backdate session: %v", err)
	}

	idle, err := sessions.IdleDuration(ctx, "AB12CD")
	if err != nil {
		t.Fatalf("IdleDuration failed: %v", err)
	}
	if idle < 29*time.Minute {
		t.Errorf("Expected idle around 30m, got %v", idle)
	}

	if err := sessions.TouchActivity(ctx, "AB12CD"); err != nil {
		t.Fatalf("TouchActivity failed: %v", err)
	}

	idle, err = sessions.IdleDuration(ctx, "AB12CD")
	if err != nil {
		t.Fatalf("IdleDuration after touch failed: %v", err)
	}
	if idle >= time.Second {
		t.Errorf("Expected idle < 1s immediately after touch, got %v", idle)
	}
}

func TestSessionStore_GetMissing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Sessions().Get(ctx, "NOPE00")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	_, err = store.Sessions().IdleDuration(ctx, "NOPE00")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound from IdleDuration, got %v", err)
	}
}

func TestSessionStore_RemoveMemberAndDelete(t *testing.T) {
	store := newTestStore(t)
	sessions := store.Sessions()
	ctx := context.Background()

	for _, id := range []string{"conn-1", "conn-2"} {
		if _, _, err := sessions.Join(ctx, "AB12CD", storage.Member{ID: id, Role: storage.RoleDisplay}); err != nil {
			t.Fatalf("Join failed: %v", err)
		}
	}

	remaining, err := sessions.RemoveMember(ctx, "AB12CD", "conn-1")
	if err != nil {
		t.Fatalf("RemoveMember failed: %v", err)
	}
	if remaining != 1 {
		t.Errorf("Expected 1 remaining member, got %d", remaining)
	}

	// Delete twice: idempotent, no error.
	for i := 0; i < 2; i++ {
		if err := sessions.Delete(ctx, "AB12CD"); err != nil {
			t.Fatalf("Delete run %d failed: %v", i, err)
		}
	}

	codes, err := sessions.ListActiveCodes(ctx)
	if err != nil {
		t.Fatalf("ListActiveCodes failed: %v", err)
	}
	if len(codes) != 0 {
		t.Errorf("Expected no active codes after delete, got %v", codes)
	}
}

func TestSessionStore_SetGrid(t *testing.T) {
	store := newTestStore(t)
	sessions := store.Sessions()
	ctx := context.Background()

	if err := sessions.SetGrid(ctx, "AB12CD", 3, 11); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing session, got %v", err)
	}

	if _, _, err := sessions.Join(ctx, "AB12CD", storage.Member{ID: "conn-1", Role: storage.RoleDisplay}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if err := sessions.SetGrid(ctx, "AB12CD", 3, 11); err != nil {
		t.Fatalf("SetGrid failed: %v", err)
	}

	session, err := sessions.Get(ctx, "AB12CD")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if session.Rows != 3 || session.Cols != 11 {
		t.Errorf("Expected 3x11 grid, got %dx%d", session.Rows, session.Cols)
	}
}

func TestSessionStore_TouchMember(t *testing.T) {
	store := newTestStore(t)
	sessions := store.Sessions()
	ctx := context.Background()

	if _, _, err := sessions.Join(ctx, "AB12CD", storage.Member{ID: "conn-1", Role: storage.RoleDisplay}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	stale := time.Now().Add(-10 * time.Minute).Format(time.RFC3339Nano)
	if err := store.client.HSet(ctx, memberKey("AB12CD", "conn-1"), "last_activity", stale).Err(); err != nil {
		t.Fatalf("Failed to backdate member: %v", err)
	}

	if err := sessions.TouchMember(ctx, "AB12CD", "conn-1"); err != nil {
		t.Fatalf("TouchMember failed: %v", err)
	}

	members, err := sessions.Members(ctx, "AB12CD")
	if err != nil {
		t.Fatalf("Members failed: %v", err)
	}
	if time.Since(members[0].LastActivity) >= time.Second {
		t.Errorf("Expected fresh member activity, got %v ago", time.Since(members[0].LastActivity))
	}
}
