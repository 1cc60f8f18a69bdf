package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/flipwire/flipwire/internal/storage"
	"github.com/redis/go-redis/v9"
)

type sessionStore struct {
	client *redis.Client
}

// Join adds a member to the session, creating the session record on first
// join. Returns whether the session was created and the member count after
// the join.
func (s *sessionStore) Join(ctx context.Context, code string, member storage.Member) (bool, int, error) {
	script := redis.NewScript(joinScript)

	now := time.Now().Format(time.RFC3339Nano)
	authenticated := "0"
	if member.Authenticated {
		authenticated = "1"
	}

	keys := []string{sessionKey(code), membersKey(code), memberKey(code, member.ID), activeSet}
	args := []interface{}{
		code,
		now,
		member.ID,
		string(member.Role),
		member.Identity,
		authenticated,
		member.RemoteAddr,
		member.ClientAgent,
	}

	result, err := script.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("join session %s: %w", code, err)
	}
	if len(result) != 2 {
		return false, 0, fmt.Errorf("join session %s: unexpected script result %v", code, result)
	}

	return result[0] == 1, int(result[1]), nil
}

// Get retrieves a session record by code
func (s *sessionStore) Get(ctx context.Context, code string) (*storage.Session, error) {
	data, err := s.client.HGetAll(ctx, sessionKey(code)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}
	return parseSession(data)
}

// RemoveMember detaches a member and returns the remaining member count
func (s *sessionStore) RemoveMember(ctx context.Context, code, memberID string) (int, error) {
	script := redis.NewScript(leaveScript)

	remaining, err := script.Run(ctx, s.client, []string{membersKey(code), memberKey(code, memberID)}, memberID).Int64()
	if err != nil {
		return 0, fmt.Errorf("remove member %s from %s: %w", memberID, code, err)
	}
	return int(remaining), nil
}

// Delete removes the session record and all member hashes. Idempotent.
func (s *sessionStore) Delete(ctx context.Context, code string) error {
	script := redis.NewScript(deleteScript)

	keys := []string{sessionKey(code), membersKey(code), activeSet}
	return script.Run(ctx, s.client, keys, code, memberPrefix+code+":").Err()
}

// TouchActivity resets the session's idle clock
func (s *sessionStore) TouchActivity(ctx context.Context, code string) error {
	script := redis.NewScript(touchScript)
	return script.Run(ctx, s.client, []string{sessionKey(code)}, time.Now().Format(time.RFC3339Nano)).Err()
}

// MarkWarned records the one-time inactivity warning on the session hash.
// Returns true only for the caller that set it first.
func (s *sessionStore) MarkWarned(ctx context.Context, code string) (bool, error) {
	script := redis.NewScript(markWarnedScript)

	won, err := script.Run(ctx, s.client, []string{sessionKey(code)}, time.Now().Format(time.RFC3339Nano)).Int64()
	if err != nil {
		return false, fmt.Errorf("mark warned %s: %w", code, err)
	}
	return won == 1, nil
}

// TouchMember refreshes a single member's activity timestamp
func (s *sessionStore) TouchMember(ctx context.Context, code, memberID string) error {
	script := redis.NewScript(touchScript)
	return script.Run(ctx, s.client, []string{memberKey(code, memberID)}, time.Now().Format(time.RFC3339Nano)).Err()
}

// IdleDuration returns now minus the session's last-activity timestamp
func (s *sessionStore) IdleDuration(ctx context.Context, code string) (time.Duration, error) {
	raw, err := s.client.HGet(ctx, sessionKey(code), "last_activity").Result()
	if err == redis.Nil {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	last, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return 0, fmt.Errorf("parse last_activity for %s: %w", code, err)
	}

	idle := time.Since(last)
	if idle < 0 {
		idle = 0
	}
	return idle, nil
}

// Members returns all member records of a session in join order
func (s *sessionStore) Members(ctx context.Context, code string) ([]storage.Member, error) {
	ids, err := s.client.LRange(ctx, membersKey(code), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []storage.Member{}, nil
	}

	// Use pipeline for efficient batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, memberKey(code, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	members := make([]storage.Member, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}
		member, err := parseMember(data)
		if err == nil {
			members = append(members, *member)
		}
	}

	return members, nil
}

// MemberCount returns the number of members currently joined
func (s *sessionStore) MemberCount(ctx context.Context, code string) (int, error) {
	n, err := s.client.LLen(ctx, membersKey(code)).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ListActiveCodes returns every session code known to have live connections
func (s *sessionStore) ListActiveCodes(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, activeSet).Result()
}

// SetGrid records the display's grid configuration
func (s *sessionStore) SetGrid(ctx context.Context, code string, rows, cols int) error {
	exists, err := s.client.Exists(ctx, sessionKey(code)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return storage.ErrNotFound
	}
	return s.client.HSet(ctx, sessionKey(code), "rows", rows, "cols", cols).Err()
}

func parseSession(data map[string]string) (*storage.Session, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, data["created_at"])
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	lastActivity, err := time.Parse(time.RFC3339Nano, data["last_activity"])
	if err != nil {
		return nil, fmt.Errorf("parse last_activity: %w", err)
	}

	rows, _ := strconv.Atoi(data["rows"])
	cols, _ := strconv.Atoi(data["cols"])

	return &storage.Session{
		Code:         data["code"],
		CreatedAt:    createdAt,
		LastActivity: lastActivity,
		Rows:         rows,
		Cols:         cols,
	}, nil
}

func parseMember(data map[string]string) (*storage.Member, error) {
	joinedAt, err := time.Parse(time.RFC3339Nano, data["joined_at"])
	if err != nil {
		return nil, fmt.Errorf("parse joined_at: %w", err)
	}
	lastActivity, err := time.Parse(time.RFC3339Nano, data["last_activity"])
	if err != nil {
		return nil, fmt.Errorf("parse last_activity: %w", err)
	}

	return &storage.Member{
		ID:            data["id"],
		Code:          data["code"],
		Role:          storage.Role(data["role"]),
		Identity:      data["identity"],
		Authenticated: data["authenticated"] == "1",
		JoinedAt:      joinedAt,
		LastActivity:  lastActivity,
		RemoteAddr:    data["remote_addr"],
		ClientAgent:   data["client_agent"],
	}, nil
}
