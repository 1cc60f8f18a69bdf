package redis

const (
	// admitScript implements the sliding-window admission check. Purge,
	// count and insert run as one atomic unit per key so concurrent
	// gateway processes can at worst over-admit by one request each,
	// never under-count.
	admitScript = `
local key = KEYS[1]        -- flipwire:ratelimit:{kind}:{key}

local now = tonumber(ARGV[1])     -- unix millis
local window = tonumber(ARGV[2])  -- window length in millis
local max = tonumber(ARGV[3])
local nonce = ARGV[4]             -- unique member for this request

-- Drop entries that have aged out of the trailing window
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)
if count >= max then
  -- Rejected: retry-after derives from the oldest surviving entry
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local retry = 0
  if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
  end
  if retry < 0 then
    retry = 0
  end
  return {0, 0, retry}
end

redis.call('ZADD', key, now, nonce)
redis.call('PEXPIRE', key, window + 1000)

return {1, max - count - 1, 0}
`

	// joinScript adds a member to a session, creating the session record
	// and its active-set entry on first join.
	joinScript = `
local session_key = KEYS[1]   -- flipwire:session:{code}
local members_key = KEYS[2]   -- flipwire:session:{code}:members
local member_key = KEYS[3]    -- flipwire:member:{code}:{id}
local active_set = KEYS[4]    -- flipwire:sessions:active

local code = ARGV[1]
local now = ARGV[2]
local member_id = ARGV[3]
local role = ARGV[4]
local identity = ARGV[5]
local authenticated = ARGV[6]
local remote_addr = ARGV[7]
local client_agent = ARGV[8]

local created = 0
if redis.call('EXISTS', session_key) == 0 then
  redis.call('HSET', session_key,
    'code', code,
    'created_at', now,
    'last_activity', now,
    'rows', '0',
    'cols', '0'
  )
  redis.call('SADD', active_set, code)
  created = 1
else
  redis.call('HSET', session_key, 'last_activity', now)
end

redis.call('RPUSH', members_key, member_id)
redis.call('HSET', member_key,
  'id', member_id,
  'code', code,
  'role', role,
  'identity', identity,
  'authenticated', authenticated,
  'joined_at', now,
  'last_activity', now,
  'remote_addr', remote_addr,
  'client_agent', client_agent
)

return {created, redis.call('LLEN', members_key)}
`

	// leaveScript detaches one member and returns the remaining count.
	leaveScript = `
local members_key = KEYS[1]
local member_key = KEYS[2]

redis.call('LREM', members_key, 0, ARGV[1])
redis.call('DEL', member_key)

return redis.call('LLEN', members_key)
`

	// deleteScript removes a session record, its member hashes and its
	// active-set entry. Safe to run on an already-deleted code.
	deleteScript = `
local session_key = KEYS[1]
local members_key = KEYS[2]
local active_set = KEYS[3]

local code = ARGV[1]
local member_prefix = ARGV[2]

local ids = redis.call('LRANGE', members_key, 0, -1)
for _, id in ipairs(ids) do
  redis.call('DEL', member_prefix .. id)
end

redis.call('DEL', session_key)
redis.call('DEL', members_key)
redis.call('SREM', active_set, code)

return 'OK'
`

	// touchScript resets last_activity only when the hash still exists,
	// so a touch never resurrects a deleted record. Clearing warned_at
	// re-arms the one-time inactivity warning.
	touchScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'last_activity', ARGV[1])
redis.call('HDEL', KEYS[1], 'warned_at')
return 1
`

	// markWarnedScript records the one-time inactivity warning. HSETNX
	// makes the first sweeping process across the fleet win; everyone
	// else observes 0 and stays quiet. Never creates the session hash.
	markWarnedScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
return redis.call('HSETNX', KEYS[1], 'warned_at', ARGV[1])
`
)
