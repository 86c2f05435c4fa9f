package redisqueue

import "github.com/redis/go-redis/v9"

// All multi-key transitions run as Lua scripts so each claim or fenced
// write is a single atomic step, mirroring what the SQL store gets from
// one conditional UPDATE.

// createJobScript inserts a job unless its idempotency key is taken.
//
//	KEYS[1] idempotency key ('' sentinel handled by passing a throwaway key and ARGV[4]='0')
//	KEYS[2] job hash
//	KEYS[3] pending zset
//	KEYS[4] queues set
//	ARGV[1] job id
//	ARGV[2] eligible-at score (unix ms)
//	ARGV[3] queue name
//	ARGV[4] '1' when the idempotency key is real
//	ARGV[5..] hash field/value pairs
//
// Returns the existing job id on key conflict, '' on successful insert.
var createJobScript = redis.NewScript(`
if ARGV[4] == '1' then
	local existing = redis.call('GET', KEYS[1])
	if existing then
		return existing
	end
	redis.call('SET', KEYS[1], ARGV[1])
end
redis.call('HSET', KEYS[2], unpack(ARGV, 5))
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
redis.call('SADD', KEYS[4], ARGV[3])
return ''
`)

// claimScript picks the best eligible job and takes ownership atomically.
// Candidates come from the pending zset (eligible-at <= now) first, then
// from the processing zset (lock expired, attempts remaining) for crash
// recovery. Among pending candidates the highest priority wins, created_at
// breaking ties. The attempt increment and fresh token are part of the
// same script invocation.
//
// Both scans cover the whole eligible window: the zsets are ordered by
// time, not priority, so any fixed cutoff would hide a high-priority job
// behind older low-priority ones. Claim cost is linear in the currently
// eligible backlog. Expired claims out of attempts are parked as failed
// on sight so they cannot shadow recoverable jobs behind them.
//
//	KEYS[1] pending zset
//	KEYS[2] processing zset
//	KEYS[3] failed counter
//	ARGV[1] now (unix ms)
//	ARGV[2] lock duration (ms)
//	ARGV[3] worker id
//	ARGV[4] new lock token
//	ARGV[5] job hash key prefix
//	ARGV[6] error message for parked exhausted jobs
//
// Returns the claimed job id or ''.
var claimScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local prefix = ARGV[5]

local function take(id)
	local h = prefix .. id
	redis.call('ZREM', KEYS[1], id)
	redis.call('HINCRBY', h, 'attempts', 1)
	redis.call('HSET', h,
		'status', 'processing',
		'locked_by', ARGV[3],
		'locked_at', ARGV[1],
		'expires_at', now + tonumber(ARGV[2]),
		'lock_token', ARGV[4],
		'updated_at', ARGV[1])
	redis.call('ZADD', KEYS[2], now + tonumber(ARGV[2]), id)
	return id
end

local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local best, bestPri, bestCreated
for _, id in ipairs(ids) do
	local h = prefix .. id
	local pri = tonumber(redis.call('HGET', h, 'priority')) or 0
	local created = tonumber(redis.call('HGET', h, 'created_at')) or 0
	if best == nil or pri > bestPri or (pri == bestPri and created < bestCreated) then
		best, bestPri, bestCreated = id, pri, created
	end
end
if best then
	return take(best)
end

-- Lock recovery. Exhausted expired claims go terminal here; leaving them
-- in the processing zset would let them pile up in front of recoverable
-- jobs.
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
	local h = prefix .. id
	local attempts = tonumber(redis.call('HGET', h, 'attempts')) or 0
	local max = tonumber(redis.call('HGET', h, 'max_attempts')) or 0
	if attempts < max then
		redis.call('ZREM', KEYS[2], id)
		return take(id)
	end
	redis.call('HSET', h, 'status', 'failed', 'updated_at', ARGV[1])
	redis.call('HSETNX', h, 'error_message', ARGV[6])
	redis.call('HDEL', h, 'locked_by', 'locked_at', 'expires_at', 'lock_token')
	redis.call('ZREM', KEYS[2], id)
	redis.call('INCR', KEYS[3])
end
return ''
`)

// sweepExpiredScript parks every expired processing claim that is out of
// attempts, persisting the terminal state of jobs whose workers crashed on
// the final attempt. Recoverable expired claims are left for ClaimJob.
//
//	KEYS[1] processing zset, KEYS[2] failed counter
//	ARGV[1] now ms, ARGV[2] hash prefix, ARGV[3] error message
//
// Returns the number of jobs parked.
var sweepExpiredScript = redis.NewScript(`
local parked = 0
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(expired) do
	local h = ARGV[2] .. id
	local attempts = tonumber(redis.call('HGET', h, 'attempts')) or 0
	local max = tonumber(redis.call('HGET', h, 'max_attempts')) or 0
	if attempts >= max then
		redis.call('HSET', h, 'status', 'failed', 'updated_at', ARGV[1])
		redis.call('HSETNX', h, 'error_message', ARGV[3])
		redis.call('HDEL', h, 'locked_by', 'locked_at', 'expires_at', 'lock_token')
		redis.call('ZREM', KEYS[1], id)
		redis.call('INCR', KEYS[2])
		parked = parked + 1
	end
end
return parked
`)

// fenceCheck is the shared prologue of every guarded script: zero rows
// when the (locked_by, lock_token) pair no longer matches.
const fenceCheck = `
local h = KEYS[1]
if redis.call('HGET', h, 'status') ~= 'processing' then return 0 end
if redis.call('HGET', h, 'locked_by') ~= ARGV[1] then return 0 end
if redis.call('HGET', h, 'lock_token') ~= ARGV[2] then return 0 end
`

// completeScript: KEYS[1] job hash, KEYS[2] processing zset,
// KEYS[3] completed counter; ARGV[1] worker, ARGV[2] token,
// ARGV[3] now ms, ARGV[4] job id.
var completeScript = redis.NewScript(fenceCheck + `
redis.call('HSET', h, 'status', 'completed', 'completed_at', ARGV[3], 'updated_at', ARGV[3])
redis.call('HDEL', h, 'locked_by', 'locked_at', 'expires_at', 'lock_token')
redis.call('ZREM', KEYS[2], ARGV[4])
redis.call('INCR', KEYS[3])
return 1
`)

// failScript computes the retry schedule from the hash's own backoff
// fields. KEYS[1] job hash, KEYS[2] processing zset, KEYS[3] pending zset,
// KEYS[4] failed counter; ARGV[1] worker, ARGV[2] token, ARGV[3] now ms,
// ARGV[4] job id, ARGV[5] error message, ARGV[6] backoff cap ms.
var failScript = redis.NewScript(fenceCheck + `
local now = tonumber(ARGV[3])
local attempts = tonumber(redis.call('HGET', h, 'attempts')) or 0
local max = tonumber(redis.call('HGET', h, 'max_attempts')) or 0
redis.call('HSET', h, 'error_message', ARGV[5], 'updated_at', ARGV[3])
redis.call('HDEL', h, 'locked_by', 'locked_at', 'expires_at', 'lock_token')
redis.call('ZREM', KEYS[2], ARGV[4])

if attempts >= max then
	redis.call('HSET', h, 'status', 'failed')
	redis.call('INCR', KEYS[4])
	return 1
end

local base = tonumber(redis.call('HGET', h, 'backoff_ms')) or 0
local kind = redis.call('HGET', h, 'backoff_type')
local delay = base
if kind == 'linear' then
	delay = base * attempts
elseif kind == 'exponential' then
	delay = base * 2 ^ (attempts - 1)
end
local cap = tonumber(ARGV[6])
if delay > cap then delay = cap end

local retry = now + delay
redis.call('HSET', h, 'status', 'pending', 'next_retry_at', retry)
redis.call('ZADD', KEYS[3], retry, ARGV[4])
return 1
`)

// rescheduleScript refunds the claim-time attempt: rate limiting is not a
// failure. KEYS[1] job hash, KEYS[2] processing zset, KEYS[3] pending zset;
// ARGV[1] worker, ARGV[2] token, ARGV[3] now ms, ARGV[4] job id,
// ARGV[5] delay ms.
var rescheduleScript = redis.NewScript(fenceCheck + `
local at = tonumber(ARGV[3]) + tonumber(ARGV[5])
local attempts = tonumber(redis.call('HGET', h, 'attempts')) or 0
if attempts > 0 then
	redis.call('HSET', h, 'attempts', attempts - 1)
end
redis.call('HSET', h, 'status', 'pending', 'scheduled_for', at, 'updated_at', ARGV[3])
redis.call('HDEL', h, 'locked_by', 'locked_at', 'expires_at', 'lock_token', 'next_retry_at')
redis.call('ZREM', KEYS[2], ARGV[4])
redis.call('ZADD', KEYS[3], at, ARGV[4])
return 1
`)

// extendLockScript: KEYS[1] job hash, KEYS[2] processing zset;
// ARGV[1] worker, ARGV[2] token, ARGV[3] now ms, ARGV[4] job id,
// ARGV[5] duration ms.
var extendLockScript = redis.NewScript(fenceCheck + `
local until_ms = tonumber(ARGV[3]) + tonumber(ARGV[5])
redis.call('HSET', h, 'expires_at', until_ms, 'updated_at', ARGV[3])
redis.call('ZADD', KEYS[2], until_ms, ARGV[4])
return 1
`)

// updateStagesScript: KEYS[1] job hash; ARGV[1] worker, ARGV[2] token,
// ARGV[3] now ms, ARGV[4] stages JSON.
var updateStagesScript = redis.NewScript(fenceCheck + `
redis.call('HSET', h, 'stages', ARGV[4], 'updated_at', ARGV[3])
return 1
`)
