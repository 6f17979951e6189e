package queue

import "github.com/redis/go-redis/v9"

// enqueueScript stores a new job and makes it ready unless the group
// already points at a job that is waiting or active, in which case that
// job id is returned. An empty group field skips the check.
// KEYS: groups, waiting, active, job doc. ARGV: group field, job id, score, doc.
var enqueueScript = redis.NewScript(`
if ARGV[1] ~= '' then
	local existing = redis.call('HGET', KEYS[1], ARGV[1])
	if existing and (redis.call('ZSCORE', KEYS[2], existing) or redis.call('ZSCORE', KEYS[3], existing)) then
		return existing
	end
end
redis.call('SET', KEYS[4], ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
if ARGV[1] ~= '' then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
end
return ARGV[2]
`)

// leaseScript pops the oldest ready job from waiting into active and
// records the lease owner.
// KEYS: waiting, active, leases. ARGV: now, lease expiry, lease id.
var leaseScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
redis.call('HSET', KEYS[3], id, ARGV[3])
return id
`)

// moveScript moves a leased job from active to a target set when the
// lease id still owns it, optionally replacing the job document.
// KEYS: leases, active, target, job doc. ARGV: job id, lease id, score, doc.
var moveScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
local exists = redis.call('ZREM', KEYS[2], ARGV[1])
if exists == 0 then
	return 0
end
if ARGV[4] ~= '' then
	redis.call('SET', KEYS[4], ARGV[4])
end
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

// releaseScript deletes a leased job when the lease id still owns it.
// KEYS: leases, active, job doc, groups. ARGV: job id, lease id, group field.
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[3])
if redis.call('HGET', KEYS[4], ARGV[3]) == ARGV[1] then
	redis.call('HDEL', KEYS[4], ARGV[3])
end
return 1
`)

// reclaimScript returns expired leases to waiting, ready now.
// KEYS: active, waiting, leases. ARGV: now.
var reclaimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('HDEL', KEYS[3], id)
	redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return #ids
`)
