// Package redis implements queue.Broker on Redis with Lua scripts for
// atomic lease transitions.
package redis

import goredis "github.com/redis/go-redis/v9"

// receiveScript leases due messages and dead-letters exhausted ones.
//
// KEYS: visible zset, dead zset
// ARGV: now ms, max, lease deadline ms, max receive count, message key
// prefix, dead key prefix, receipt token, scan limit, dead-letter reason
//
// Returns {delivered count, buried count, 5 fields per delivered message
// (id, body, receives, enqueued_at, receipt), buried ids...}.
var receiveScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[8]))
local max = tonumber(ARGV[2])
local cap = tonumber(ARGV[4])
local delivered = {}
local buried = {}
local count = 0
for _, id in ipairs(ids) do
  if count >= max then break end
  local key = ARGV[5] .. id
  if redis.call('EXISTS', key) == 0 then
    redis.call('ZREM', KEYS[1], id)
  else
    local receives = tonumber(redis.call('HGET', key, 'receives') or '0')
    if receives >= cap then
      local dead = ARGV[6] .. id
      redis.call('ZREM', KEYS[1], id)
      redis.call('RENAME', key, dead)
      redis.call('HDEL', dead, 'receipt')
      redis.call('HSET', dead, 'reason', ARGV[9], 'dead_lettered_at', ARGV[1])
      redis.call('ZADD', KEYS[2], 0, id)
      table.insert(buried, id)
    else
      local receipt = ARGV[7] .. ':' .. id
      receives = redis.call('HINCRBY', key, 'receives', 1)
      redis.call('HSET', key, 'receipt', receipt)
      redis.call('ZADD', KEYS[1], ARGV[3], id)
      table.insert(delivered, id)
      table.insert(delivered, redis.call('HGET', key, 'body'))
      table.insert(delivered, tostring(receives))
      table.insert(delivered, redis.call('HGET', key, 'enqueued_at') or '0')
      table.insert(delivered, receipt)
      count = count + 1
    end
  end
end
local out = {tostring(count), tostring(#buried)}
for _, v in ipairs(delivered) do table.insert(out, v) end
for _, v in ipairs(buried) do table.insert(out, v) end
return out
`)

// ackScript deletes a message if the receipt still owns it.
//
// KEYS: visible zset, message hash
// ARGV: receipt, id
var ackScript = goredis.NewScript(`
if redis.call('HGET', KEYS[2], 'receipt') ~= ARGV[1] then return 0 end
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('DEL', KEYS[2])
return 1
`)

// nackScript releases a lease and reschedules the message.
//
// KEYS: visible zset, message hash
// ARGV: receipt, id, visible-at ms, last error
var nackScript = goredis.NewScript(`
if redis.call('HGET', KEYS[2], 'receipt') ~= ARGV[1] then return 0 end
redis.call('HDEL', KEYS[2], 'receipt')
redis.call('HSET', KEYS[2], 'last_error', ARGV[4])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[2])
return 1
`)

// rejectScript dead-letters a leased message.
//
// KEYS: visible zset, message hash, dead hash, dead zset
// ARGV: receipt, id, now ms, reason
var rejectScript = goredis.NewScript(`
if redis.call('HGET', KEYS[2], 'receipt') ~= ARGV[1] then return 0 end
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('RENAME', KEYS[2], KEYS[3])
redis.call('HDEL', KEYS[3], 'receipt')
redis.call('HSET', KEYS[3], 'reason', ARGV[4], 'dead_lettered_at', ARGV[3])
redis.call('ZADD', KEYS[4], 0, ARGV[2])
return 1
`)

// redriveScript moves a dead letter back to the queue.
//
// KEYS: visible zset, message hash, dead hash, dead zset
// ARGV: id, now ms
var redriveScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 0 then return 0 end
redis.call('RENAME', KEYS[3], KEYS[2])
redis.call('HDEL', KEYS[2], 'reason', 'dead_lettered_at', 'last_error', 'receipt')
redis.call('HSET', KEYS[2], 'receives', '0')
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)
