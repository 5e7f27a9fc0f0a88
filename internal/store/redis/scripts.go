package redis

import goredis "github.com/redis/go-redis/v9"

// Every script receives the key prefix as ARGV[1] and derives index keys
// from it, so the store targets a single redis node
const indexLib = `
local prefix = ARGV[1]

local function flowKey(typ, inst)
	return prefix .. ':flow:' .. typ .. ':' .. inst
end

local function unindex(typ, inst, status, owner)
	if status == 'executing' then
		redis.call('ZREM', prefix .. ':executing:' .. typ, inst)
	elseif status == 'postponed' then
		redis.call('ZREM', prefix .. ':postponed:' .. typ, inst)
	end
	if owner and owner ~= '' then
		redis.call('SREM', prefix .. ':owned:' .. owner, typ .. ':' .. inst)
	end
end

local function index(typ, inst, status, score, owner)
	if status == 'executing' then
		redis.call('ZADD', prefix .. ':executing:' .. typ, score, inst)
		if owner and owner ~= '' then
			redis.call('SADD', prefix .. ':owned:' .. owner, typ .. ':' .. inst)
		end
	elseif status == 'postponed' then
		redis.call('ZADD', prefix .. ':postponed:' .. typ, score, inst)
	end
end
`

var (
	// ARGV: prefix, type, instance, status, param, expires, score, owner, ts
	createScript = goredis.NewScript(indexLib + `
local key = flowKey(ARGV[2], ARGV[3])
if redis.call('EXISTS', key) == 1 then
	return 0
end
redis.call('HSET', key,
	'status', ARGV[4], 'epoch', 0, 'param', ARGV[5], 'expires', ARGV[6],
	'owner', ARGV[8], 'interrupts', 0, 'ts', ARGV[9])
redis.call('SADD', prefix .. ':typeids', ARGV[2])
index(ARGV[2], ARGV[3], ARGV[4], ARGV[7], ARGV[8])
return 1
`)

	// ARGV: prefix, type, instance, expected epoch, expires, score, owner
	restartScript = goredis.NewScript(indexLib + `
local key = flowKey(ARGV[2], ARGV[3])
local f = redis.call('HMGET', key, 'status', 'epoch', 'owner')
if not f[1] or f[1] == 'succeeded' or f[1] == 'failed' then
	return false
end
if tonumber(f[2]) ~= tonumber(ARGV[4]) then
	return false
end
unindex(ARGV[2], ARGV[3], f[1], f[3])
redis.call('HINCRBY', key, 'epoch', 1)
redis.call('HSET', key,
	'status', 'executing', 'expires', ARGV[5], 'owner', ARGV[7])
index(ARGV[2], ARGV[3], 'executing', ARGV[6], ARGV[7])
return redis.call('HGETALL', key)
`)

	// ARGV: prefix, type, instance, expected epoch, status, expires, score,
	// ts, expected interrupts (or empty), then field/value pairs
	completeScript = goredis.NewScript(indexLib + `
local key = flowKey(ARGV[2], ARGV[3])
local f = redis.call('HMGET', key, 'status', 'epoch', 'owner', 'interrupts')
if f[1] ~= 'executing' or tonumber(f[2]) ~= tonumber(ARGV[4]) then
	return 0
end
local status, expires, score = ARGV[5], ARGV[6], ARGV[7]
if ARGV[9] ~= '' and tonumber(f[4] or '0') > tonumber(ARGV[9]) then
	status, expires, score = 'postponed', '0', '0'
end
unindex(ARGV[2], ARGV[3], f[1], f[3])
redis.call('HSET', key,
	'status', status, 'expires', expires, 'owner', '', 'ts', ARGV[8])
for i = 10, #ARGV, 2 do
	redis.call('HSET', key, ARGV[i], ARGV[i + 1])
end
index(ARGV[2], ARGV[3], status, score, '')
return 1
`)

	// ARGV: prefix, type, instance, expected epoch, status, expires, score
	setStateScript = goredis.NewScript(indexLib + `
local key = flowKey(ARGV[2], ARGV[3])
local f = redis.call('HMGET', key, 'status', 'epoch', 'owner')
if not f[1] or f[1] == 'succeeded' or f[1] == 'failed' then
	return 0
end
if tonumber(f[2]) ~= tonumber(ARGV[4]) then
	return 0
end
unindex(ARGV[2], ARGV[3], f[1], f[3])
redis.call('HSET', key, 'status', ARGV[5], 'expires', ARGV[6], 'owner', '')
index(ARGV[2], ARGV[3], ARGV[5], ARGV[7], '')
return 1
`)

	// ARGV: prefix, expires, score, then (type, instance, epoch) triples
	renewScript = goredis.NewScript(indexLib + `
local n = 0
for i = 4, #ARGV, 3 do
	local typ, inst = ARGV[i], ARGV[i + 1]
	local key = flowKey(typ, inst)
	local f = redis.call('HMGET', key, 'status', 'epoch')
	if f[1] == 'executing' and tonumber(f[2]) == tonumber(ARGV[i + 2]) then
		redis.call('HSET', key, 'expires', ARGV[2])
		redis.call('ZADD', prefix .. ':executing:' .. typ, ARGV[3], inst)
		n = n + 1
	end
end
return n
`)

	// ARGV: prefix, then (type, instance) pairs
	interruptScript = goredis.NewScript(indexLib + `
local n = 0
for i = 2, #ARGV, 2 do
	local typ, inst = ARGV[i], ARGV[i + 1]
	local key = flowKey(typ, inst)
	if redis.call('EXISTS', key) == 1 then
		n = n + 1
		redis.call('HINCRBY', key, 'interrupts', 1)
		if redis.call('HGET', key, 'status') == 'suspended' then
			redis.call('HSET', key, 'status', 'postponed', 'expires', 0)
			index(typ, inst, 'postponed', 0, '')
		end
	end
end
return n
`)

	// ARGV: prefix, owner
	rescheduleScript = goredis.NewScript(indexLib + `
local owned = prefix .. ':owned:' .. ARGV[2]
local n = 0
for _, m in ipairs(redis.call('SMEMBERS', owned)) do
	local typ, inst = string.match(m, '^(%d+):(.*)$')
	if typ then
		local key = flowKey(typ, inst)
		local f = redis.call('HMGET', key, 'status', 'owner')
		if f[1] == 'executing' and f[2] == ARGV[2] then
			redis.call('HSET', key, 'owner', '', 'expires', 0)
			redis.call('ZADD', prefix .. ':executing:' .. typ, 0, inst)
			n = n + 1
		end
	end
end
redis.call('DEL', owned)
return n
`)

	// ARGV: prefix, type, instance
	deleteScript = goredis.NewScript(indexLib + `
local key = flowKey(ARGV[2], ARGV[3])
local f = redis.call('HMGET', key, 'status', 'owner')
if not f[1] then
	return 0
end
unindex(ARGV[2], ARGV[3], f[1], f[2])
redis.call('DEL', key)
return 1
`)

	// KEYS: index; ARGV: prefix, type, exclusive upper score
	queryScript = goredis.NewScript(indexLib + `
local res = {}
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[3])
for _, inst in ipairs(members) do
	local epoch = redis.call('HGET', flowKey(ARGV[2], inst), 'epoch')
	if epoch then
		table.insert(res, inst)
		table.insert(res, epoch)
	end
end
return res
`)

	// KEYS: types hash, sequence; ARGV: name, max id
	typeScript = goredis.NewScript(`
local id = redis.call('HGET', KEYS[1], ARGV[1])
if id then
	return tonumber(id)
end
local n = redis.call('INCR', KEYS[2])
if n > tonumber(ARGV[2]) then
	return -1
end
redis.call('HSET', KEYS[1], ARGV[1], n)
return n
`)

	// KEYS: replicas hash; ARGV: id, heartbeat
	heartbeatScript = goredis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)
)
