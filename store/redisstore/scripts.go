package redisstore

import "github.com/redis/go-redis/v9"

// Script result codes. Every script returns {code, count}.
const (
	codeOK              int64 = 0
	codeDuplicateHash   int64 = 1
	codeDuplicateUUID   int64 = 2
	codeNotFound        int64 = 3
	codeAlreadyConsumed int64 = 4
	codeFamilyTooLarge  int64 = 5
)

// Key layout under prefix p:
//
//	p:t:<uuid>  hash   record fields, times in unix ms
//	p:h:<hash>  string uuid
//	p:c:<uuid>  set    child uuids (parent index)
//	p:s:<sid>   set    uuids of the session
//	p:exp       zset   active uuids by expires_ms
//	p:seq       string surrogate id sequence
const prelude = `
local function tkey(p, uuid) return p .. ":t:" .. uuid end

local function insert_record(p, uuid, sid, uid, hash, parent, issued, expires)
  if redis.call("EXISTS", p .. ":h:" .. hash) == 1 then
    return 1
  end
  if redis.call("EXISTS", tkey(p, uuid)) == 1 then
    return 2
  end
  local id = redis.call("INCR", p .. ":seq")
  redis.call("HSET", tkey(p, uuid),
    "id", id,
    "sid", sid,
    "uid", uid,
    "hash", hash,
    "status", "active",
    "parent", parent,
    "replaced_by", "",
    "issued_ms", issued,
    "expires_ms", expires,
    "consumed_ms", "")
  redis.call("SET", p .. ":h:" .. hash, uuid)
  redis.call("SADD", p .. ":s:" .. sid, uuid)
  if parent ~= "" then
    redis.call("SADD", p .. ":c:" .. parent, uuid)
  end
  redis.call("ZADD", p .. ":exp", expires, uuid)
  return 0
end

local function active_status(p, uuid)
  local status = redis.call("HGET", tkey(p, uuid), "status")
  if not status then
    return 3
  end
  if status ~= "active" then
    return 4
  end
  return 0
end

local function consume(p, uuid, replaced_by, at)
  redis.call("HSET", tkey(p, uuid), "status", "consumed", "replaced_by", replaced_by, "consumed_ms", at)
  redis.call("ZREM", p .. ":exp", uuid)
end

local function revoke(p, uuid)
  local key = tkey(p, uuid)
  if redis.call("HGET", key, "status") == "active" then
    redis.call("HSET", key, "status", "revoked")
    redis.call("ZREM", p .. ":exp", uuid)
    return 1
  end
  return 0
end
`

// ARGV: prefix, uuid, sid, uid, hash, parent, issued_ms, expires_ms
const insertScript = prelude + `
local code = insert_record(ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5], ARGV[6], ARGV[7], ARGV[8])
return {code, 0}
`

// ARGV: prefix, uuid, replaced_by, at_ms
const markConsumedScript = prelude + `
local code = active_status(ARGV[1], ARGV[2])
if code ~= 0 then
  return {code, 0}
end
consume(ARGV[1], ARGV[2], ARGV[3], ARGV[4])
return {0, 1}
`

// ARGV: prefix, current, at_ms, uuid, sid, uid, hash, parent, issued_ms, expires_ms
const consumeAndInsertScript = prelude + `
local p = ARGV[1]
local code = active_status(p, ARGV[2])
if code ~= 0 then
  return {code, 0}
end
code = insert_record(p, ARGV[4], ARGV[5], ARGV[6], ARGV[7], ARGV[8], ARGV[9], ARGV[10])
if code ~= 0 then
  return {code, 0}
end
consume(p, ARGV[2], ARGV[4], ARGV[3])
return {0, 1}
`

// ARGV: prefix, uuid, max
//
// Climbs parent links to the root, then walks the child index breadth first
// so successors orphaned by a lost rotation race are reached too.
const revokeFamilyScript = prelude + `
local p = ARGV[1]
local max = tonumber(ARGV[3])
if redis.call("EXISTS", tkey(p, ARGV[2])) == 0 then
  return {3, 0}
end

local root = ARGV[2]
local depth = 0
while true do
  local parent = redis.call("HGET", tkey(p, root), "parent")
  if not parent or parent == "" then
    break
  end
  if redis.call("EXISTS", tkey(p, parent)) == 0 then
    break
  end
  if depth >= max then
    return {5, 0}
  end
  depth = depth + 1
  root = parent
end

local members = {root}
local i = 1
while i <= #members do
  local kids = redis.call("SMEMBERS", p .. ":c:" .. members[i])
  for _, kid in ipairs(kids) do
    if #members >= max then
      return {5, 0}
    end
    members[#members + 1] = kid
  end
  i = i + 1
end

local n = 0
for _, uuid in ipairs(members) do
  n = n + revoke(p, uuid)
end
return {0, n}
`

// ARGV: prefix, sid
const revokeBySessionScript = prelude + `
local p = ARGV[1]
local n = 0
for _, uuid in ipairs(redis.call("SMEMBERS", p .. ":s:" .. ARGV[2])) do
  n = n + revoke(p, uuid)
end
return {0, n}
`

// ARGV: prefix, now_ms, limit
const expireStaleScript = prelude + `
local p = ARGV[1]
local stale = redis.call("ZRANGEBYSCORE", p .. ":exp", "-inf", "(" .. ARGV[2], "LIMIT", 0, tonumber(ARGV[3]))
local n = 0
for _, uuid in ipairs(stale) do
  local revoked = revoke(p, uuid)
  if revoked == 0 then
    redis.call("ZREM", p .. ":exp", uuid)
  end
  n = n + revoked
end
return {0, n}
`

// KEYS[1] version key, ARGV[1] initial version
const bumpVersionScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  redis.call("SET", KEYS[1], ARGV[1])
end
return redis.call("INCR", KEYS[1])
`

var (
	insertLua           = redis.NewScript(insertScript)
	markConsumedLua     = redis.NewScript(markConsumedScript)
	consumeAndInsertLua = redis.NewScript(consumeAndInsertScript)
	revokeFamilyLua     = redis.NewScript(revokeFamilyScript)
	revokeBySessionLua  = redis.NewScript(revokeBySessionScript)
	expireStaleLua      = redis.NewScript(expireStaleScript)
	bumpVersionLua      = redis.NewScript(bumpVersionScript)
)
