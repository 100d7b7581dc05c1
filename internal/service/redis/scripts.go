package redis

import "github.com/redis/go-redis/v9"

// All multi-key mutations run as server-side scripts so every caller sees
// either the full effect or none. Counters and stream ids are produced inside
// the scripts; callers never read-modify-write across round trips.

// storeMessageScript commits one envelope: bytes, metadata, expiry bucket,
// receive queue entry and (for authenticated senders) send queue entry, plus
// global counters. Idempotent on the message hash: a re-submission returns
// the original receive stream id without touching any counter.
//
// KEYS[1] = message hash
// ARGV    = envelope, expiry epoch (s), byte length, to hash, from hash (may
//           be empty), arrival timestamp (ms)
var storeMessageScript = redis.NewScript(`
if #ARGV < 6 then
    return redis.error_reply("INVALID_ARGS")
end
local bytes = tonumber(ARGV[3])
if bytes == nil then
    return redis.error_reply("INVALID_ARGS")
end

local msg_hash = KEYS[1]
local meta_key = "MSG:META:" .. msg_hash
if redis.call("EXISTS", "MSG:" .. msg_hash) == 1 then
    local receive_id = redis.call("HGET", meta_key, "RECEIVE_ID")
    local send_id = redis.call("HGET", meta_key, "SEND_ID")
    return {receive_id or "", send_id or ""}
end

local envelope = ARGV[1]
local expires = tonumber(ARGV[2])
local to_hash = ARGV[4]
local from_hash = ARGV[5]
local ts = ARGV[6]

redis.call("SET", "MSG:" .. msg_hash, envelope)
redis.call("HINCRBY", "GLOBAL", "RECEIVED_BYTES", bytes)
redis.call("HINCRBY", "GLOBAL", "RECEIVED_COUNT", 1)

redis.call("ZADD", "MSG_EXPIRY", expires, tostring(expires))
redis.call("SADD", "MSG_EXPIRY:" .. expires, msg_hash)

local receive_id = redis.call("XADD", "RECEIVE_Q:" .. to_hash, "*", "msg", msg_hash, "bytes", bytes)
redis.call("HINCRBY", "DID:" .. to_hash, "RECEIVE_QUEUE_COUNT", 1)
redis.call("HINCRBY", "DID:" .. to_hash, "RECEIVE_QUEUE_BYTES", bytes)

local send_id = ""
if from_hash ~= "" then
    send_id = redis.call("XADD", "SEND_Q:" .. from_hash, "*", "msg", msg_hash, "bytes", bytes)
    redis.call("HINCRBY", "DID:" .. from_hash, "SEND_QUEUE_COUNT", 1)
    redis.call("HINCRBY", "DID:" .. from_hash, "SEND_QUEUE_BYTES", bytes)
end

redis.call("HSET", meta_key,
    "BYTES", bytes,
    "TO", to_hash,
    "EXPIRES_AT", expires,
    "TIMESTAMP", ts,
    "RECEIVE_ID", receive_id)
if from_hash ~= "" then
    redis.call("HSET", meta_key, "FROM", from_hash, "SEND_ID", send_id)
end

return {receive_id, send_id}
`)

// deleteMessageScript removes an envelope and every reference to it. The
// requester must be the recipient, the sender, or the admin sentinel.
//
// KEYS[1] = message hash
// ARGV    = requester hash (or "ADMIN")
var deleteMessageScript = redis.NewScript(`
local msg_hash = KEYS[1]
local requester = ARGV[1]
local meta_key = "MSG:META:" .. msg_hash

if redis.call("EXISTS", meta_key) == 0 then
    return redis.error_reply("NOT_FOUND")
end

local to_hash = redis.call("HGET", meta_key, "TO")
local from_hash = redis.call("HGET", meta_key, "FROM")
if requester ~= "ADMIN" and requester ~= to_hash then
    if from_hash == false or requester ~= from_hash then
        return redis.error_reply("FORBIDDEN")
    end
end

local bytes = tonumber(redis.call("HGET", meta_key, "BYTES"))
if bytes == nil then
    return redis.error_reply("CORRUPT")
end

local receive_id = redis.call("HGET", meta_key, "RECEIVE_ID")
if receive_id ~= false and to_hash ~= false then
    redis.call("XDEL", "RECEIVE_Q:" .. to_hash, receive_id)
    redis.call("HINCRBY", "DID:" .. to_hash, "RECEIVE_QUEUE_COUNT", -1)
    redis.call("HINCRBY", "DID:" .. to_hash, "RECEIVE_QUEUE_BYTES", -bytes)
end

local send_id = redis.call("HGET", meta_key, "SEND_ID")
if send_id ~= false and from_hash ~= false then
    redis.call("XDEL", "SEND_Q:" .. from_hash, send_id)
    redis.call("HINCRBY", "DID:" .. from_hash, "SEND_QUEUE_COUNT", -1)
    redis.call("HINCRBY", "DID:" .. from_hash, "SEND_QUEUE_BYTES", -bytes)
end

local expires = redis.call("HGET", meta_key, "EXPIRES_AT")
if expires ~= false then
    redis.call("SREM", "MSG_EXPIRY:" .. expires, msg_hash)
    if redis.call("SCARD", "MSG_EXPIRY:" .. expires) == 0 then
        redis.call("ZREM", "MSG_EXPIRY", expires)
    end
end

redis.call("DEL", "MSG:" .. msg_hash, meta_key)
redis.call("HINCRBY", "GLOBAL", "DELETED_BYTES", bytes)
redis.call("HINCRBY", "GLOBAL", "DELETED_COUNT", 1)
return "OK"
`)

// fetchMessagesScript pages through a receive queue in stream order, joining
// each entry with its envelope and metadata.
//
// KEYS[1] = did hash
// ARGV    = start stream id ("-" for the beginning, otherwise exclusive),
//           limit
var fetchMessagesScript = redis.NewScript(`
local q = "RECEIVE_Q:" .. KEYS[1]
local start = ARGV[1]
if start ~= "-" then
    start = "(" .. start
end
local limit = tonumber(ARGV[2])
if limit == nil or limit < 1 then
    return redis.error_reply("INVALID_ARGS")
end

local entries = redis.call("XRANGE", q, start, "+", "COUNT", limit)
local out = {}
for _, entry in ipairs(entries) do
    local id = entry[1]
    local fields = entry[2]
    local msg_hash = nil
    for i = 1, #fields, 2 do
        if fields[i] == "msg" then
            msg_hash = fields[i + 1]
        end
    end
    if msg_hash then
        local envelope = redis.call("GET", "MSG:" .. msg_hash)
        local meta = redis.call("HGETALL", "MSG:META:" .. msg_hash)
        table.insert(out, {id, msg_hash, envelope or "", meta})
    end
end
return out
`)

// getStatusReplyScript summarizes a receive queue for the pickup status
// message.
//
// KEYS[1] = did hash
var getStatusReplyScript = redis.NewScript(`
local did = KEYS[1]
local q = "RECEIVE_Q:" .. did

local count = tonumber(redis.call("HGET", "DID:" .. did, "RECEIVE_QUEUE_COUNT") or "0") or 0
local bytes = tonumber(redis.call("HGET", "DID:" .. did, "RECEIVE_QUEUE_BYTES") or "0") or 0

local oldest = ""
local first = redis.call("XRANGE", q, "-", "+", "COUNT", 1)
if #first > 0 then
    oldest = first[1][1]
end

local newest = ""
local last = redis.call("XREVRANGE", q, "+", "-", "COUNT", 1)
if #last > 0 then
    newest = last[1][1]
end

local queue_count = redis.call("XLEN", q)
local live = redis.call("HEXISTS", "GLOBAL_STREAMING", did)

return {count, bytes, oldest, newest, queue_count, live}
`)

// cleanStartStreamingScript evicts every live subscription registered by the
// session, reconciling the per-session set and the global streaming map in
// one step. Returns the number of evicted entries.
//
// KEYS[1] = session uuid
var cleanStartStreamingScript = redis.NewScript(`
local skey = "STREAMING_SESSIONS:" .. KEYS[1]
local members = redis.call("SMEMBERS", skey)
for _, did in ipairs(members) do
    redis.call("HDEL", "GLOBAL_STREAMING", did)
end
redis.call("DEL", skey)
return #members
`)

var allScripts = []*redis.Script{
	storeMessageScript,
	deleteMessageScript,
	fetchMessagesScript,
	getStatusReplyScript,
	cleanStartStreamingScript,
}
