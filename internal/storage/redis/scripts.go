package redis

const (
	// createSessionScript atomically creates a session and its indexes,
	// refusing to overwrite an existing id or invoice.
	createSessionScript = `
local session_key = KEYS[1]   -- playtime:session:{sessionID}
local status_set = KEYS[2]    -- playtime:sessions:status:{status}
local invoice_key = KEYS[3]   -- playtime:sessions:invoice:{invoiceID}
local all_set = KEYS[4]       -- playtime:sessions:all

local session_id = ARGV[1]
local has_invoice = ARGV[2]
local created_score = ARGV[3]
local session_prefix = ARGV[4]

if redis.call('EXISTS', session_key) == 1 then
  return 'EXISTS'
end
if has_invoice == '1' then
  -- An invoice whose session has expired may be activated again
  local owner = redis.call('GET', invoice_key)
  if owner and redis.call('EXISTS', session_prefix .. owner) == 1 then
    return 'EXISTS'
  end
end

local fields = {}
for i = 5, #ARGV do
  fields[#fields + 1] = ARGV[i]
end
redis.call('HSET', session_key, unpack(fields))

redis.call('SADD', status_set, session_id)
redis.call('ZADD', all_set, created_score, session_id)
if has_invoice == '1' then
  redis.call('SET', invoice_key, session_id)
end

return 'OK'
`

	// updateSessionScript writes a session only if its stored version still
	// matches, moving it between status indexes as needed
	updateSessionScript = `
local session_key = KEYS[1]      -- playtime:session:{sessionID}
local new_status_set = KEYS[2]   -- playtime:sessions:status:{newStatus}
local invoice_key = KEYS[3]      -- playtime:sessions:invoice:{invoiceID}

local session_id = ARGV[1]
local expected_version = ARGV[2]
local status_prefix = ARGV[3]
local new_status = ARGV[4]
local retention = tonumber(ARGV[5])
local has_invoice = ARGV[6]

local current = redis.call('HGET', session_key, 'version')
if not current then
  return 'NOT_FOUND'
end
if current ~= expected_version then
  return 'CONFLICT'
end

local old_status = redis.call('HGET', session_key, 'status')

local fields = {}
for i = 7, #ARGV do
  fields[#fields + 1] = ARGV[i]
end
redis.call('HSET', session_key, unpack(fields))

if old_status ~= new_status then
  redis.call('SREM', status_prefix .. old_status, session_id)
  redis.call('SADD', new_status_set, session_id)
end

-- Finished sessions are kept for the retention period only
if retention > 0 then
  redis.call('EXPIRE', session_key, retention)
  if has_invoice == '1' then
    redis.call('EXPIRE', invoice_key, retention)
  end
end

return 'OK'
`
)
