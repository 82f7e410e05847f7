package reservation

import "github.com/redis/go-redis/v9"

// reserveScript checks every stock and voucher request before mutating
// anything, so a failed reservation leaves no partial state behind.
//
// KEYS: items, vouchers, ttl, <variant keys...>, <global, user voucher key pairs...>
// ARGV: orderId, ttlSeconds, nStock, nVoucher, <qty, realStock pairs...>, <maxUses, usersCount pairs...>
var reserveScript = redis.NewScript(`
local itemsKey = KEYS[1]
local vouchersKey = KEYS[2]
local ttlKey = KEYS[3]

local orderId = ARGV[1]
local nStock = tonumber(ARGV[3])
local nVoucher = tonumber(ARGV[4])

if redis.call("EXISTS", itemsKey) == 1 or redis.call("EXISTS", vouchersKey) == 1 or redis.call("EXISTS", ttlKey) == 1 then
	return {"ALREADY_RESERVED", ttlKey}
end

local stockKeyBase = 3
local stockArgBase = 4
for i = 1, nStock do
	local key = KEYS[stockKeyBase + i]
	local qty = tonumber(ARGV[stockArgBase + (i - 1) * 2 + 1])
	local realStock = tonumber(ARGV[stockArgBase + (i - 1) * 2 + 2])
	local reserved = tonumber(redis.call("GET", key) or "0")
	if qty + reserved > realStock then
		return {"INSUFFICIENT_STOCK", key}
	end
end

local voucherKeyBase = stockKeyBase + nStock
local voucherArgBase = stockArgBase + nStock * 2
for i = 1, nVoucher do
	local globalKey = KEYS[voucherKeyBase + (i - 1) * 2 + 1]
	local userKey = KEYS[voucherKeyBase + (i - 1) * 2 + 2]
	local maxUses = tonumber(ARGV[voucherArgBase + (i - 1) * 2 + 1])
	local usersCount = tonumber(ARGV[voucherArgBase + (i - 1) * 2 + 2])
	if maxUses > 0 then
		local reserved = tonumber(redis.call("GET", globalKey) or "0")
		if usersCount + reserved >= maxUses then
			return {"VOUCHER_EXHAUSTED", globalKey}
		end
	end
	if redis.call("EXISTS", userKey) == 1 then
		return {"VOUCHER_CLAIMED", userKey}
	end
end

for i = 1, nStock do
	local key = KEYS[stockKeyBase + i]
	local qty = ARGV[stockArgBase + (i - 1) * 2 + 1]
	redis.call("INCRBY", key, qty)
	redis.call("HSET", itemsKey, key, qty)
end

for i = 1, nVoucher do
	local globalKey = KEYS[voucherKeyBase + (i - 1) * 2 + 1]
	local userKey = KEYS[voucherKeyBase + (i - 1) * 2 + 2]
	redis.call("INCRBY", globalKey, "1")
	redis.call("SET", userKey, orderId)
	redis.call("HSET", vouchersKey, "global:" .. i, globalKey)
	redis.call("HSET", vouchersKey, "user:" .. i, userKey)
end

redis.call("SET", ttlKey, ARGV[2])
redis.call("EXPIRE", ttlKey, ARGV[2])
return {"OK", ""}
`)

// releaseScript undoes a reservation from its snapshot. Counters are
// clamped at zero: a counter that would drop to zero or below is deleted.
//
// KEYS: items, vouchers, discounts, prices, ttl
var releaseScript = redis.NewScript(`
local itemsKey = KEYS[1]
local vouchersKey = KEYS[2]
local discountsKey = KEYS[3]
local pricesKey = KEYS[4]
local ttlKey = KEYS[5]

local hasItems = redis.call("EXISTS", itemsKey) == 1
local hasVouchers = redis.call("EXISTS", vouchersKey) == 1

local function decrement(key, by)
	local current = tonumber(redis.call("GET", key) or "0")
	local nextVal = current - by
	if nextVal > 0 then
		redis.call("SET", key, tostring(nextVal))
	else
		redis.call("DEL", key)
	end
end

if hasItems then
	local items = redis.call("HGETALL", itemsKey)
	for i = 1, #items, 2 do
		local qty = tonumber(items[i + 1]) or 0
		if qty > 0 then
			decrement(items[i], qty)
		end
	end
end

if hasVouchers then
	local vouchers = redis.call("HGETALL", vouchersKey)
	for i = 1, #vouchers, 2 do
		local field = vouchers[i]
		local key = vouchers[i + 1]
		if string.sub(field, 1, 7) == "global:" then
			decrement(key, 1)
		elseif string.sub(field, 1, 5) == "user:" then
			redis.call("DEL", key)
		end
	end
end

redis.call("DEL", itemsKey, vouchersKey, discountsKey, pricesKey, ttlKey)

if hasItems or hasVouchers then
	return "RELEASED"
end
return "NOOP"
`)

// saveMetaScript writes the price and discount hashes only while the
// reservation is still alive, so a concurrent release cannot be followed by
// orphaned meta.
//
// KEYS: ttl, prices, discounts
// ARGV: nPrices, <variationId, price pairs...>, nDiscounts, <discountId, amount pairs...>
var saveMetaScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end

local i = 1
for k = 2, 3 do
	local n = tonumber(ARGV[i])
	i = i + 1
	if n > 0 then
		local fields = {}
		for j = 1, n * 2 do
			fields[j] = ARGV[i]
			i = i + 1
		end
		redis.call("HSET", KEYS[k], unpack(fields))
	end
end
return 1
`)
