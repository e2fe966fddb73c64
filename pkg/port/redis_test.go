package port

import (
	"testing"
	"time"

	"github.com/nobletooth/mango/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) *redisHandler {
	t.Helper()
	store := cache.New[any](t.Name(), cache.WithFileCache(false), cache.WithDefaultTTL(0))
	handler, err := newRedisHandler(store)
	require.NoError(t, err)
	return handler
}

func TestNewRedisHandler_NilCache(t *testing.T) {
	_, err := newRedisHandler(nil)
	assert.Error(t, err)
}

func TestRedisHandler_Ping(t *testing.T) {
	handler := newTestHandler(t)
	output := handler.handle(redisCommand{command: "PING"})
	assert.Equal(t, "PONG", output.writeString)
}

func TestRedisHandler_Quit(t *testing.T) {
	handler := newTestHandler(t)
	output := handler.handle(redisCommand{command: "QUIT"})
	assert.True(t, output.closeConnection)
	assert.Equal(t, "OK", output.writeString)
}

func TestRedisHandler_SetGet(t *testing.T) {
	handler := newTestHandler(t)

	output := handler.handle(redisCommand{command: "SET", args: []string{"k", "v"}})
	assert.Equal(t, "OK", output.writeString)

	output = handler.handle(redisCommand{command: "GET", args: []string{"k"}})
	assert.Equal(t, "v", output.writeString)

	output = handler.handle(redisCommand{command: "GET", args: []string{"missing"}})
	assert.True(t, output.writeNil, "A missing key answers with nil, not an error")

	output = handler.handle(redisCommand{command: "SET", args: []string{"only-key"}})
	require.NotNil(t, output.err)
	assert.Contains(t, *output.err, "wrong number of arguments")
}

func TestRedisHandler_SetWithExpiry(t *testing.T) {
	handler := newTestHandler(t)

	output := handler.handle(redisCommand{command: "SET", args: []string{"k", "v", "EX", "100"}})
	assert.Equal(t, "OK", output.writeString)
	output = handler.handle(redisCommand{command: "TTL", args: []string{"k"}})
	require.NotNil(t, output.writeInt)
	assert.InDelta(t, 100, *output.writeInt, 1)

	output = handler.handle(redisCommand{command: "SET", args: []string{"p", "v", "PX", "90000"}})
	assert.Equal(t, "OK", output.writeString)
	output = handler.handle(redisCommand{command: "TTL", args: []string{"p"}})
	require.NotNil(t, output.writeInt)
	assert.InDelta(t, 90, *output.writeInt, 1)

	for _, args := range [][]string{
		{"k", "v", "EX"},           // Missing amount.
		{"k", "v", "EX", "0"},      // Non-positive amount.
		{"k", "v", "EX", "nope"},   // Non-numeric amount.
		{"k", "v", "LOCK", "10"},   // Unknown modifier.
		{"k", "v", "EX", "1", "2"}, // Trailing garbage.
	} {
		output = handler.handle(redisCommand{command: "SET", args: args})
		assert.NotNil(t, output.err, "SET %v should be rejected", args)
	}
}

func TestRedisHandler_TTL(t *testing.T) {
	handler := newTestHandler(t)
	handler.handle(redisCommand{command: "SET", args: []string{"forever", "v"}})

	output := handler.handle(redisCommand{command: "TTL", args: []string{"missing"}})
	require.NotNil(t, output.writeInt)
	assert.Equal(t, -2, *output.writeInt, "A missing key answers -2")

	output = handler.handle(redisCommand{command: "TTL", args: []string{"forever"}})
	require.NotNil(t, output.writeInt)
	assert.Equal(t, -1, *output.writeInt, "A key without expiry answers -1")
}

func TestRedisHandler_DelAndExists(t *testing.T) {
	handler := newTestHandler(t)
	handler.handle(redisCommand{command: "SET", args: []string{"a", "1"}})
	handler.handle(redisCommand{command: "SET", args: []string{"b", "2"}})

	output := handler.handle(redisCommand{command: "EXISTS", args: []string{"a", "b", "missing"}})
	require.NotNil(t, output.writeInt)
	assert.Equal(t, 2, *output.writeInt)

	output = handler.handle(redisCommand{command: "DEL", args: []string{"a", "missing"}})
	require.NotNil(t, output.writeInt)
	assert.Equal(t, 1, *output.writeInt, "DEL counts only the keys that existed")

	output = handler.handle(redisCommand{command: "EXISTS", args: []string{"a"}})
	require.NotNil(t, output.writeInt)
	assert.Equal(t, 0, *output.writeInt)
}

func TestRedisHandler_Keys(t *testing.T) {
	handler := newTestHandler(t)
	for _, key := range []string{"user:1", "user:2", "order:1"} {
		handler.handle(redisCommand{command: "SET", args: []string{key, "v"}})
	}

	output := handler.handle(redisCommand{command: "KEYS", args: []string{"user:*"}})
	assert.Equal(t, []string{"user:1", "user:2"}, output.writeBulk)

	output = handler.handle(redisCommand{command: "KEYS", args: []string{"*"}})
	assert.Equal(t, []string{"order:1", "user:1", "user:2"}, output.writeBulk)
}

func TestRedisHandler_FlushAll(t *testing.T) {
	handler := newTestHandler(t)
	handler.handle(redisCommand{command: "SET", args: []string{"k", "v"}})

	output := handler.handle(redisCommand{command: "FLUSHALL"})
	assert.Equal(t, "OK", output.writeString)

	output = handler.handle(redisCommand{command: "GET", args: []string{"k"}})
	assert.True(t, output.writeNil)
}

func TestRedisHandler_Info(t *testing.T) {
	handler := newTestHandler(t)
	handler.handle(redisCommand{command: "SET", args: []string{"k", "v"}})
	handler.handle(redisCommand{command: "GET", args: []string{"k"}})
	handler.handle(redisCommand{command: "GET", args: []string{"missing"}})

	output := handler.handle(redisCommand{command: "INFO"})
	assert.Contains(t, output.writeString, "hits:1")
	assert.Contains(t, output.writeString, "misses:1")
	assert.Contains(t, output.writeString, "sets:1")
	assert.Contains(t, output.writeString, "total_requests:2")
}

func TestRedisHandler_UnknownCommand(t *testing.T) {
	handler := newTestHandler(t)
	output := handler.handle(redisCommand{command: "SUBSCRIBE"})
	require.NotNil(t, output.err)
	assert.Contains(t, *output.err, "unknown command")
}

func TestParseSetExpiry(t *testing.T) {
	ttl, err := parseSetExpiry(nil)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), ttl)

	ttl, err = parseSetExpiry([]string{"ex", "5"})
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, ttl, "Lowercase modifiers are accepted")

	ttl, err = parseSetExpiry([]string{"PX", "250"})
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, ttl)
}
