package redis

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/betcha/internal/domain"
)

var testRound = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

func TestKeyHelpers(t *testing.T) {
	assert.Equal(t, "round:0x5FbDB2315678afecb367f032d93F642f64180aa3", RoundKey(testRound))
	assert.Equal(t, "ch:round:0x5FbDB2315678afecb367f032d93F642f64180aa3", domain.RoundChannel(testRound))
	assert.Equal(t, "lock:round:0x5FbDB2315678afecb367f032d93F642f64180aa3", lockKey(domain.RoundLockKey(testRound)))
	assert.Equal(t, "ratelimit:api:key-1", rateLimitKey("api:key-1"))
}

func TestHasPattern(t *testing.T) {
	assert.True(t, hasPattern(domain.AllRoundsPattern))
	assert.True(t, hasPattern("ch:round:[ab]"))
	assert.False(t, hasPattern(domain.RoundChannel(testRound)))
	assert.False(t, hasPattern(domain.EventsStream))
}

func TestPayloadBytes(t *testing.T) {
	b, ok := payloadBytes("abc")
	assert.True(t, ok)
	assert.Equal(t, []byte("abc"), b)

	b, ok = payloadBytes([]byte("xyz"))
	assert.True(t, ok)
	assert.Equal(t, []byte("xyz"), b)

	_, ok = payloadBytes(42)
	assert.False(t, ok)
}

func TestClientKeyNamespace(t *testing.T) {
	assert.Equal(t, "round:x", (&Client{}).Key("round:x"))

	c := &Client{prefix: "betcha:staging:"}
	assert.Equal(t, "betcha:staging:lock:round:0x5FbDB2315678afecb367f032d93F642f64180aa3",
		c.Key(lockKey(domain.RoundLockKey(testRound))))
	assert.Equal(t, "betcha:staging:"+domain.AllRoundsPattern, c.Key(domain.AllRoundsPattern))
	assert.True(t, hasPattern(c.Key(domain.AllRoundsPattern)))
}
