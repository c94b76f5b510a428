// Package redisstore is a multi-process host.SharedStore implementation for
// deployments where workers are separate OS processes and an in-memory map
// can no longer be shared directly. It uses github.com/redis/go-redis/v9
// for storage and github.com/dgryski/go-rendezvous to shard keys by
// rendezvous hash across a list of redis endpoints.
package redisstore

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/dgryski/go-rendezvous"
	"github.com/redis/go-redis/v9"

	"github.com/3scale/cache-filter/pkg/host"
)

// casSetScript atomically compares the stored cas field against the
// expected value and writes (value, cas) only on a match, unconditionally
// when expected == 0, or unconditionally (inserting a fresh cas) when the
// key has never been observed. It returns the new cas, or -1 on mismatch.
const casSetScript = `
local key = KEYS[1]
local value = ARGV[1]
local expected = tonumber(ARGV[2])
local newcas = tonumber(ARGV[3])

if expected == 0 then
	redis.call('HSET', key, 'v', value, 'c', newcas)
	return newcas
end

local current = redis.call('HGET', key, 'c')
if current == false then
	-- key never observed: insert unconditionally, establishing a fresh cas.
	redis.call('HSET', key, 'v', value, 'c', newcas)
	return newcas
end

if tonumber(current) ~= expected then
	return -1
end

redis.call('HSET', key, 'v', value, 'c', newcas)
return newcas
`

// Store is a rendezvous-sharded, CAS-capable redis-backed host.SharedStore.
type Store struct {
	clients map[string]*redis.Client
	hash    *rendezvous.Rendezvous
	script  *redis.Script
}

// New builds a Store over the given list of redis addresses (host:port).
// A single address is a valid, degenerate shard set.
func New(addrs []string) (*Store, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redisstore: at least one redis address is required")
	}

	clients := make(map[string]*redis.Client, len(addrs))
	for _, addr := range addrs {
		clients[addr] = redis.NewClient(&redis.Options{Addr: addr})
	}

	h := rendezvous.New(addrs, hashString)

	return &Store{
		clients: clients,
		hash:    h,
		script:  redis.NewScript(casSetScript),
	}, nil
}

func hashString(s string) uint64 {
	var b [8]byte
	copy(b[:], s)
	return binary.LittleEndian.Uint64(b[:])
}

func (s *Store) clientFor(key string) *redis.Client {
	return s.clients[s.hash.Lookup(key)]
}

// Get implements host.SharedStore.
func (s *Store) Get(ctx context.Context, key string) ([]byte, host.CAS, error) {
	c := s.clientFor(key)
	res, err := c.HMGet(ctx, key, "v", "c").Result()
	if err != nil {
		return nil, 0, fmt.Errorf("redisstore: get %s: %s", key, err.Error())
	}
	if res[1] == nil {
		return nil, 0, host.ErrNotFound
	}
	casStr, ok := res[1].(string)
	if !ok {
		return nil, 0, fmt.Errorf("redisstore: malformed cas for %s", key)
	}
	var cas host.CAS
	if _, err := fmt.Sscanf(casStr, "%d", &cas); err != nil {
		return nil, 0, fmt.Errorf("redisstore: malformed cas for %s", key)
	}
	if res[0] == nil {
		return nil, cas, nil
	}
	valStr, ok := res[0].(string)
	if !ok {
		return nil, cas, nil
	}
	return []byte(valStr), cas, nil
}

// Set implements host.SharedStore.
func (s *Store) Set(ctx context.Context, key string, value []byte, cas host.CAS) (host.CAS, error) {
	newCas := randomCas()
	c := s.clientFor(key)
	result, err := s.script.Run(ctx, c, []string{key}, value, int64(cas), int64(newCas)).Int64()
	if err != nil {
		return 0, fmt.Errorf("redisstore: set %s: %s", key, err.Error())
	}
	if result < 0 {
		return 0, host.ErrCasMismatch{Key: key}
	}
	return host.CAS(result), nil
}

// Clear implements host.SharedStore: it removes the value field but keeps
// the cas field, matching the store's lack of true deletion.
func (s *Store) Clear(ctx context.Context, key string) error {
	c := s.clientFor(key)
	if err := c.HDel(ctx, key, "v").Err(); err != nil {
		return fmt.Errorf("redisstore: clear %s: %s", key, err.Error())
	}
	return nil
}

func randomCas() host.CAS {
	var b [4]byte
	_, _ = rand.Read(b[:])
	v := binary.BigEndian.Uint32(b[:])
	if v == 0 {
		v = 1
	}
	return host.CAS(v)
}
