package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zsiec/stitch/internal/logger"
)

// RedisCatalog stores entries as JSON under prefix+location, with an index
// set at prefix+"index" for listing.
type RedisCatalog struct {
	client *redis.Client
	log    logger.Logger
	prefix string
	ttl    time.Duration
}

// NewRedisCatalog creates a catalog on client. A zero ttl keeps entries
// forever.
func NewRedisCatalog(client *redis.Client, prefix string, ttl time.Duration, log logger.Logger) *RedisCatalog {
	if prefix == "" {
		prefix = "stitch:fragment:"
	}
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &RedisCatalog{
		client: client,
		log:    logger.WithComponent(log, "catalog"),
		prefix: prefix,
		ttl:    ttl,
	}
}

func (r *RedisCatalog) key(location string) string { return r.prefix + location }

func (r *RedisCatalog) indexKey() string { return r.prefix + "index" }

func (r *RedisCatalog) get(ctx context.Context, location string) (*Entry, error) {
	data, err := r.client.Get(ctx, r.key(location)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get fragment: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fragment: %w", err)
	}
	return &e, nil
}

func (r *RedisCatalog) Lookup(ctx context.Context, location string) (*Entry, error) {
	e, err := r.get(ctx, location)
	if err != nil {
		return nil, err
	}
	s, err := statFile(location)
	if err != nil || !e.matches(s) {
		r.log.WithField("location", location).Debug("Catalog entry is stale")
		return nil, ErrNotFound
	}
	return e, nil
}

func (r *RedisCatalog) Store(ctx context.Context, location string, d time.Duration) error {
	s, err := statFile(location)
	if err != nil {
		return err
	}
	data, err := json.Marshal(newEntry(location, s, d))
	if err != nil {
		return fmt.Errorf("failed to marshal fragment: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key(location), data, r.ttl)
		pipe.SAdd(ctx, r.indexKey(), location)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store fragment: %w", err)
	}

	r.log.WithFields(map[string]interface{}{
		"location": location,
		"duration": d,
	}).Debug("Fragment catalogued")
	return nil
}

// List returns all entries. Index members whose entry expired are removed.
func (r *RedisCatalog) List(ctx context.Context) ([]*Entry, error) {
	locations, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list fragments: %w", err)
	}
	if len(locations) == 0 {
		return []*Entry{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(locations))
	for i, loc := range locations {
		cmds[i] = pipe.Get(ctx, r.key(loc))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get fragments: %w", err)
	}

	entries := make([]*Entry, 0, len(cmds))
	var expired []interface{}
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			expired = append(expired, locations[i])
			continue
		} else if err != nil {
			r.log.WithError(err).Warnf("Failed to get fragment %s", locations[i])
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			r.log.WithError(err).Warnf("Failed to unmarshal fragment %s", locations[i])
			continue
		}
		entries = append(entries, &e)
	}

	if len(expired) > 0 {
		if err := r.client.SRem(ctx, r.indexKey(), expired...).Err(); err != nil {
			r.log.WithError(err).Warn("Failed to prune catalog index")
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Location < entries[j].Location })
	return entries, nil
}

func (r *RedisCatalog) Forget(ctx context.Context, location string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key(location))
		pipe.SRem(ctx, r.indexKey(), location)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to forget fragment: %w", err)
	}
	return nil
}

// Close does not close the client, which the caller owns.
func (r *RedisCatalog) Close() error {
	return nil
}
