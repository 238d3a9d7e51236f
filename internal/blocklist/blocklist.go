// Package blocklist holds the set of addresses that must never be mailed.
// The set is loaded once at startup and is read-only afterwards, so lookups
// need no locking.
package blocklist

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
)

// List is an immutable address set.
type List struct {
	addresses map[string]struct{}
}

// New builds a list from the given addresses.
func New(addresses []string) *List {
	l := &List{addresses: make(map[string]struct{}, len(addresses))}
	for _, a := range addresses {
		a = strings.ToLower(strings.TrimSpace(a))
		if a != "" {
			l.addresses[a] = struct{}{}
		}
	}
	return l
}

// Load reads a newline-delimited block list file. A missing path yields an
// empty list rather than an error so deployments without a block list work
// out of the box.
func Load(path string) (*List, error) {
	if path == "" {
		return New(nil), nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(nil), nil
		}
		return nil, fmt.Errorf("opening block list %s: %w", path, err)
	}
	defer f.Close()

	var addresses []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		addresses = append(addresses, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading block list %s: %w", path, err)
	}
	return New(addresses), nil
}

// LoadRedis merges the members of a Redis set on top of the file-loaded
// list, so operational blocks can be added without a redeploy.
func LoadRedis(ctx context.Context, base *List, client *redis.Client, key string) (*List, error) {
	if client == nil || key == "" {
		return base, nil
	}
	members, err := client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("loading block list from redis key %s: %w", key, err)
	}
	merged := New(members)
	for a := range base.addresses {
		merged.addresses[a] = struct{}{}
	}
	return merged, nil
}

// Blocked reports whether the address is on the list. Matching is
// case-insensitive on the full address.
func (l *List) Blocked(address string) bool {
	_, ok := l.addresses[strings.ToLower(strings.TrimSpace(address))]
	return ok
}

// Size returns the number of blocked addresses.
func (l *List) Size() int {
	return len(l.addresses)
}
