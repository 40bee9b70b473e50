package commission

import (
	"context"
	"errors"

	"smallbiznis-commission/pkg/rediskey"

	"github.com/redis/go-redis/v9"
)

// StaffDirectory resolves a staff member's current role in a venue.
type StaffDirectory interface {
	Role(ctx context.Context, venueID, staffID string) (string, error)
}

// redisDirectory reads the "staff:role:{venue_id}" hash maintained by the
// staff service. A missing entry yields an empty role.
type redisDirectory struct {
	rdb *redis.Client
}

func NewRedisStaffDirectory(rdb *redis.Client) StaffDirectory {
	return &redisDirectory{rdb: rdb}
}

func (d *redisDirectory) Role(ctx context.Context, venueID, staffID string) (string, error) {
	role, err := d.rdb.HGet(ctx, rediskey.BuildStaffRoleKey(venueID), staffID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return role, err
}
