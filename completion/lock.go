/*
 * Copyright 2017-2022 Provide Technologies Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package completion

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/provideplatform/taskledger/common"
	goredislib "github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "taskledger.completion"
const lockRetryDelay = time.Millisecond * 500

// Locker guards a completion key across processes; the returned func releases the lock
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// RedisLocker is a redlock-backed Locker for deployments running more than one api instance
type RedisLocker struct {
	rs     *redsync.Redsync
	expiry time.Duration
	tries  int
}

// NewRedisLocker initializes a redlock quorum over the given redis hosts; the
// expiry must exceed the completion timeout
func NewRedisLocker(hosts []string, expiry, timeout time.Duration) (*RedisLocker, error) {
	if len(hosts) == 0 {
		return nil, fmt.Errorf("failed to initialize completion lock; no redis hosts configured")
	}

	pools := make([]redsyncredis.Pool, 0, len(hosts))
	for _, host := range hosts {
		client := goredislib.NewClient(&goredislib.Options{Addr: host})
		pools = append(pools, goredis.NewPool(client))
	}

	tries := int(timeout / lockRetryDelay)
	if tries < 1 {
		tries = 1
	}

	return &RedisLocker{
		rs:     redsync.New(pools...),
		expiry: expiry,
		tries:  tries,
	}, nil
}

// Lock blocks until the named completion lock is acquired or ctx is done
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	mutex := l.rs.NewMutex(
		fmt.Sprintf("%s.%s", lockKeyPrefix, key),
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(l.tries),
		redsync.WithRetryDelay(lockRetryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to acquire completion lock %s; %w", key, err)
	}

	return func() {
		if _, err := mutex.UnlockContext(context.Background()); err != nil {
			common.Log.Warningf("failed to release completion lock %s; %s", key, err.Error())
		}
	}, nil
}
