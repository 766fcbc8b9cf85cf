// Package runlock provides cross-process exclusion for sync runs that share
// one deal store.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/gofrs/flock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	// ErrLocked is returned when another process holds the lock.
	ErrLocked = errors.New("run lock is held by another process")
	// ErrLockLost is returned by Release when the lock expired while held.
	ErrLockLost = errors.New("run lock was lost before release")
)

// Release gives a lock back.
type Release func(ctx context.Context) error

// Locker hands out named exclusive locks without waiting.
type Locker interface {
	Acquire(ctx context.Context, name string) (Release, error)
}

const lockFileSuffix = ".lock"

// File locks a file next to the database with flock(2).
type File struct {
	dir string
}

// NewFile returns a Locker keeping its lock files in the directory of dbPath.
func NewFile(dbPath string) (*File, error) {
	absPath, err := filepath.Abs(dbPath)
	if err != nil {
		return nil, fmt.Errorf("could not get absolute db path: %w", err)
	}
	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &File{dir: dir}, nil
}

func (f *File) path(name string) string {
	return filepath.Join(f.dir, "leasesync-"+sanitize(name)+lockFileSuffix)
}

func (f *File) Acquire(ctx context.Context, name string) (Release, error) {
	path := f.path(name)
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock on %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	return func(context.Context) error {
		if err := lock.Unlock(); err != nil {
			// Not holding the lock any more.
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("failed to release lock on %s: %w", path, err)
		}
		return nil
	}, nil
}

// Redis locks a key with redislock. The lock is refreshed in the background
// until released, so TTL only bounds how long a crashed holder blocks others.
type Redis struct {
	client *redislock.Client
	prefix string
	ttl    time.Duration
	log    logrus.FieldLogger
}

// NewRedis builds a Locker on top of an existing go-redis client.
func NewRedis(rdb redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if prefix == "" {
		prefix = "leasesync"
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Redis{client: redislock.New(rdb), prefix: prefix, ttl: ttl, log: l}
}

// WithLogger sets the logger refresh failures are reported to.
func (r *Redis) WithLogger(log logrus.FieldLogger) *Redis {
	r.log = log
	return r
}

func (r *Redis) Acquire(ctx context.Context, name string) (Release, error) {
	key := fmt.Sprintf("%s:lock:%s", r.prefix, sanitize(name))
	lock, err := r.client.Obtain(ctx, key, r.ttl, nil)
	if err == redislock.ErrNotObtained {
		return nil, fmt.Errorf("%w: %s", ErrLocked, key)
	} else if err != nil {
		return nil, fmt.Errorf("error obtaining redis lock %s: %w", key, err)
	}

	stop := make(chan struct{})
	var (
		wg   sync.WaitGroup
		lost error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		lost = keepAlive(lock, r.ttl, r.ttl/2, stop, r.log.WithField("lock", key))
	}()

	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			close(stop)
			wg.Wait()
			if rerr := lock.Release(ctx); rerr != nil && rerr != redislock.ErrLockNotHeld {
				err = rerr
			}
			if lost != nil {
				err = fmt.Errorf("%w: %s", lost, key)
			}
		})
		return err
	}, nil
}

type refresher interface {
	Refresh(ctx context.Context, ttl time.Duration, opt *redislock.Options) error
}

// keepAlive extends the lock every interval until stop is closed. Transient
// refresh errors are logged and retried on the next tick; once the lock is
// no longer ours it returns ErrLockLost.
func keepAlive(l refresher, ttl, interval time.Duration, stop <-chan struct{}, log logrus.FieldLogger) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return nil
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := l.Refresh(ctx, ttl, nil)
			cancel()
			switch {
			case err == nil:
			case errors.Is(err, redislock.ErrNotObtained):
				log.Errorf("Run lock expired while held")
				return ErrLockLost
			default:
				log.Warnf("Could not refresh run lock: %v", err)
			}
		}
	}
}

func sanitize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "sync"
	}
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, name)
}
