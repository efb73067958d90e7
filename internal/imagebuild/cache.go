package imagebuild

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/p-arndt/labkasten/internal/lab"
	"github.com/p-arndt/labkasten/internal/runtime"
)

// Handle is the immutable result of building one spec.
type Handle struct {
	Tag     string    `json:"tag"`
	Hash    string    `json:"hash"`
	ImageID string    `json:"image_id"`
	BuiltAt time.Time `json:"built_at"`
}

type Options struct {
	TagPrefix      string
	InstallCommand string
	Timeout        time.Duration
	Retries        int
	// InitialBackoff between retried builds; zero uses the backoff default.
	InitialBackoff time.Duration
}

// Cache builds images on demand and remembers the handles. Concurrent
// requests for the same uncached spec share one build.
type Cache struct {
	builder runtime.ImageBuilder
	opts    Options
	logger  *slog.Logger

	group  singleflight.Group
	mu     sync.RWMutex
	byHash map[string]Handle
	builds atomic.Int64
}

func NewCache(builder runtime.ImageBuilder, opts Options, logger *slog.Logger) *Cache {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Minute
	}
	return &Cache{
		builder: builder,
		opts:    opts,
		logger:  logger,
		byHash:  make(map[string]Handle),
	}
}

// TagFor returns the image tag a spec with the given hash is built under.
func (c *Cache) TagFor(hash string) string {
	return c.opts.TagPrefix + ":" + hash
}

// GetOrBuild returns the handle for spec, building the image if neither the
// cache nor the runtime already has it. The build runs detached from ctx so a
// caller giving up does not abort it for the others waiting.
func (c *Cache) GetOrBuild(ctx context.Context, spec Spec) (Handle, error) {
	spec = spec.Canonical()
	hash := spec.Hash()

	c.mu.RLock()
	h, ok := c.byHash[hash]
	c.mu.RUnlock()
	if ok {
		return h, nil
	}

	ch := c.group.DoChan(hash, func() (any, error) {
		buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.Timeout)
		defer cancel()
		return c.resolve(buildCtx, spec, hash)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Handle{}, res.Err
		}
		return res.Val.(Handle), nil
	case <-ctx.Done():
		return Handle{}, ctx.Err()
	}
}

func (c *Cache) resolve(ctx context.Context, spec Spec, hash string) (Handle, error) {
	c.mu.RLock()
	h, ok := c.byHash[hash]
	c.mu.RUnlock()
	if ok {
		return h, nil
	}

	tag := c.TagFor(hash)
	id, exists, err := c.builder.ImageExists(ctx, tag)
	if err != nil {
		c.logger.Warn("image lookup failed, building", "tag", tag, "error", err)
	}
	if !exists {
		if err := c.build(ctx, spec, tag); err != nil {
			return Handle{}, err
		}
		if id, _, err = c.builder.ImageExists(ctx, tag); err != nil {
			c.logger.Warn("image inspect after build failed", "tag", tag, "error", err)
		}
	}

	h = Handle{Tag: tag, Hash: hash, ImageID: id, BuiltAt: time.Now().UTC()}
	c.mu.Lock()
	c.byHash[hash] = h
	c.mu.Unlock()
	return h, nil
}

func (c *Cache) build(ctx context.Context, spec Spec, tag string) error {
	bctx := ContextFor(spec, c.opts.InstallCommand)

	var output string
	op := func() error {
		tarball, err := bctx.Tar()
		if err != nil {
			return backoff.Permanent(err)
		}
		c.builds.Add(1)
		start := time.Now()
		output, err = c.builder.BuildImage(ctx, tag, tarball)
		if err != nil {
			if errors.Is(err, runtime.ErrTransient) {
				c.logger.Warn("image build failed, retrying", "tag", tag, "error", err)
				return err
			}
			return backoff.Permanent(err)
		}
		c.logger.Info("image built", "tag", tag, "duration", time.Since(start))
		return nil
	}

	b := backoff.NewExponentialBackOff()
	if c.opts.InitialBackoff > 0 {
		b.InitialInterval = c.opts.InitialBackoff
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(c.opts.Retries, 0))), ctx))
	if err == nil {
		return nil
	}

	kind := lab.ErrImageBuild
	if errors.Is(err, runtime.ErrTransient) {
		kind = lab.ErrRuntimeUnavailable
	}
	le := lab.NewError("build", "", kind, err)
	le.Output = output
	c.logger.Error("image build failed", "tag", tag, "error", err)
	return le
}

// Len reports how many handles are cached.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byHash)
}

// Builds reports how many build invocations have been issued.
func (c *Cache) Builds() int64 {
	return c.builds.Load()
}
