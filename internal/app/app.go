// Package app assembles the kiosk runtime shared by the CLI commands and the
// HTTP server: remote store, descriptor client, mirror, local store, image
// cache, check-in service and syncer.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kozaktomas/member-check/internal/cache"
	"github.com/kozaktomas/member-check/internal/checkin"
	"github.com/kozaktomas/member-check/internal/config"
	"github.com/kozaktomas/member-check/internal/database"
	"github.com/kozaktomas/member-check/internal/database/postgres"
	"github.com/kozaktomas/member-check/internal/descriptor"
	"github.com/kozaktomas/member-check/internal/facematch"
	"github.com/kozaktomas/member-check/internal/imagecache"
	"github.com/kozaktomas/member-check/internal/syncer"
)

// App holds the wired runtime of one organization.
type App struct {
	Config     *config.Config
	Logger     logrus.FieldLogger
	Extractor  *descriptor.Client
	Mirror     *cache.Mirror
	Store      *cache.Store
	Photos     *imagecache.Cache
	Checkin    *checkin.Service
	Syncer     *syncer.Syncer
	Members    database.MemberWriter     // nil when offline
	Attendance database.AttendanceWriter // nil when offline

	redis *imagecache.RedisTier
}

// Options adjust how New wires the runtime.
type Options struct {
	// Offline skips the remote store; scans and registrations queue locally.
	Offline bool
}

// Thresholds converts the configured matching thresholds.
func Thresholds(cfg *config.Config) facematch.Thresholds {
	m := cfg.Thresholds.Matching
	return facematch.Thresholds{
		MinMatchSimilarity:   m.MinMatchSimilarity,
		AutoAttendSimilarity: m.AutoAttendSimilarity,
		DuplicateDistance:    m.DuplicateDistance,
	}
}

// New wires the runtime. It connects to PostgreSQL unless opts.Offline is set
// or DATABASE_URL is empty, restores mirror and store snapshots and, when
// online, refreshes the mirror from the remote member table.
func New(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger, opts Options) (*App, error) {
	if cfg.Organization == "" {
		return nil, errors.New("ORGANIZATION_ID environment variable is required")
	}

	var members database.MemberWriter
	var attendance database.AttendanceWriter
	if !opts.Offline && cfg.Database.URL != "" {
		if err := postgres.Initialize(ctx, &cfg.Database); err != nil {
			return nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
		}
		var err error
		if members, err = database.GetMemberWriter(ctx); err != nil {
			return nil, err
		}
		if attendance, err = database.GetAttendanceWriter(ctx); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("running without remote store, changes are queued locally")
	}
	return wire(ctx, cfg, logger, members, attendance)
}

// wire builds the runtime around the given remote stores, which are nil offline.
func wire(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger, members database.MemberWriter, attendance database.AttendanceWriter) (*App, error) {
	if cfg.Organization == "" {
		return nil, errors.New("ORGANIZATION_ID environment variable is required")
	}
	a := &App{Config: cfg, Logger: logger, Members: members, Attendance: attendance}

	a.Extractor = descriptor.NewClient(cfg.Descriptor.URL, cfg.Descriptor.Dim)

	store, err := cache.NewStore(cfg.Cache.MaxEntries)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.Mirror = cache.NewMirror(cfg.Organization, cfg.Thresholds.Matching.IndexThreshold)

	if cfg.Cache.StateDir != "" {
		if err := a.Mirror.Load(syncer.MirrorPath(cfg.Cache.StateDir)); err != nil {
			logger.WithError(err).Warn("ignoring mirror snapshot")
		}
		if err := a.Store.Load(syncer.StorePath(cfg.Cache.StateDir)); err != nil {
			logger.WithError(err).Warn("ignoring local store snapshot")
		}
	}

	photoOpts := imagecache.Options{
		MemEntries: cfg.Cache.ImageMemEntries,
		TTL:        cfg.Cache.ImageTTL,
		Dir:        cfg.Cache.ImageDir,
	}
	if cfg.Redis.URL != "" {
		tier, err := imagecache.NewRedisTier(ctx, cfg.Redis.URL, "member-check:img:")
		if err != nil {
			logger.WithError(err).Warn("redis image tier unavailable")
		} else {
			a.redis = tier
			photoOpts.Remote = tier
		}
	}
	photos, err := imagecache.New(photoOpts)
	if err != nil {
		return nil, err
	}
	a.Photos = photos

	th := Thresholds(cfg)
	att := cfg.Thresholds.Attendance
	a.Checkin = checkin.NewService(a.Extractor, a.Mirror, a.Store, a.Members, a.Attendance, a.Photos, checkin.Config{
		OrganizationID: cfg.Organization,
		Thresholds:     th,
		Cooldown:       att.Cooldown,
		MaxImageSize:   cfg.Descriptor.MaxImageSize,
		DeniedDisplay:  att.DeniedDisplay,
		ConfirmDisplay: att.ConfirmDisplay,
		GrantedDisplay: att.GrantedDisplay,
	})

	if a.Members != nil {
		a.Syncer = syncer.New(a.Members, a.Attendance, a.Mirror, a.Store, a.Photos, syncer.Options{
			OrganizationID:    cfg.Organization,
			Concurrency:       cfg.Sync.Concurrency,
			MaxRetries:        cfg.Sync.MaxRetries,
			DuplicateDistance: th.DuplicateDistance,
			CacheMaxAge:       cfg.Cache.MaxAge,
			StateDir:          cfg.Cache.StateDir,
		})
		// The snapshot only covers the gap until the remote table answers.
		n, err := a.Syncer.Pull(ctx)
		if err != nil {
			logger.WithError(err).Warn("initial member pull failed, using mirror snapshot")
		} else {
			logger.WithField("members", n).Info("mirror refreshed from remote store")
		}
	}
	return a, nil
}

// Online reports whether a remote store is connected.
func (a *App) Online() bool {
	return a.Members != nil
}

// SaveState persists the mirror and the local store.
func (a *App) SaveState() error {
	dir := a.Config.Cache.StateDir
	if dir == "" {
		return nil
	}
	return errors.Join(
		a.Mirror.Save(syncer.MirrorPath(dir)),
		a.Store.Save(syncer.StorePath(dir)),
	)
}

// Close saves state and releases connections.
func (a *App) Close() error {
	errs := []error{a.SaveState()}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if pool := postgres.GetGlobalPool(); pool != nil {
		errs = append(errs, pool.Close())
	}
	return errors.Join(errs...)
}
