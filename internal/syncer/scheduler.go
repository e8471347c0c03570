package syncer

import (
	"context"
	"errors"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/kozaktomas/member-check/internal/logging"
)

// Scheduler runs a Syncer on a cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	id     cron.EntryID
	cancel chan struct{}
	once   sync.Once
}

// NewScheduler starts running syncer on spec (for example "@every 1m").
func NewScheduler(spec string, syncer *Syncer, logger logrus.FieldLogger) (*Scheduler, error) {
	c := cron.New()
	cancel := make(chan struct{})
	s := &Scheduler{cron: c, cancel: cancel}

	ctx := logging.WithLogger(context.Background(), logger.WithField("component", "sync"))
	id, err := c.AddFunc(spec, func() {
		select {
		case <-cancel:
			return
		default:
		}
		if _, err := syncer.Run(ctx, nil); err != nil {
			if errors.Is(err, ErrSyncInProgress) {
				logger.Debug("scheduled sync skipped, previous run still active")
				return
			}
			logger.WithError(err).Warn("scheduled sync failed")
		}
	})
	if err != nil {
		return nil, err
	}

	s.id = id
	c.Start()
	return s, nil
}

// Stop removes the job and waits for a running sync to finish.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		s.cron.Remove(s.id)
		close(s.cancel)
		<-s.cron.Stop().Done()
	})
}
