// Package importer copies an external membership directory into the remote
// member table, keyed by email.
package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kozaktomas/member-check/internal/constants"
	"github.com/kozaktomas/member-check/internal/database"
	"github.com/kozaktomas/member-check/internal/database/mariadb"
	"github.com/kozaktomas/member-check/internal/descriptor"
	"github.com/kozaktomas/member-check/internal/imagecache"
	"github.com/kozaktomas/member-check/internal/logging"
)

// Directory pages through the external directory table.
type Directory interface {
	ListDirectory(ctx context.Context, table string, afterID int64, limit int) ([]mariadb.DirectoryRecord, error)
	CountDirectory(ctx context.Context, table string) (int, error)
}

// Extractor computes a face descriptor from an image.
type Extractor interface {
	Describe(ctx context.Context, image []byte) (*descriptor.Face, error)
}

// Options configure an import.
type Options struct {
	OrganizationID string
	Table          string
	BatchSize      int
	Concurrency    int
	MaxImageSize   int
	DryRun         bool
}

// Result summarizes an import.
type Result struct {
	Read      int      `json:"read"`
	Created   int      `json:"created"`
	Updated   int      `json:"updated"`
	Unchanged int      `json:"unchanged"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	NoFace    int      `json:"no_face"`
	Errors    []string `json:"errors,omitempty"`
}

type outcome int

const (
	outcomeCreated outcome = iota
	outcomeUpdated
	outcomeUnchanged
	outcomeSkipped
)

// Importer upserts directory rows into the member table. photos and extractor
// may be nil, in which case no descriptors are computed.
type Importer struct {
	dir       Directory
	members   database.MemberWriter
	photos    *imagecache.Cache
	extractor Extractor
	opts      Options
}

// New creates an Importer.
func New(dir Directory, members database.MemberWriter, photos *imagecache.Cache, extractor Extractor, opts Options) *Importer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = constants.ImportBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = constants.WorkerPoolSize
	}
	return &Importer{dir: dir, members: members, photos: photos, extractor: extractor, opts: opts}
}

// Count returns the number of directory rows.
func (im *Importer) Count(ctx context.Context) (int, error) {
	return im.dir.CountDirectory(ctx, im.opts.Table)
}

// Run imports all directory rows. progress, when set, is called once per row
// and may be called concurrently.
func (im *Importer) Run(ctx context.Context, progress func()) (*Result, error) {
	if progress == nil {
		progress = func() {}
	}
	log := logging.FromContext(ctx)
	res := &Result{}
	var created, updated, unchanged, skipped, failed, noFace int64
	var errMu sync.Mutex

	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		batch, err := im.dir.ListDirectory(ctx, im.opts.Table, afterID, im.opts.BatchSize)
		if err != nil {
			return res, fmt.Errorf("read directory: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		res.Read += len(batch)
		afterID = batch[len(batch)-1].ExternalID

		sem := make(chan struct{}, im.opts.Concurrency)
		var wg sync.WaitGroup
		for _, rec := range batch {
			wg.Add(1)
			go func(rec mariadb.DirectoryRecord) {
				defer wg.Done()
				defer progress()

				sem <- struct{}{}
				defer func() { <-sem }()

				out, faceMissing, err := im.importRecord(ctx, rec)
				if faceMissing {
					atomic.AddInt64(&noFace, 1)
				}
				if err != nil {
					atomic.AddInt64(&failed, 1)
					errMu.Lock()
					res.Errors = append(res.Errors, fmt.Sprintf("directory id %d: %v", rec.ExternalID, err))
					errMu.Unlock()
					log.WithError(err).WithField("external_id", rec.ExternalID).Warn("failed to import directory row")
					return
				}
				switch out {
				case outcomeCreated:
					atomic.AddInt64(&created, 1)
				case outcomeUpdated:
					atomic.AddInt64(&updated, 1)
				case outcomeUnchanged:
					atomic.AddInt64(&unchanged, 1)
				case outcomeSkipped:
					atomic.AddInt64(&skipped, 1)
				}
			}(rec)
		}
		wg.Wait()

		if len(batch) < im.opts.BatchSize {
			break
		}
	}

	res.Created = int(created)
	res.Updated = int(updated)
	res.Unchanged = int(unchanged)
	res.Skipped = int(skipped)
	res.Failed = int(failed)
	res.NoFace = int(noFace)
	return res, nil
}

// importRecord upserts a single row. The bool reports a photo without a detectable face.
func (im *Importer) importRecord(ctx context.Context, rec mariadb.DirectoryRecord) (outcome, bool, error) {
	name := strings.Join(strings.Fields(rec.FullName), " ")
	email := strings.TrimSpace(rec.Email)
	if name == "" || email == "" {
		return outcomeSkipped, false, nil
	}
	status, err := database.ParseMemberStatus(rec.Status)
	if err != nil {
		return outcomeSkipped, false, err
	}

	existing, err := im.members.FindByEmail(ctx, im.opts.OrganizationID, email)
	if err != nil {
		return 0, false, fmt.Errorf("find by email: %w", err)
	}

	var member database.Member
	if existing != nil {
		member = *existing
	} else {
		member = database.Member{OrganizationID: im.opts.OrganizationID, Email: email}
	}

	changed := existing == nil ||
		member.Name != name || member.Status != status || member.PhotoURL != rec.PhotoURL
	needDescriptor := rec.PhotoURL != "" && (existing == nil || !existing.HasDescriptor() || existing.PhotoURL != rec.PhotoURL)

	member.Name = name
	member.Status = status
	member.PhotoURL = rec.PhotoURL

	faceMissing := false
	if needDescriptor {
		desc, err := im.describePhoto(ctx, rec)
		switch {
		case errors.Is(err, descriptor.ErrNoFace):
			faceMissing = true
		case err != nil:
			return 0, false, err
		case desc != nil:
			member.Descriptor = desc
			changed = true
		}
	}

	if !changed {
		return outcomeUnchanged, faceMissing, nil
	}
	if im.opts.DryRun {
		if existing == nil {
			return outcomeCreated, faceMissing, nil
		}
		return outcomeUpdated, faceMissing, nil
	}

	if existing == nil {
		if err := im.members.Create(ctx, &member); err != nil {
			return 0, faceMissing, fmt.Errorf("create member: %w", err)
		}
		return outcomeCreated, faceMissing, nil
	}
	if err := im.members.Update(ctx, &member); err != nil {
		return 0, faceMissing, fmt.Errorf("update member: %w", err)
	}
	return outcomeUpdated, faceMissing, nil
}

// describePhoto fetches the directory photo through the image cache and extracts a descriptor.
// Returns nil without error when photo processing is not configured.
func (im *Importer) describePhoto(ctx context.Context, rec mariadb.DirectoryRecord) ([]float32, error) {
	if im.photos == nil || im.extractor == nil {
		return nil, nil
	}
	key := "directory/" + rec.PhotoURL
	data, err := im.photos.Get(ctx, key, rec.PhotoURL)
	if err != nil {
		return nil, fmt.Errorf("fetch photo: %w", err)
	}
	prepared, err := descriptor.PrepareImage(data, im.opts.MaxImageSize)
	if err != nil {
		return nil, err
	}
	face, err := im.extractor.Describe(ctx, prepared)
	if err != nil {
		return nil, err
	}
	return face.Descriptor, nil
}
