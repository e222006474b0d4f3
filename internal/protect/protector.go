// Package protect pushes tracks played while shielded into the exclusion
// resource on the platform.
package protect

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/developingchet/tasteshield/internal/metrics"
	"github.com/developingchet/tasteshield/internal/model"
	"github.com/developingchet/tasteshield/internal/notify"
	"github.com/developingchet/tasteshield/internal/platform"
	"github.com/developingchet/tasteshield/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	resolveKey       = "exclusion-resource"
	resolveTimeout   = 30 * time.Second
	resourceIDKey    = "exclusion/resource-id"
	noticeFlagPrefix = "exclusion-notice:"
	pendingNoticeKey = "exclusion/pending-notice"
)

// pendingNotice remembers a created resource whose notice failed to send.
type pendingNotice struct {
	ID   string `msgpack:"id"`
	Name string `msgpack:"name"`
}

// Resources is the slice of the platform client the protector uses.
type Resources interface {
	FetchCurrentUser(ctx context.Context) (platform.User, error)
	FindResourceByName(ctx context.Context, name string) (*platform.Resource, error)
	FetchResource(ctx context.Context, id string) (platform.Resource, error)
	CreateResource(ctx context.Context, ownerID, name, description string) (platform.Resource, error)
	AddItemToResource(ctx context.Context, resourceID, uri string) error
	RemoveItemFromResource(ctx context.Context, resourceID, uri string) error
}

// Store caches the resource id and the one-time notice flags.
type Store interface {
	Get(key string, v interface{}) error
	Set(key string, v interface{}) error
	Remove(key string) error
	FlagIsSet(name string) (bool, error)
	SetFlag(name string) error
}

// Protector tracks one shield activation at a time. Entering a new
// activation clears the processed set.
type Protector struct {
	mu          sync.Mutex
	active      bool
	activatedAt int64
	epoch       uint64
	processed   map[string]struct{}
	resourceID  string
	loaded      bool

	sf       singleflight.Group
	platform Resources
	store    Store
	namer    *Namer
	notifier notify.Notifier
	log      zerolog.Logger
}

// New returns an inactive Protector.
func New(resources Resources, store Store, namer *Namer, notifier notify.Notifier, log zerolog.Logger) *Protector {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Protector{
		processed: make(map[string]struct{}),
		platform:  resources,
		store:     store,
		namer:     namer,
		notifier:  notifier,
		log:       log,
	}
}

// ShieldActivated starts a new activation at the given time (Unix ms).
func (p *Protector) ShieldActivated(at int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = true
	p.activatedAt = at
	p.epoch++
	p.processed = make(map[string]struct{})
}

// ShieldDeactivated ends the current activation.
func (p *Protector) ShieldDeactivated(int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = false
	p.epoch++
}

// State returns a snapshot for status reporting.
func (p *Protector) State() model.ExclusionResourceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.processed))
	for id := range p.processed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	st := model.ExclusionResourceState{
		Active:            p.active,
		ResourceID:        p.resourceID,
		ProcessedTrackIDs: ids,
	}
	if p.active {
		st.ActivatedAt = p.activatedAt
	}
	return st
}

// EnsureValidExclusionResource returns the id of a usable exclusion resource,
// finding or creating it when the cached id is missing or stale. Concurrent
// callers share one resolution, which outlives the first caller's context.
func (p *Protector) EnsureValidExclusionResource(ctx context.Context) (string, error) {
	ch := p.sf.DoChan(resolveKey, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
		defer cancel()
		return p.resolve(rctx)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (p *Protector) resolve(ctx context.Context) (string, error) {
	if id := p.cachedID(); id != "" {
		_, err := p.platform.FetchResource(ctx, id)
		switch {
		case err == nil:
			metrics.ResourceResolutions.WithLabelValues("cached").Inc()
			p.retryNotice(ctx, id)
			return id, nil
		case platform.IsNotFound(err):
			p.log.Warn().Str("resource", id).Msg("exclusion resource is gone; resolving again")
			p.invalidate(id)
		default:
			metrics.ResourceResolutions.WithLabelValues("error").Inc()
			return "", fmt.Errorf("validate exclusion resource: %w", err)
		}
	}

	user, err := p.platform.FetchCurrentUser(ctx)
	if err != nil {
		metrics.ResourceResolutions.WithLabelValues("error").Inc()
		return "", fmt.Errorf("fetch current user: %w", err)
	}
	name, err := p.namer.Name(NameData{UserID: user.ID, DisplayName: user.DisplayName})
	if err != nil {
		metrics.ResourceResolutions.WithLabelValues("error").Inc()
		return "", err
	}

	found, err := p.platform.FindResourceByName(ctx, name)
	if err != nil {
		metrics.ResourceResolutions.WithLabelValues("error").Inc()
		return "", fmt.Errorf("find exclusion resource: %w", err)
	}
	if found != nil {
		p.remember(found.ID)
		metrics.ResourceResolutions.WithLabelValues("found").Inc()
		p.log.Info().Str("resource", found.ID).Str("name", name).Msg("using existing exclusion resource")
		return found.ID, nil
	}

	created, err := p.platform.CreateResource(ctx, user.ID, name, p.namer.Description())
	if err != nil {
		metrics.ResourceResolutions.WithLabelValues("error").Inc()
		return "", fmt.Errorf("create exclusion resource: %w", err)
	}
	p.remember(created.ID)
	metrics.ResourceResolutions.WithLabelValues("created").Inc()
	p.log.Info().Str("resource", created.ID).Str("name", name).Msg("created exclusion resource")
	p.announceCreated(ctx, created.ID, name)
	return created.ID, nil
}

// announceCreated asks the user, once per resource, to exclude it from the
// taste profile. The platform offers no API for that step.
func (p *Protector) announceCreated(ctx context.Context, id, name string) {
	flag := noticeFlagPrefix + id
	if set, err := p.store.FlagIsSet(flag); err != nil {
		p.log.Warn().Err(err).Str("flag", flag).Msg("failed to read notice flag")
	} else if set {
		return
	}
	ev := notify.Event{
		Kind:    notify.KindResourceCreated,
		Title:   "Exclude the shield playlist from your taste profile",
		Message: "Open \"" + name + "\" in the app and choose \"Exclude from your Taste Profile\".",
		At:      time.Now(),
		Fields:  map[string]string{"resource": id, "name": name},
	}
	if err := p.notifier.Notify(ctx, ev); err != nil {
		p.log.Warn().Err(err).Str("resource", id).Msg("exclusion notice failed; will retry on the next resolution")
		if err := p.store.Set(pendingNoticeKey, pendingNotice{ID: id, Name: name}); err != nil {
			p.log.Warn().Err(err).Msg("failed to persist pending notice")
		}
		return
	}
	if err := p.store.SetFlag(flag); err != nil {
		p.log.Warn().Err(err).Str("flag", flag).Msg("failed to persist notice flag")
	}
	if err := p.store.Remove(pendingNoticeKey); err != nil {
		p.log.Warn().Err(err).Msg("failed to clear pending notice")
	}
}

// retryNotice resends a failed notice once its resource is resolved again.
func (p *Protector) retryNotice(ctx context.Context, id string) {
	var pn pendingNotice
	if err := p.store.Get(pendingNoticeKey, &pn); err != nil || pn.ID != id {
		return
	}
	p.announceCreated(ctx, pn.ID, pn.Name)
}

// ProcessCurrentTrack appends track to the exclusion resource once per
// activation. It reports whether the track is now protected. Inactive
// shielding is a no-op returning false. Failures are logged and not retried.
func (p *Protector) ProcessCurrentTrack(ctx context.Context, track model.TrackPlayRecord) (bool, error) {
	if track.ID == "" {
		return false, nil
	}
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		metrics.TracksProtected.WithLabelValues("skipped").Inc()
		return false, nil
	}
	if _, done := p.processed[track.ID]; done {
		p.mu.Unlock()
		metrics.TracksProtected.WithLabelValues("already").Inc()
		return true, nil
	}
	epoch := p.epoch
	p.mu.Unlock()

	id, err := p.EnsureValidExclusionResource(ctx)
	if err != nil {
		metrics.TracksProtected.WithLabelValues("failed").Inc()
		p.log.Warn().Err(err).Str("track", track.ID).Msg("no exclusion resource; track not protected")
		return false, err
	}
	if err := p.platform.AddItemToResource(ctx, id, platform.TrackURI(track.ID)); err != nil {
		if platform.IsNotFound(err) {
			p.invalidate(id)
		}
		metrics.TracksProtected.WithLabelValues("failed").Inc()
		p.log.Warn().Err(err).Str("track", track.ID).Str("resource", id).Msg("failed to add track to exclusion resource")
		return false, err
	}

	p.mu.Lock()
	if p.epoch == epoch {
		p.processed[track.ID] = struct{}{}
	}
	p.mu.Unlock()
	metrics.TracksProtected.WithLabelValues("added").Inc()
	p.log.Info().Str("track", track.ID).Str("name", track.Name).Msg("track added to exclusion resource")
	return true, nil
}

// ProcessRecentTracks protects every track played after the activation that
// is not yet processed, serially. It continues past failures and stops
// early only on a revoked credential. It returns how many tracks were added.
func (p *Protector) ProcessRecentTracks(ctx context.Context, tracks []model.TrackPlayRecord) (int, error) {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return 0, nil
	}
	since := p.activatedAt
	var todo []model.TrackPlayRecord
	for _, t := range tracks {
		if t.Timestamp <= since {
			continue
		}
		if _, done := p.processed[t.ID]; done {
			continue
		}
		todo = append(todo, t)
	}
	p.mu.Unlock()

	added := 0
	var errs []error
	for _, t := range todo {
		ok, err := p.ProcessCurrentTrack(ctx, t)
		if err != nil {
			if platform.IsCredentialRevoked(err) {
				return added, err
			}
			errs = append(errs, err)
			continue
		}
		if ok {
			added++
		}
	}
	if len(errs) > 0 {
		p.log.Warn().Int("failed", len(errs)).Int("added", added).Msg("some recent tracks were not protected")
	}
	return added, nil
}

// Release removes a track from the exclusion resource and forgets it for the
// current activation.
func (p *Protector) Release(ctx context.Context, trackID string) error {
	if trackID == "" {
		return errors.New("track id is required")
	}
	id, err := p.EnsureValidExclusionResource(ctx)
	if err != nil {
		return err
	}
	if err := p.platform.RemoveItemFromResource(ctx, id, platform.TrackURI(trackID)); err != nil {
		if platform.IsNotFound(err) {
			p.invalidate(id)
		}
		return fmt.Errorf("remove track %s: %w", trackID, err)
	}
	p.mu.Lock()
	delete(p.processed, trackID)
	p.mu.Unlock()
	p.log.Info().Str("track", trackID).Msg("track released from exclusion resource")
	return nil
}

// cachedID returns the in-memory resource id, falling back to the id
// persisted by a previous run.
func (p *Protector) cachedID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resourceID != "" || p.loaded {
		return p.resourceID
	}
	p.loaded = true
	var id string
	if err := p.store.Get(resourceIDKey, &id); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			p.log.Warn().Err(err).Msg("failed to read cached exclusion resource id")
		}
		return ""
	}
	p.resourceID = id
	return id
}

func (p *Protector) remember(id string) {
	p.mu.Lock()
	p.resourceID = id
	p.loaded = true
	p.mu.Unlock()
	if err := p.store.Set(resourceIDKey, id); err != nil {
		p.log.Warn().Err(err).Msg("failed to cache exclusion resource id")
	}
}

// invalidate drops id from the cache unless another resolution already
// replaced it.
func (p *Protector) invalidate(id string) {
	p.mu.Lock()
	if p.resourceID != id {
		p.mu.Unlock()
		return
	}
	p.resourceID = ""
	p.mu.Unlock()
	if err := p.store.Remove(resourceIDKey); err != nil {
		p.log.Warn().Err(err).Msg("failed to clear cached exclusion resource id")
	}
}
