package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/developingchet/tasteshield/internal/model"
)

// User is the authenticated platform account.
type User struct {
	ID          string
	DisplayName string
}

// Device is a playback device known to the platform.
type Device struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	IsActive      bool   `json:"isActive"`
	VolumePercent int    `json:"volumePercent"`
}

// Resource is a user-owned playlist. The exclusion resource is one of these.
type Resource struct {
	ID          string
	Name        string
	Description string
	OwnerID     string
}

// Client is the music platform API seam. All methods accept context for deadline control.
type Client interface {
	FetchCurrentUser(ctx context.Context) (User, error)

	// Playback
	FetchRecentPlays(ctx context.Context, limit int) ([]model.TrackPlayRecord, error)
	// FetchCurrentlyPlaying returns nil when nothing is playing.
	FetchCurrentlyPlaying(ctx context.Context) (*model.TrackPlayRecord, error)

	// Devices
	FetchAvailableDevices(ctx context.Context) ([]Device, error)
	// FetchActiveDevice returns nil when no device is active.
	FetchActiveDevice(ctx context.Context) (*Device, error)

	// Resources (playlists)
	// FindResourceByName returns nil when the user owns no resource with that name.
	FindResourceByName(ctx context.Context, name string) (*Resource, error)
	FetchResource(ctx context.Context, id string) (Resource, error)
	CreateResource(ctx context.Context, ownerID, name, description string) (Resource, error)
	AddItemToResource(ctx context.Context, resourceID, uri string) error
	RemoveItemFromResource(ctx context.Context, resourceID, uri string) error

	Close() error
}

// TrackURI returns the platform URI for a track id.
func TrackURI(trackID string) string {
	return "spotify:track:" + trackID
}

// --- Typed errors -----------------------------------------------------------

// ErrUnauthorized is returned on HTTP 401 responses.
type ErrUnauthorized struct {
	Msg string
}

func (e *ErrUnauthorized) Error() string {
	return fmt.Sprintf("unauthorized: %s", e.Msg)
}

// ErrNotFound is returned when a resource does not exist.
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("not found: %s", e.ID)
}

// ErrRateLimit is returned when the platform signals rate limiting.
type ErrRateLimit struct {
	RetryAfter time.Duration
}

func (e *ErrRateLimit) Error() string {
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

// ErrCredentialRevoked is returned when the refresh token is no longer accepted.
// The user must sign in again.
type ErrCredentialRevoked struct {
	Msg string
}

func (e *ErrCredentialRevoked) Error() string {
	return fmt.Sprintf("credential revoked: %s", e.Msg)
}

// IsNotFound reports whether err wraps an *ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// IsCredentialRevoked reports whether err wraps an *ErrCredentialRevoked.
func IsCredentialRevoked(err error) bool {
	var cr *ErrCredentialRevoked
	return errors.As(err, &cr)
}

// IsRateLimit reports whether err wraps an *ErrRateLimit.
func IsRateLimit(err error) bool {
	var rl *ErrRateLimit
	return errors.As(err, &rl)
}
