package model

import "time"

// Activation sources recorded on a ShieldSession.
const (
	SourceManual     = "manual"
	SourceTimeRule   = "time-rule"
	SourceDeviceRule = "device-rule"
)

// ShieldSession is one shielded interval. Times are Unix milliseconds.
// End is nil while the session is open. AutoDisableMs is the countdown a
// device rule set for this activation; zero means the configured default.
type ShieldSession struct {
	Start         int64  `json:"start" msgpack:"start"`
	End           *int64 `json:"end" msgpack:"end"`
	Source        string `json:"source,omitempty" msgpack:"source,omitempty"`
	AutoDisableMs int64  `json:"autoDisableMs,omitempty" msgpack:"auto_disable_ms,omitempty"`
}

// AutoDisable returns the per-activation countdown, zero when none was set.
func (s ShieldSession) AutoDisable() time.Duration {
	return time.Duration(s.AutoDisableMs) * time.Millisecond
}

// Open reports whether the session has not been closed yet.
func (s ShieldSession) Open() bool {
	return s.End == nil
}

// Contains reports whether the millisecond timestamp t falls inside the session.
// Both bounds are inclusive; an open session extends indefinitely.
func (s ShieldSession) Contains(t int64) bool {
	if t < s.Start {
		return false
	}
	return s.End == nil || t <= *s.End
}

// TimeRule auto-activates shielding on a weekly wall-clock schedule.
type TimeRule struct {
	ID        string   `json:"id" msgpack:"id" validate:"required,max=64"`
	Name      string   `json:"name" msgpack:"name" validate:"max=128"`
	Days      []string `json:"days" msgpack:"days" validate:"min=1,dive,weekday"`
	StartTime string   `json:"startTime" msgpack:"start_time" validate:"required,clock"`
	EndTime   string   `json:"endTime" msgpack:"end_time" validate:"required,clock"`
	Enabled   bool     `json:"enabled" msgpack:"enabled"`
	UpdatedAt int64    `json:"updatedAt" msgpack:"updated_at"`
}

// DeviceRule auto-activates shielding while a given playback device is active,
// optionally restricted to a weekly schedule.
type DeviceRule struct {
	ID             string   `json:"id" msgpack:"id" validate:"required,max=64"`
	DeviceID       string   `json:"deviceId" msgpack:"device_id" validate:"required"`
	DeviceName     string   `json:"deviceName" msgpack:"device_name"`
	DeviceType     string   `json:"deviceType" msgpack:"device_type"`
	Enabled        bool     `json:"enabled" msgpack:"enabled"`
	AutoShield     bool     `json:"autoShield" msgpack:"auto_shield"`
	ShieldDuration int      `json:"shieldDuration" msgpack:"shield_duration" validate:"gte=0,lte=1440"` // minutes, 0 = unlimited
	Days           []string `json:"days,omitempty" msgpack:"days" validate:"required_if=TimeEnabled true,dive,weekday"`
	StartTime      string   `json:"startTime,omitempty" msgpack:"start_time" validate:"required_if=TimeEnabled true,omitempty,clock"`
	EndTime        string   `json:"endTime,omitempty" msgpack:"end_time" validate:"required_if=TimeEnabled true,omitempty,clock"`
	TimeEnabled    bool     `json:"timeEnabled" msgpack:"time_enabled"`
	UpdatedAt      int64    `json:"updatedAt" msgpack:"updated_at"`
}

// AutoDisableDuration returns the device rule's shield duration, zero if unlimited.
func (r DeviceRule) AutoDisableDuration() time.Duration {
	return time.Duration(r.ShieldDuration) * time.Minute
}

// TrackPlayRecord is one play of a track. Identity is ID; Timestamp is the
// play time in Unix milliseconds and Duration the track length in milliseconds.
type TrackPlayRecord struct {
	ID        string `json:"id" msgpack:"id"`
	Name      string `json:"name" msgpack:"name"`
	Artist    string `json:"artist" msgpack:"artist"`
	Album     string `json:"album" msgpack:"album"`
	AlbumArt  string `json:"albumArt,omitempty" msgpack:"album_art"`
	Duration  int64  `json:"duration" msgpack:"duration"`
	Timestamp int64  `json:"timestamp" msgpack:"timestamp"`
}

// ExclusionResourceState is a snapshot of the protection mechanism for one activation.
type ExclusionResourceState struct {
	Active            bool     `json:"active"`
	ActivatedAt       int64    `json:"activatedAt,omitempty"`
	ResourceID        string   `json:"resourceId,omitempty"`
	ProcessedTrackIDs []string `json:"processedTrackIds"`
}

// SyncState reports the cloud sync gateway's progress.
type SyncState struct {
	IsSyncing  bool   `json:"isSyncing"`
	LastSyncAt int64  `json:"lastSyncAt,omitempty"`
	LastError  string `json:"lastError,omitempty"`
}

// Millis converts t to Unix milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts Unix milliseconds to a UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
