package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/developingchet/tasteshield/internal/model"
)

// --- Wire types (JSON mapping to Web API responses) -------------------------

type apiUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

type apiImage struct {
	URL string `json:"url"`
}

type apiArtist struct {
	Name string `json:"name"`
}

type apiAlbum struct {
	Name   string     `json:"name"`
	Images []apiImage `json:"images"`
}

type apiTrack struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	DurationMs int64       `json:"duration_ms"`
	Artists    []apiArtist `json:"artists"`
	Album      apiAlbum    `json:"album"`
}

type apiPlayHistory struct {
	Track    apiTrack `json:"track"`
	PlayedAt string   `json:"played_at"`
}

type apiRecentlyPlayed struct {
	Items []apiPlayHistory `json:"items"`
}

type apiCurrentlyPlaying struct {
	IsPlaying            bool      `json:"is_playing"`
	Timestamp            int64     `json:"timestamp"`
	CurrentlyPlayingType string    `json:"currently_playing_type"`
	Item                 *apiTrack `json:"item"`
}

type apiDevice struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	IsActive      bool   `json:"is_active"`
	VolumePercent int    `json:"volume_percent"`
}

type apiDevices struct {
	Devices []apiDevice `json:"devices"`
}

type apiPlaylist struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Public      *bool    `json:"public,omitempty"`
	Owner       *apiUser `json:"owner,omitempty"`
}

type apiPlaylistPage struct {
	Items []apiPlaylist `json:"items"`
	Next  string        `json:"next"`
}

type apiURIs struct {
	URIs []string `json:"uris"`
}

type apiTrackRef struct {
	URI string `json:"uri"`
}

type apiRemoveTracks struct {
	Tracks []apiTrackRef `json:"tracks"`
}

func (t apiTrack) record(ts int64) model.TrackPlayRecord {
	artists := make([]string, 0, len(t.Artists))
	for _, a := range t.Artists {
		artists = append(artists, a.Name)
	}
	rec := model.TrackPlayRecord{
		ID:        t.ID,
		Name:      t.Name,
		Artist:    strings.Join(artists, ", "),
		Album:     t.Album.Name,
		Duration:  t.DurationMs,
		Timestamp: ts,
	}
	if len(t.Album.Images) > 0 {
		rec.AlbumArt = t.Album.Images[0].URL
	}
	return rec
}

func (d apiDevice) device() Device {
	return Device{ID: d.ID, Name: d.Name, Type: d.Type, IsActive: d.IsActive, VolumePercent: d.VolumePercent}
}

func (p apiPlaylist) resource() Resource {
	r := Resource{ID: p.ID, Name: p.Name, Description: p.Description}
	if p.Owner != nil {
		r.OwnerID = p.Owner.ID
	}
	return r
}

// --- Generic HTTP helpers ---------------------------------------------------

// doJSON issues a request and decodes a JSON body into out. A 204 leaves out
// untouched and reports noContent.
func doJSON(ctx context.Context, c *httpClient, method, rawURL, endpoint string, payload, out interface{}) (noContent bool, err error) {
	var body []byte
	if payload != nil {
		if body, err = json.Marshal(payload); err != nil {
			return false, err
		}
	}
	err = c.withReauth(ctx, func() error {
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, rerr := http.NewRequestWithContext(ctx, method, rawURL, rdr)
		if rerr != nil {
			return rerr
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, rerr := c.apiDo(ctx, req, endpoint)
		if rerr != nil {
			return rerr
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNoContent {
			noContent = true
			return nil
		}
		if out == nil {
			return nil
		}
		if derr := json.NewDecoder(resp.Body).Decode(out); derr != nil {
			return fmt.Errorf("decode response: %w", derr)
		}
		return nil
	})
	return noContent, err
}

// --- Endpoints --------------------------------------------------------------

func (c *httpClient) FetchCurrentUser(ctx context.Context) (User, error) {
	var u apiUser
	if _, err := doJSON(ctx, c, http.MethodGet, c.url("/me"), "me", nil, &u); err != nil {
		return User{}, fmt.Errorf("fetch current user: %w", err)
	}
	return User{ID: u.ID, DisplayName: u.DisplayName}, nil
}

func (c *httpClient) FetchRecentPlays(ctx context.Context, limit int) ([]model.TrackPlayRecord, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	var page apiRecentlyPlayed
	u := c.url("/me/player/recently-played?limit=" + strconv.Itoa(limit))
	if _, err := doJSON(ctx, c, http.MethodGet, u, "recently_played", nil, &page); err != nil {
		return nil, fmt.Errorf("fetch recent plays: %w", err)
	}
	out := make([]model.TrackPlayRecord, 0, len(page.Items))
	for _, it := range page.Items {
		if it.Track.ID == "" {
			continue
		}
		playedAt, err := time.Parse(time.RFC3339Nano, it.PlayedAt)
		if err != nil {
			c.log.Warn().Str("track", it.Track.ID).Str("played_at", it.PlayedAt).Msg("skipping play with unparseable timestamp")
			continue
		}
		out = append(out, it.Track.record(model.Millis(playedAt)))
	}
	return out, nil
}

func (c *httpClient) FetchCurrentlyPlaying(ctx context.Context) (*model.TrackPlayRecord, error) {
	var cp apiCurrentlyPlaying
	noContent, err := doJSON(ctx, c, http.MethodGet, c.url("/me/player/currently-playing"), "currently_playing", nil, &cp)
	if err != nil {
		return nil, fmt.Errorf("fetch currently playing: %w", err)
	}
	if noContent || cp.Item == nil || cp.Item.ID == "" || !cp.IsPlaying {
		return nil, nil
	}
	ts := cp.Timestamp
	if ts == 0 {
		ts = model.Millis(time.Now())
	}
	rec := cp.Item.record(ts)
	return &rec, nil
}

func (c *httpClient) FetchAvailableDevices(ctx context.Context) ([]Device, error) {
	var body apiDevices
	if _, err := doJSON(ctx, c, http.MethodGet, c.url("/me/player/devices"), "devices", nil, &body); err != nil {
		return nil, fmt.Errorf("fetch devices: %w", err)
	}
	out := make([]Device, 0, len(body.Devices))
	for _, d := range body.Devices {
		out = append(out, d.device())
	}
	return out, nil
}

func (c *httpClient) FetchActiveDevice(ctx context.Context) (*Device, error) {
	devices, err := c.FetchAvailableDevices(ctx)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if devices[i].IsActive {
			return &devices[i], nil
		}
	}
	return nil, nil
}

func (c *httpClient) FindResourceByName(ctx context.Context, name string) (*Resource, error) {
	next := c.url("/me/playlists?limit=50")
	for next != "" {
		var page apiPlaylistPage
		if _, err := doJSON(ctx, c, http.MethodGet, next, "playlists", nil, &page); err != nil {
			return nil, fmt.Errorf("list playlists: %w", err)
		}
		for _, p := range page.Items {
			if p.Name == name {
				r := p.resource()
				return &r, nil
			}
		}
		next = page.Next
	}
	return nil, nil
}

func (c *httpClient) FetchResource(ctx context.Context, id string) (Resource, error) {
	var p apiPlaylist
	u := c.url("/playlists/" + url.PathEscape(id) + "?fields=" + url.QueryEscape("id,name,description,owner(id)"))
	if _, err := doJSON(ctx, c, http.MethodGet, u, "playlist", nil, &p); err != nil {
		return Resource{}, fmt.Errorf("fetch playlist %s: %w", id, err)
	}
	return p.resource(), nil
}

func (c *httpClient) CreateResource(ctx context.Context, ownerID, name, description string) (Resource, error) {
	private := false
	payload := apiPlaylist{Name: name, Description: description, Public: &private}
	var created apiPlaylist
	u := c.url("/users/" + url.PathEscape(ownerID) + "/playlists")
	if _, err := doJSON(ctx, c, http.MethodPost, u, "create_playlist", payload, &created); err != nil {
		return Resource{}, fmt.Errorf("create playlist %q: %w", name, err)
	}
	if created.ID == "" {
		return Resource{}, fmt.Errorf("create playlist %q: response has no id", name)
	}
	return created.resource(), nil
}

func (c *httpClient) AddItemToResource(ctx context.Context, resourceID, uri string) error {
	u := c.url("/playlists/" + url.PathEscape(resourceID) + "/tracks")
	if _, err := doJSON(ctx, c, http.MethodPost, u, "add_tracks", apiURIs{URIs: []string{uri}}, nil); err != nil {
		return fmt.Errorf("add %s to playlist %s: %w", uri, resourceID, err)
	}
	return nil
}

func (c *httpClient) RemoveItemFromResource(ctx context.Context, resourceID, uri string) error {
	u := c.url("/playlists/" + url.PathEscape(resourceID) + "/tracks")
	payload := apiRemoveTracks{Tracks: []apiTrackRef{{URI: uri}}}
	if _, err := doJSON(ctx, c, http.MethodDelete, u, "remove_tracks", payload, nil); err != nil {
		return fmt.Errorf("remove %s from playlist %s: %w", uri, resourceID, err)
	}
	return nil
}
