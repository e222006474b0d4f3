package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/developingchet/tasteshield/internal/config"
	"github.com/developingchet/tasteshield/internal/daemon"
	"github.com/developingchet/tasteshield/internal/logger"
	"github.com/developingchet/tasteshield/internal/model"
	"github.com/developingchet/tasteshield/internal/notify"
	"github.com/developingchet/tasteshield/internal/platform"
	"github.com/developingchet/tasteshield/internal/remote"
	"github.com/developingchet/tasteshield/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

const controlTimeout = 30 * time.Second

func main() {
	if err := newRoot().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "tasteshield",
		Short:         "Keep shielded listening out of your streaming taste profile",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("addr", "", "control API address (defaults to CONTROL_ADDR)")

	root.AddCommand(
		runCmd(),
		statusCmd(),
		toggleCmd(),
		syncCmd(),
		deleteProfileCmd(),
		healthcheckCmd(),
		versionCmd(),
	)
	return root
}

// runCmd is the main daemon command.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the tasteshield daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	log.Info().Str("version", Version).Msg("tasteshield starting")
	gin.SetMode(gin.ReleaseMode)

	store, err := storage.NewBboltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	notifier := buildNotifier(cfg, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := newPlatformClient(ctx, cfg, store, log)
	if err != nil {
		if platform.IsCredentialRevoked(err) {
			forgetCredential(store, notifier, log)
		}
		return fmt.Errorf("init platform client: %w", err)
	}
	defer client.Close()

	repo, err := remote.Open(cfg.RemoteDBPath, log)
	if err != nil {
		return fmt.Errorf("open remote repository: %w", err)
	}
	defer repo.Close()

	daemon.BinaryVersion = Version
	d, err := daemon.New(ctx, cfg, client, store, repo, notifier, log)
	if err != nil {
		return fmt.Errorf("build daemon: %w", err)
	}
	return d.Run(ctx)
}

func newPlatformClient(ctx context.Context, cfg *config.Config, store storage.Store, log zerolog.Logger) (platform.Client, error) {
	return platform.NewClient(ctx, platform.ClientConfig{
		APIURL:        cfg.SpotifyAPIURL,
		AccountsURL:   cfg.SpotifyAccountsURL,
		ClientID:      cfg.SpotifyClientID,
		ClientSecret:  cfg.SpotifyClientSecret,
		RefreshToken:  cfg.SpotifyRefreshToken,
		Timeout:       cfg.SpotifyHTTPTimeout,
		Debug:         cfg.SpotifyAPIDebug,
		RateLimit:     cfg.SpotifyRateLimit,
		RateBurst:     cfg.SpotifyRateBurst,
		RefreshMinGap: cfg.TokenRefreshMinGap,
	}, store, log)
}

// buildNotifier always logs and also posts to the webhook when one is configured.
func buildNotifier(cfg *config.Config, log zerolog.Logger) notify.Notifier {
	n := notify.Multi{notify.NewLog(log)}
	if cfg.NotifyWebhookURL != "" {
		n = append(n, notify.NewWebhook(cfg.NotifyWebhookURL, Version, log))
	}
	return n
}

// forgetCredential handles a refresh token rejected at startup.
func forgetCredential(store storage.Store, notifier notify.Notifier, log zerolog.Logger) {
	if err := store.Remove(platform.RefreshTokenKey); err != nil {
		log.Warn().Err(err).Msg("clear persisted refresh token failed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = notifier.Notify(ctx, notify.Event{
		Kind:    notify.KindCredentialRevoked,
		Title:   "Signed out",
		Message: "The configured refresh token was rejected. Authorize tasteshield again.",
		At:      time.Now().UTC(),
	})
}

// statusCmd prints the daemon's shield and sync state.
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show shield, exclusion and sync status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var st daemon.Status
			if err := callControl(cmd, http.MethodGet, "/v1/status", &st); err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func printStatus(w io.Writer, st daemon.Status) {
	state := "off"
	if st.Shield.Active {
		state = "on since " + model.FromMillis(st.Shield.ActivatedAt).Local().Format(time.RFC1123)
	}
	fmt.Fprintf(w, "shield:     %s\n", state)
	if st.Shield.AutoDisableIn > 0 {
		fmt.Fprintf(w, "auto-off:   in %s\n", time.Duration(st.Shield.AutoDisableIn)*time.Second)
	}
	fmt.Fprintf(w, "sessions:   %d\n", st.Shield.Sessions)
	if st.Exclusion.ResourceID != "" {
		fmt.Fprintf(w, "exclusion:  %s (%d tracks this session)\n", st.Exclusion.ResourceID, len(st.Exclusion.ProcessedTrackIDs))
	}
	if st.Sync != nil {
		last := "never"
		if st.Sync.LastSyncAt > 0 {
			last = model.FromMillis(st.Sync.LastSyncAt).Local().Format(time.RFC1123)
		}
		fmt.Fprintf(w, "last sync:  %s\n", last)
		if st.Sync.LastError != "" {
			fmt.Fprintf(w, "sync error: %s\n", st.Sync.LastError)
		}
	}
	fmt.Fprintf(w, "uploads:    %d queued\n", st.UploadQueueDepth)
	fmt.Fprintf(w, "version:    %s\n", st.Version)
}

// toggleCmd flips shielding on the running daemon.
func toggleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle",
		Short: "Turn shielding on or off",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Active bool `json:"active"`
			}
			if err := callControl(cmd, http.MethodPost, "/v1/shield/toggle", &out); err != nil {
				return err
			}
			if out.Active {
				fmt.Fprintln(cmd.OutOrStdout(), "shield on")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "shield off")
			}
			return nil
		},
	}
}

// syncCmd asks the running daemon for an immediate sync.
func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Sync with the remote repository now",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Sync model.SyncState `json:"sync"`
			}
			if err := callControl(cmd, http.MethodPost, "/v1/sync", &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sync complete at %s\n",
				model.FromMillis(out.Sync.LastSyncAt).Local().Format(time.RFC1123))
			return nil
		},
	}
}

// deleteProfileCmd removes every backed-up record for the configured account.
func deleteProfileCmd() *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "delete-profile",
		Short: "Delete the remote profile and all of its backed-up data",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return fmt.Errorf("refusing to delete without --confirm")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := logger.New(cfg.LogLevel, cfg.LogFormat)

			store, err := storage.NewBboltStore(cfg.DataDir)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			client, err := newPlatformClient(ctx, cfg, store, log)
			if err != nil {
				return err
			}
			defer client.Close()

			user, err := client.FetchCurrentUser(ctx)
			if err != nil {
				return err
			}

			repo, err := remote.Open(cfg.RemoteDBPath, log)
			if err != nil {
				return err
			}
			defer repo.Close()

			return deleteProfile(ctx, repo, user.ID, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm the irreversible deletion")
	return cmd
}

func deleteProfile(ctx context.Context, repo remote.Repository, platformUserID string, out io.Writer) error {
	id, err := repo.LookupProfile(ctx, platformUserID)
	if errors.Is(err, remote.ErrProfileNotFound) {
		return fmt.Errorf("no remote profile for user %s: %w", platformUserID, err)
	}
	if err != nil {
		return err
	}
	if err := repo.DeleteProfile(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(out, "deleted remote profile %s\n", id)
	return nil
}

// healthcheckCmd exits 0 if the control API answers /healthz.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := callControl(cmd, http.MethodGet, "/healthz", nil); err != nil {
				fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "healthy")
			return nil
		},
	}
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tasteshield %s\n", Version)
		},
	}
}

// controlBase resolves the control API base URL from --addr or CONTROL_ADDR.
// A listen address without a host is dialled on loopback.
func controlBase(cmd *cobra.Command) (string, error) {
	var addr string
	if f := cmd.Flag("addr"); f != nil {
		addr = f.Value.String()
	}
	if addr == "" {
		cfg, err := config.Load()
		if err != nil {
			return "", err
		}
		addr = cfg.ControlAddr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid control address %q: %w", addr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

// callControl performs one control API request and decodes a JSON reply
// into out when out is non-nil. Non-2xx replies become errors carrying the
// server's message.
func callControl(cmd *cobra.Command, method, path string, out interface{}) error {
	base, err := controlBase(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), controlTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, base+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("contact daemon: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, e.Error)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}
