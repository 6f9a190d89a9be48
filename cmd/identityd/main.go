// identityd runs the session/identity reconciliation subsystem as a small
// daemon: an OpenID Connect provider on one side, a profile store on the
// other, and an HTTP surface exposing the session state to local consumers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tradepost-io/identity/internal/atomicutil"
	"github.com/tradepost-io/identity/internal/config"
	"github.com/tradepost-io/identity/internal/log"
	"github.com/tradepost-io/identity/internal/manager"
	"github.com/tradepost-io/identity/internal/sessions"
	"github.com/tradepost-io/identity/pkg/identity"
	"github.com/tradepost-io/identity/pkg/identity/oidc"
	"github.com/tradepost-io/identity/pkg/profile"
	"github.com/tradepost-io/identity/pkg/profile/inmemory"
	"github.com/tradepost-io/identity/pkg/profile/postgres"
)

func main() {
	configFile := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configFile); err != nil && !errors.Is(err, context.Canceled) {
		log.Error(ctx).Err(err).Msg("identityd: fatal error")
		os.Exit(1)
	}
}

func run(ctx context.Context, configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	provider, err := oidc.New(ctx, oidc.Config{
		ProviderURL:  cfg.ProviderURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
	})
	if err != nil {
		return err
	}

	var store profile.Store
	if cfg.Storage == config.StoragePostgres {
		backend := postgres.New(cfg.DatabaseURL)
		defer backend.Close()
		store = backend
	} else {
		store = inmemory.New()
	}

	mgr := manager.New(
		manager.WithProvider(provider),
		manager.WithProfileStore(store),
		manager.WithClassifier(identity.Classifier{
			Markers:        cfg.AdminMarkers,
			DomainSuffixes: cfg.AdminDomains,
		}),
	)
	mgr.Store().Subscribe(func(state sessions.State) {
		evt := log.Info(ctx).
			Bool("authenticated", state.Authenticated()).
			Bool("is_admin", state.IsAdmin).
			Bool("loading", state.Loading).
			Bool("profile_fetch_failed", state.ProfileFetchFailed)
		if state.Identity != nil {
			evt = evt.Str("user_id", state.Identity.ID)
		}
		evt.Msg("session state changed")
	})

	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           newRouter(provider, mgr),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return mgr.Run(ctx)
	})
	eg.Go(func() error {
		log.Info(ctx).Str("address", cfg.Address).Msg("identityd: listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

func newRouter(provider *oidc.Provider, mgr *manager.Manager) *mux.Router {
	// single-principal daemon, so one pending sign-in state at a time
	pendingState := atomicutil.NewValue("")

	r := mux.NewRouter()

	r.HandleFunc("/signin", func(w http.ResponseWriter, req *http.Request) {
		state := uuid.NewString()
		pendingState.Store(state)
		http.Redirect(w, req, provider.SignInURL(state), http.StatusFound)
	}).Methods(http.MethodGet)

	r.HandleFunc("/oauth2/callback", func(w http.ResponseWriter, req *http.Request) {
		if req.FormValue("state") != pendingState.Load() || pendingState.Load() == "" {
			http.Error(w, "invalid state", http.StatusBadRequest)
			return
		}
		pendingState.Store("")
		if _, err := provider.Redeem(req.Context(), req.FormValue("code")); err != nil {
			log.Error(req.Context()).Err(err).Msg("identityd: redeem failed")
			http.Error(w, "sign-in failed", http.StatusBadGateway)
			return
		}
		http.Redirect(w, req, "/state", http.StatusFound)
	}).Methods(http.MethodGet)

	r.HandleFunc("/signout", func(w http.ResponseWriter, req *http.Request) {
		mgr.SignOut(req.Context())
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)

	r.HandleFunc("/refresh", func(w http.ResponseWriter, req *http.Request) {
		mgr.RefreshProfile(req.Context())
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)

	r.HandleFunc("/state", func(w http.ResponseWriter, req *http.Request) {
		state := mgr.Store().Snapshot()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"session":              state.Session,
			"identity":             state.Identity,
			"profile":              state.Profile,
			"is_admin":             mgr.IsAdmin(),
			"loading":              state.Loading,
			"profile_fetch_failed": state.ProfileFetchFailed,
		})
	}).Methods(http.MethodGet)

	return r
}
