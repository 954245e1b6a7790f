package app

import (
	"log/slog"

	"github.com/samber/do/v2"
	"github.com/spf13/afero"

	"github.com/nfrund/chatsync/internal/auth"
	"github.com/nfrund/chatsync/internal/chat"
	"github.com/nfrund/chatsync/internal/chatapi"
	"github.com/nfrund/chatsync/internal/commands"
	"github.com/nfrund/chatsync/internal/config"
	"github.com/nfrund/chatsync/internal/connection"
	"github.com/nfrund/chatsync/internal/reconciler"
	"github.com/nfrund/chatsync/internal/router"
	"github.com/nfrund/chatsync/internal/storage"
	"github.com/nfrund/chatsync/internal/websocket"
)

// Dependencies holds the externally supplied parts of a session. Zero fields
// fall back to production defaults.
type Dependencies struct {
	// Fs backs the local cache. Defaults to the OS filesystem.
	Fs afero.Fs
	// Dialer opens transports. Defaults to the coder/websocket dialer.
	Dialer connection.Dialer
	// Provider supplies credentials. Defaults to the HTTP auth client.
	Provider auth.Provider
	Logger   *slog.Logger
}

func (d *Dependencies) defaults() {
	if d.Fs == nil {
		d.Fs = afero.NewOsFs()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Dialer == nil {
		d.Dialer = connection.WebsocketDialer(websocket.WithLogger(d.Logger))
	}
}

// register binds every component of a session to injector.
func register(injector do.Injector, cfg *config.Config, deps Dependencies) {
	do.ProvideValue(injector, cfg)
	do.ProvideValue(injector, deps.Logger)
	do.ProvideValue(injector, deps.Fs)
	do.ProvideValue(injector, deps.Dialer)

	do.Provide(injector, func(i do.Injector) (*storage.Cache, error) {
		cfg := do.MustInvoke[*config.Config](i)
		fs := do.MustInvoke[afero.Fs](i)
		return storage.NewCache(storage.NewAferoStore(fs, cfg.StateDir), cfg.CacheLimit), nil
	})

	do.Provide(injector, func(i do.Injector) (*auth.Client, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return auth.NewClient(cfg.APIURL, do.MustInvoke[*storage.Cache](i), storage.KeyUser), nil
	})

	do.Provide(injector, func(i do.Injector) (auth.Provider, error) {
		if deps.Provider != nil {
			return deps.Provider, nil
		}
		return do.MustInvoke[*auth.Client](i), nil
	})

	do.Provide(injector, func(i do.Injector) (*chatapi.Client, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return chatapi.NewClient(cfg.APIURL, do.MustInvoke[auth.Provider](i), do.MustInvoke[*slog.Logger](i)), nil
	})

	do.Provide(injector, func(i do.Injector) (*reconciler.Reconciler, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return reconciler.New(do.MustInvoke[*storage.Cache](i),
			reconciler.WithDedupeWindow(cfg.DedupeWindow),
			reconciler.WithLimit(cfg.CacheLimit),
			reconciler.WithDefaultRoom(cfg.DefaultRoom),
			reconciler.WithLogger(do.MustInvoke[*slog.Logger](i)),
		), nil
	})

	do.Provide(injector, func(i do.Injector) (*connection.Manager, error) {
		opts := connection.OptionsFromConfig(do.MustInvoke[*config.Config](i))
		opts.Logger = do.MustInvoke[*slog.Logger](i)
		return connection.New(opts, do.MustInvoke[auth.Provider](i), do.MustInvoke[connection.Dialer](i)), nil
	})

	do.Provide(injector, func(i do.Injector) (*router.Router, error) {
		state := do.MustInvoke[*reconciler.Reconciler](i)
		sink := router.SinkFunc(func(ev chat.Event) { state.Apply(ev) })
		return router.New(do.MustInvoke[*connection.Manager](i), sink, do.MustInvoke[*slog.Logger](i)), nil
	})

	do.Provide(injector, func(i do.Injector) (*commands.Builder, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return commands.New(do.MustInvoke[*connection.Manager](i),
			commands.WithLocalEcho(do.MustInvoke[*reconciler.Reconciler](i)),
			commands.WithDefaultRoom(cfg.DefaultRoom),
			commands.WithLogger(do.MustInvoke[*slog.Logger](i)),
		), nil
	})
}
