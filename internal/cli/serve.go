package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/loggo/v2"
	"github.com/spf13/cobra"

	"github.com/substratehq/objectd/internal/config"
	"github.com/substratehq/objectd/internal/conn"
	"github.com/substratehq/objectd/internal/object"
	"github.com/substratehq/objectd/internal/storage"
)

var logger = loggo.GetLogger("objectd.cli")

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ConfigFile string
	Database   string
	Listen     string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an actor host",
		Long: `Run a single durable object actor behind a websocket endpoint.

The host opens (or creates) the SQLite database, restores the actor's
sequence counter and hibernated connection metadata, and serves websocket
clients on /connect. Clients speak a small JSON protocol: get, set,
delete, list, subscribe, unsubscribe and publish. Change events are
published to the topic named after the record's collection.

Example:
  objectd serve --db ./objects.db --listen :8787
  objectd serve --config ./objectd.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigFile, "config", "", "path to YAML configuration")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	if opts.Database != "" {
		cfg.Storage.Path = opts.Database
	}
	if opts.Listen != "" {
		cfg.Server.Listen = opts.Listen
	}

	level := cfg.Log.Level
	if opts.Verbose {
		level = "DEBUG"
	}
	if err := loggo.ConfigureLoggers(fmt.Sprintf("<root>=%s", level)); err != nil {
		return WrapExitError(ExitCommandError, "failed to configure logging", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Infof("opening database %s", cfg.Storage.Path)
	backend, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := backend.Close(); closeErr != nil {
			logger.Errorf("close database: %v", closeErr)
		}
	}()

	registry := conn.NewRegistry(clock.WallClock, backend)
	if err := registry.Restore(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to restore connection metadata", err)
	}

	actor, err := object.New(ctx, backend, object.Options{
		Clock: clock.WallClock,
		Hibernation: object.HibernationConfig{
			IdleTimeout:         cfg.Lifecycle.IdleTimeout.Std(),
			MaxHibernation:      cfg.Lifecycle.MaxHibernation.Std(),
			PreserveConnections: cfg.Lifecycle.PreserveConnections,
		},
		Connections: registry,
	})
	if err != nil {
		return WrapExitError(ExitFailure, "failed to create actor", err)
	}

	loopDone := make(chan struct{})
	go func() {
		actor.Run(ctx)
		close(loopDone)
	}()

	// Forward change events to subscribers of the record's collection.
	unsub, err := actor.OnMutation(ctx, func(ev object.ChangeEvent) error {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		registry.Publish(ev.Collection, payload)
		return nil
	})
	if err != nil {
		return WrapExitError(ExitFailure, "failed to register change forwarding", err)
	}
	defer unsub()

	h := &host{ctx: ctx, actor: actor, registry: registry, upgrader: websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}}
	mux := http.NewServeMux()
	mux.HandleFunc("/connect", h.handleConnect)

	srv := &http.Server{Addr: cfg.Server.Listen, Handler: mux}
	srvErr := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", cfg.Server.Listen)
		srvErr <- srv.ListenAndServe()
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "Actor %s serving on %s. Press Ctrl-C to stop.\n", actor.ID(), cfg.Server.Listen)

	select {
	case <-ctx.Done():
		logger.Infof("shutting down")
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warningf("shutdown: %v", err)
	}
	<-loopDone
	return nil
}

// host bridges websocket sessions to the actor.
type host struct {
	ctx      context.Context
	actor    *object.Actor
	registry *conn.Registry
	upgrader websocket.Upgrader
}

// request is one client frame.
type request struct {
	Op    string `json:"op"`
	Key   string `json:"key,omitempty"`
	Value []byte `json:"value,omitempty"`
	TTL   string `json:"ttl,omitempty"`
	Topic string `json:"topic,omitempty"`
	Data  []byte `json:"data,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// response is one server frame.
type response struct {
	OK        bool            `json:"ok"`
	Value     []byte          `json:"value,omitempty"`
	Found     bool            `json:"found,omitempty"`
	Version   int64           `json:"version,omitempty"`
	Deleted   bool            `json:"deleted,omitempty"`
	Delivered int             `json:"delivered,omitempty"`
	Records   []object.Record `json:"records,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (h *host) handleConnect(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debugf("upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	c := h.registry.Adopt(ws, []byte(r.RemoteAddr))
	logger.Infof("connection %d from %s", c.ID(), r.RemoteAddr)
	// Block until the session ends; the hijacked socket outlives the
	// request context, so session work uses the host context.
	h.readLoop(h.ctx, ws, c.ID())
}

func (h *host) readLoop(ctx context.Context, ws *websocket.Conn, id int64) {
	defer h.registry.Close(id)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			logger.Debugf("connection %d read: %v", id, err)
			return
		}
		h.registry.Touch(id)
		if err := h.actor.Touch(ctx); err != nil {
			return
		}
		h.registry.Send(id, h.handle(ctx, id, data))
	}
}

func (h *host) handle(ctx context.Context, id int64, data []byte) []byte {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		return fail(fmt.Sprintf("malformed request: %v", err))
	}

	switch req.Op {
	case "get":
		value, found, err := h.actor.Get(ctx, req.Key)
		if err != nil {
			return fail(err.Error())
		}
		return ok(response{Value: value, Found: found})
	case "set":
		var opts object.SetOptions
		if req.TTL != "" {
			ttl, err := time.ParseDuration(req.TTL)
			if err != nil {
				return fail(fmt.Sprintf("invalid ttl: %v", err))
			}
			opts.TTL = ttl
		}
		rec, err := h.actor.Set(ctx, req.Key, req.Value, opts)
		if err != nil {
			return fail(err.Error())
		}
		return ok(response{Version: rec.Version})
	case "delete":
		deleted, err := h.actor.Delete(ctx, req.Key)
		if err != nil {
			return fail(err.Error())
		}
		return ok(response{Deleted: deleted})
	case "list":
		result, err := h.actor.List(ctx, object.ListOptions{Prefix: req.Key, Limit: req.Limit})
		if err != nil {
			return fail(err.Error())
		}
		return ok(response{Records: result.Records})
	case "subscribe":
		if !h.registry.Subscribe(id, req.Topic) {
			return fail("connection not registered")
		}
		return ok(response{})
	case "unsubscribe":
		if !h.registry.Unsubscribe(id, req.Topic) {
			return fail("connection not registered")
		}
		return ok(response{})
	case "publish":
		delivered := h.registry.Publish(req.Topic, req.Data)
		return ok(response{Delivered: delivered})
	default:
		return fail(fmt.Sprintf("unknown op %q", req.Op))
	}
}

func ok(resp response) []byte {
	resp.OK = true
	data, _ := json.Marshal(resp)
	return data
}

func fail(message string) []byte {
	data, _ := json.Marshal(response{Error: message})
	return data
}
