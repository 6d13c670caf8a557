package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/util/exsync"
	"maunium.net/go/mautrix"

	"github.com/meshrelay/meshrelay/internal/bus"
	"github.com/meshrelay/meshrelay/internal/config"
	"github.com/meshrelay/meshrelay/internal/domain"
	"github.com/meshrelay/meshrelay/internal/health"
	"github.com/meshrelay/meshrelay/internal/logging"
	"github.com/meshrelay/meshrelay/internal/matrix"
	"github.com/meshrelay/meshrelay/internal/metrics"
	"github.com/meshrelay/meshrelay/internal/persistence"
	"github.com/meshrelay/meshrelay/internal/platform"
	"github.com/meshrelay/meshrelay/internal/radio"
	"github.com/meshrelay/meshrelay/internal/relay"
)

const writerDrainTimeout = 3 * time.Second

type Options struct {
	ConfigFile string
	EnvFile    string
	// PersistAliases rewrites the config file with resolved room ids.
	PersistAliases bool
}

type Runtime struct {
	Ctx    context.Context
	cancel context.CancelFunc

	Paths  Paths
	Config config.Config

	LogManager  *logging.Manager
	Bus         *bus.PubSubBus
	DB          *sql.DB
	Names       *persistence.NameRepo
	WriterQueue *persistence.WriterQueue
	Rooms       *domain.RoomMap
	Status      *StatusTracker

	Chat  *matrix.Manager
	Radio *radio.Manager
	Relay *relay.Relay

	opts         Options
	lock         platform.InstanceLock
	logger       *slog.Logger
	shutdown     *exsync.Event
	shutdownOnce sync.Once
	closeOnce    sync.Once
	background   sync.WaitGroup
}

// Initialize loads configuration and wires every component. Nothing talks
// to the network until Run.
func Initialize(parent context.Context, opts Options) (*Runtime, error) {
	envFile := ResolvePaths(opts.ConfigFile, opts.EnvFile, config.Config{}).EnvFile
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(ResolvePaths(opts.ConfigFile, "", config.Config{}).ConfigFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	paths := ResolvePaths(opts.ConfigFile, opts.EnvFile, cfg)

	ctx, cancel := context.WithCancel(parent)
	rt := &Runtime{
		Ctx:      ctx,
		cancel:   cancel,
		Paths:    paths,
		Config:   cfg,
		opts:     opts,
		shutdown: exsync.NewEvent(),
	}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		_ = logMgr.Close()
		cancel()
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	rt.LogManager = logMgr
	rt.logger = logMgr.Logger("app")
	rt.logger.Info("starting meshrelay", "version", BuildVersion(), "config", paths.ConfigFile, "meshnet", cfg.Meshtastic.MeshnetName)

	lock, err := platform.AcquireFileLock(paths.DBFile + ".lock")
	switch {
	case errors.Is(err, platform.ErrInstanceLockUnsupported):
		rt.logger.Warn("instance lock unavailable", "error", err)
	case errors.Is(err, platform.ErrInstanceAlreadyRunning):
		_ = rt.Close()
		return nil, fmt.Errorf("name cache %s is used by another relay: %w", paths.DBFile, err)
	case err != nil:
		_ = rt.Close()
		return nil, err
	}
	rt.lock = lock

	db, err := persistence.Open(ctx, paths.DBFile)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.DB = db
	rt.Names = persistence.NewNameRepo(db)

	b := bus.New(logMgr.Logger("bus"))
	rt.Bus = b
	rt.Status = NewStatusTracker()
	rt.Status.Start(ctx, b)

	writerQueue := persistence.NewWriterQueue(logMgr.Logger("persistence"), writerQueueSize)
	writerQueue.Start(ctx)
	rt.WriterQueue = writerQueue
	persistence.StartNodeProjection(ctx, b, writerQueue, rt.Names)

	links := make([]domain.RoomLink, 0, len(cfg.MatrixRooms))
	for _, room := range cfg.MatrixRooms {
		links = append(links, domain.RoomLink{RoomID: room.ID, Channel: room.MeshtasticChannel})
	}
	rt.Rooms = domain.NewRoomMap(links)

	mautrix.DefaultUserAgent = UserAgent()
	rt.Chat = matrix.NewManager(logMgr.Logger("matrix"), logMgr.Zerolog("mautrix"), b, rt.Rooms, matrix.Options{
		Homeserver:  cfg.Matrix.Homeserver,
		UserID:      cfg.Matrix.UserID,
		AccessToken: cfg.Matrix.AccessToken,
		SendTimeout: cfg.Matrix.SendTimeout,
	})
	rt.Relay = relay.New(logMgr.Logger("relay"), b, rt.Rooms, rt.Names, rt.Chat, relay.Options{
		Meshnet:          cfg.Meshtastic.MeshnetName,
		BroadcastEnabled: cfg.Meshtastic.BroadcastEnabled,
		MaxBytes:         cfg.Relay.MaxMessageBytes,
	})
	rt.Chat.OnMessage(rt.Relay.HandleChatEvent)

	newTransport, err := NewTransportFactory(cfg.Meshtastic)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("initialize transport: %w", err)
	}
	dialer := radio.NewDeviceDialer(logMgr.Logger("device"), newTransport)
	rt.Radio = radio.NewManager(logMgr.Logger("radio"), b, dialer, RadioOptions(cfg))

	return rt, nil
}

// Run connects both networks and relays until Shutdown is called or ctx
// ends. Only a failed initial chat connection is returned as an error.
func (r *Runtime) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, r.Shutdown)
	defer stop()

	if err := r.Chat.Connect(ctx); err != nil {
		if r.shutdown.IsSet() {
			return nil
		}
		return fmt.Errorf("connect chat: %w", err)
	}
	r.Chat.JoinRooms(ctx)
	if r.opts.PersistAliases {
		r.persistAliases()
	}

	r.Chat.Start(r.Ctx)
	r.Radio.Start(r.Ctx, r.Relay.HandleRadioPacket)
	r.startHealth()

	if _, err := r.Radio.Connect(r.Ctx, false); err != nil {
		if r.shutdown.IsSet() || errors.Is(err, domain.ErrShuttingDown) || errors.Is(err, context.Canceled) {
			r.logger.Info("shutdown before radio connected")
			return nil
		}
		return fmt.Errorf("connect radio: %w", err)
	}
	r.startNameRefresh()

	SuperviseSync(r.logger, r.shutdown, r.Config.Relay.SyncRetryDelay, func() { r.RefreshNames(r.Ctx) }, r.Chat.Sync)

	return nil
}

// Shutdown flips the shutdown flag, wakes the main loop and stops radio
// connect attempts. Safe to call from any goroutine, more than once.
func (r *Runtime) Shutdown() {
	r.shutdownOnce.Do(func() {
		if r.logger != nil {
			r.logger.Info("shutdown requested")
		}
		r.shutdown.Set()
		if r.Radio != nil {
			r.Radio.Shutdown()
		}
	})
}

// ShutdownRequested reports whether Shutdown has been called.
func (r *Runtime) ShutdownRequested() bool {
	return r.shutdown.IsSet()
}

// RefreshNames copies the radio's current node names into the name cache.
func (r *Runtime) RefreshNames(ctx context.Context) {
	if r.Radio == nil || r.WriterQueue == nil || r.Names == nil {
		return
	}
	queued := 0
	for _, node := range r.Radio.Nodes() {
		if domain.NormalizeNodeID(node.NodeID) == "" || (node.LongName == "" && node.ShortName == "") {
			continue
		}
		n := node
		r.WriterQueue.Enqueue("refresh_node_names", func(writeCtx context.Context) error {
			if err := r.Names.SaveNode(writeCtx, n); err != nil {
				return err
			}
			metrics.NameCacheWrites.Inc()

			return nil
		})
		queued++
	}
	if ctx.Err() == nil {
		r.logger.Debug("name cache refresh queued", "nodes", queued)
	}
}

func (r *Runtime) startNameRefresh() {
	interval := r.Config.Relay.NameRefreshInterval
	if interval <= 0 {
		return
	}
	r.background.Add(1)
	go func() {
		defer r.background.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.Ctx.Done():
				return
			case <-r.shutdown.GetChan():
				return
			case <-ticker.C:
				r.RefreshNames(r.Ctx)
			}
		}
	}()
}

func (r *Runtime) startHealth() {
	addr := r.Config.Metrics.Listen
	if addr == "" {
		return
	}
	logger := r.LogManager.Logger("health")
	r.background.Add(1)
	go func() {
		defer r.background.Done()
		if err := health.Serve(r.Ctx, logger, addr, health.NewRouter(r.Status)); err != nil {
			logger.Error("health server failed", "addr", addr, "error", err)
		}
	}()
}

// persistAliases writes resolved room ids back to the config file.
func (r *Runtime) persistAliases() {
	links := r.Rooms.Links()
	if len(links) != len(r.Config.MatrixRooms) {
		return
	}
	cfg := r.Config
	cfg.MatrixRooms = make([]config.RoomConfig, len(links))
	changed := false
	for i, link := range links {
		cfg.MatrixRooms[i] = config.RoomConfig{ID: link.RoomID, MeshtasticChannel: link.Channel}
		if link.RoomID != r.Config.MatrixRooms[i].ID {
			changed = true
		}
	}
	if !changed {
		return
	}
	if err := config.Save(r.Paths.ConfigFile, cfg); err != nil {
		r.logger.Warn("persist resolved room aliases failed", "error", err)
		return
	}
	r.Config = cfg
	r.logger.Info("persisted resolved room aliases", "config", r.Paths.ConfigFile)
}

// Close tears everything down. Every step runs even if an earlier one
// fails.
func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		r.bestEffort("shutdown", func() error {
			r.Shutdown()
			return nil
		})
		r.bestEffort("close chat client", func() error {
			if r.Chat != nil {
				r.Chat.Close()
			}
			return nil
		})
		r.bestEffort("close radio", func() error {
			if r.Radio != nil {
				r.Radio.Close()
			}
			return nil
		})
		r.bestEffort("cancel radio reconnect", func() error {
			if r.Radio != nil {
				r.Radio.Shutdown()
			}
			return nil
		})
		r.bestEffort("stop background tasks", func() error {
			if r.cancel != nil {
				r.cancel()
			}
			r.background.Wait()
			return nil
		})
		r.bestEffort("drain name cache writes", func() error {
			if r.WriterQueue == nil {
				return nil
			}
			select {
			case <-r.WriterQueue.Done():
				return nil
			case <-time.After(writerDrainTimeout):
				return errors.New("timed out")
			}
		})
		r.bestEffort("close bus", func() error {
			if r.Bus != nil {
				r.Bus.Close()
			}
			return nil
		})
		r.bestEffort("close database", func() error {
			if r.DB != nil {
				return r.DB.Close()
			}
			return nil
		})
		r.bestEffort("release instance lock", func() error {
			if r.lock != nil {
				return r.lock.Release()
			}
			return nil
		})
		if r.logger != nil {
			r.logger.Info("shutdown complete")
		}
		if r.LogManager != nil {
			_ = r.LogManager.Close()
		}
	})

	return nil
}

func (r *Runtime) bestEffort(step string, fn func() error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log().Error("teardown step panicked", "step", step, "panic", rec)
		}
	}()
	if err := fn(); err != nil {
		r.log().Warn("teardown step failed", "step", step, "error", err)
	}
}

func (r *Runtime) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}

	return slog.Default()
}
