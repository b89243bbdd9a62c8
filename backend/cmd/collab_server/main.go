package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"workspace-collab/backend/config"
	"workspace-collab/backend/internal/cache"
	"workspace-collab/backend/internal/collab"
	"workspace-collab/backend/internal/httpapi/handlers"
	"workspace-collab/backend/internal/httpapi/middleware"
	"workspace-collab/backend/internal/logging"
	"workspace-collab/backend/internal/presence"
	"workspace-collab/backend/internal/store"
	"workspace-collab/backend/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	app := &cli.App{
		Name:  "collab_server",
		Usage: "real-time workspace collaboration server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to collabConfig.yaml"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "override Running.Port"},
			&cli.BoolFlag{Name: "dev-log", Usage: "human readable console logs"},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:  "token",
				Usage: "sign an access token for local testing",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "config", Aliases: []string{"c"}},
					&cli.StringFlag{Name: "participant", Required: true},
					&cli.StringFlag{Name: "name"},
					&cli.DurationFlag{Name: "ttl", Value: time.Hour},
				},
				Action: signToken,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func signToken(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if cfg.Auth.Secret == "" {
		return errors.New("Auth.secret is empty; authentication is disabled")
	}
	token, exp, err := middleware.SignToken([]byte(cfg.Auth.Secret), c.String("participant"), c.String("name"), middleware.TokenAccess, c.Duration("ttl"))
	if err != nil {
		return xerrors.Errorf("sign token: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "%s\n# expires %s\n", token, exp.Format(time.RFC3339))
	return nil
}

func serve(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if p := c.Int("port"); p > 0 {
		cfg.Running.Port = p
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Console || c.Bool("dev-log"))

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis 在线状态镜像（可选）
	var presenceCache cache.PresenceCache
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		defer rdb.Close()
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			return xerrors.Errorf("connect redis %v: %w", cfg.Redis.Addrs, err)
		}
		presenceCache = cache.NewRedisPresence(rdb)
		log.Info().Strs("addrs", cfg.Redis.Addrs).Msg("redis presence mirror enabled")
	}

	// MySQL 快照（可选）
	var (
		persist   collab.Persistence
		snapshots *store.SnapshotStore
	)
	if cfg.Mysql.DSN != "" {
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			return xerrors.Errorf("connect mysql: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		snapshots = store.NewSnapshotStore(db)
		persist = snapshots
		log.Info().Msg("mysql snapshots enabled")
	}

	// Kafka 事件（可选）
	var (
		events     ws.EventSink
		dispatcher *collab.KafkaDispatcher
	)
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			return xerrors.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()

		opt := collab.DefaultKafkaDispatcherOptions()
		dispatcher = collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.NewSemaphoreControl(opt.Workers), opt, log)
		events = dispatcher
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("kafka events enabled")
	}

	engine := collab.NewEngine(collab.NewStore(), persist, log)
	opts := ws.DefaultOptions()
	opts.PingInterval = cfg.Running.PingInterval
	opts.PresenceTimeout = cfg.Running.PresenceTimeout
	opts.SubmitTimeout = cfg.Running.SubmitTimeout
	hub := ws.NewHub(engine, presence.NewRegistry(), presenceCache, events, opts, log)
	manager := ws.NewManager(hub, cfg.Running.MaxConnections)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logging.GinLogger(log))
	if cfg.Running.EnableCORS {
		r.Use(cors.New(cors.Config{
			AllowOriginFunc:  func(string) bool { return true },
			AllowMethods:     []string{"GET", "OPTIONS"},
			AllowHeaders:     []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	group := r.Group("/collab")
	// 身份在升级前确定：Authorization 头或 ?token=；未配置密钥时使用 ?participantId=
	group.GET("/ws", middleware.Identity(cfg.Auth.Secret), manager.WebSocketConnect)
	handlers.NewCollab(hub, engine, presenceCache).Register(group)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Running.Host, cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("collab server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return xerrors.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error { return hub.RunSweeper(gctx) })
	if persist != nil && cfg.Snapshot.Interval > 0 {
		g.Go(func() error {
			runSnapshots(gctx, engine, snapshots, cfg.Snapshot.Interval, cfg.Snapshot.Keep, log)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(hub, srv, engine, persist, dispatcher, log)
	})

	return g.Wait()
}

// runSnapshots 定期保存有改动的文档，并清理旧快照
func runSnapshots(ctx context.Context, engine *collab.Engine, snapshots *store.SnapshotStore, every time.Duration, keep int, log zerolog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fctx, cancel := context.WithTimeout(ctx, every)
			if err := engine.Flush(fctx); err != nil {
				log.Error().Err(err).Msg("snapshot flush failed")
			}
			if keep > 0 {
				for _, id := range engine.Documents() {
					if _, err := snapshots.Prune(fctx, id, keep); err != nil {
						log.Warn().Err(err).Str("doc", id).Msg("snapshot prune failed")
					}
				}
			}
			cancel()
		}
	}
}

// shutdown 先停止 HTTP，再断开 WebSocket，最后落盘并排空事件队列
func shutdown(hub *ws.Hub, srv *http.Server, engine *collab.Engine, persist collab.Persistence, dispatcher *collab.KafkaDispatcher, log zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Info().Msg("shutting down")

	var errs []error
	// 先停止接受新的升级请求；已被接管的 websocket 连接不受 srv.Shutdown 影响
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, xerrors.Errorf("http shutdown: %w", err))
	}
	if err := hub.Shutdown(ctx); err != nil {
		errs = append(errs, xerrors.Errorf("close websockets: %w", err))
	}
	if persist != nil {
		if err := engine.Flush(ctx); err != nil {
			errs = append(errs, xerrors.Errorf("final flush: %w", err))
		}
	}
	if dispatcher != nil {
		dispatcher.Close()
		sent, dropped := dispatcher.Stats()
		log.Info().Int64("sent", sent).Int64("dropped", dropped).Msg("kafka dispatcher closed")
	}
	return errors.Join(errs...)
}
