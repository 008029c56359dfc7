package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pliu/chatroom/internal/attachments"
	"github.com/pliu/chatroom/internal/auth"
	"github.com/pliu/chatroom/internal/chat"
	"github.com/pliu/chatroom/internal/cluster"
	"github.com/pliu/chatroom/internal/config"
	"github.com/pliu/chatroom/internal/events"
	"github.com/pliu/chatroom/internal/events/natsbus"
	"github.com/pliu/chatroom/internal/handlers"
	"github.com/pliu/chatroom/internal/logger"
	"github.com/pliu/chatroom/internal/middleware"
	"github.com/pliu/chatroom/internal/store/sqlstore"
	"github.com/pliu/chatroom/internal/tracer"
	"github.com/pliu/chatroom/internal/ws"
)

const shutdownTimeout = 30 * time.Second

var addr = flag.String("addr", "", "http service address (overrides APP_ADDR)")

func main() {
	flag.Parse()

	cfg := config.Load()
	if *addr != "" {
		cfg.App.Addr = *addr
	}

	log := logger.New(cfg.App.LogFilePath, cfg.IsProduction())
	defer log.Sync()

	shutdownTracer := tracer.Init(cfg.Tracing, log)

	// Initialize Database
	store, err := sqlstore.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatal("failed to open database", zap.String("driver", cfg.Database.Driver), zap.Error(err))
	}

	files, err := attachments.New(cfg.Uploads.Dir, cfg.Uploads.MaxBytes)
	if err != nil {
		log.Fatal("failed to prepare upload directory", zap.Error(err))
	}

	// Chat core
	bus := events.NewBus(log)
	registry := ws.NewRegistry(store)
	presence := chat.NewPresence(store, registry, bus, log)
	broadcaster := chat.NewBroadcaster(store, registry, bus, files, cfg.Chat.MaxMessageLength, log)
	tracker := chat.NewTracker(store, registry, bus, log)
	typing := chat.NewTyping(registry, bus, cfg.Chat.TypingTTL, log)
	rooms := chat.NewRooms(store, registry, presence, broadcaster, bus, files, cfg.Chat.HistoryLimit, log)
	dispatcher := chat.NewDispatcher(registry, rooms, broadcaster, tracker, typing, presence, log)

	wsServer := ws.NewServer(dispatcher, ws.Options{
		SendBuffer:     cfg.Chat.SendBuffer,
		MaxFrameBytes:  cfg.Chat.MaxFrameBytes,
		AllowedOrigins: cfg.App.AllowedOrigins,
	}, log)

	sessions := auth.NewSessions(cfg.Auth.SessionSecret, cfg.Auth.SessionTTL)
	authenticator := auth.NewAuthenticator(sessions, store)

	// Initialize Handlers
	authHandler := &handlers.AuthHandler{Store: store, Sessions: sessions, CookieName: cfg.Auth.CookieName, Secure: cfg.IsProduction(), Log: log}
	roomHandler := &handlers.RoomHandler{Rooms: rooms, Store: store, Log: log}
	messageHandler := &handlers.MessageHandler{Rooms: rooms, Broadcaster: broadcaster, Tracker: tracker, Log: log}
	attachmentHandler := &handlers.AttachmentHandler{Store: files, MaxBytes: cfg.Uploads.MaxBytes, Log: log}
	healthHandler := &handlers.HealthHandler{DB: store, Rooms: registry}

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(log))

	// Public endpoints
	r.HandleFunc("/health", healthHandler.Health).Methods("GET")
	r.HandleFunc("/signup", authHandler.Signup).Methods("POST")
	r.HandleFunc("/login", authHandler.Login).Methods("POST")
	r.HandleFunc("/logout", authHandler.Logout).Methods("POST")
	r.HandleFunc("/attachments/{ref}", attachmentHandler.Serve).Methods("GET")

	api := r.NewRoute().Subrouter()
	api.Use(middleware.AuthMiddleware(authenticator, cfg.Auth.CookieName))

	api.HandleFunc("/me", authHandler.Me).Methods("GET")
	api.HandleFunc("/me", authHandler.UpdateProfile).Methods("PUT")
	api.HandleFunc("/me", authHandler.Deactivate).Methods("DELETE")
	api.HandleFunc("/users/search", authHandler.SearchUsers).Methods("GET")

	api.HandleFunc("/rooms", roomHandler.CreateRoom).Methods("POST")
	api.HandleFunc("/rooms", roomHandler.GetRooms).Methods("GET")
	api.HandleFunc("/rooms/public", roomHandler.PublicRooms).Methods("GET")
	api.HandleFunc("/rooms/join", roomHandler.JoinByName).Methods("POST")
	api.HandleFunc("/rooms/{id:[0-9]+}", roomHandler.DeleteRoom).Methods("DELETE")
	api.HandleFunc("/rooms/{id:[0-9]+}/join", roomHandler.JoinRoom).Methods("POST")
	api.HandleFunc("/rooms/{id:[0-9]+}/leave", roomHandler.LeaveRoom).Methods("POST")
	api.HandleFunc("/rooms/{id:[0-9]+}/invite", roomHandler.InviteUser).Methods("POST")
	api.HandleFunc("/rooms/{id:[0-9]+}/members", roomHandler.Members).Methods("GET")
	api.HandleFunc("/rooms/{id:[0-9]+}/messages", messageHandler.GetMessages).Methods("GET")
	api.HandleFunc("/rooms/{id:[0-9]+}/messages", messageHandler.PostMessage).Methods("POST")
	api.HandleFunc("/messages/{id:[0-9]+}/ack", messageHandler.Ack).Methods("POST")
	api.HandleFunc("/messages/{id:[0-9]+}/receipts", messageHandler.Receipts).Methods("GET")
	api.HandleFunc("/attachments", attachmentHandler.Upload).Methods("POST")

	// WebSocket Endpoint
	api.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.UserIDFrom(r.Context())
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		wsServer.ServeWs(w, r, userID)
	}).Methods("GET")

	// Background workers drain the event bus until shutdown.
	workersCtx, stopWorkers := context.WithCancel(context.Background())
	workers, workersCtx := errgroup.WithContext(workersCtx)

	var rdb *redis.Client
	if cfg.Bus.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Bus.RedisURL)
		if err != nil {
			log.Fatal("invalid REDIS_URL", zap.Error(err))
		}
		rdb = redis.NewClient(opts)
		relay := cluster.NewRelay(rdb, cfg.Bus.RedisChannel, cfg.App.NodeID, registry, log)
		workers.Go(func() error { return relay.Run(workersCtx, bus) })
		log.Info("cluster relay enabled", zap.String("channel", cfg.Bus.RedisChannel), zap.String("node_id", cfg.App.NodeID))
	}

	var forwarder *natsbus.Forwarder
	if cfg.Bus.NatsURL != "" {
		forwarder, err = natsbus.Connect(workersCtx, cfg.Bus.NatsURL, events.Topics, log)
		if err != nil {
			log.Error("event export disabled", zap.Error(err))
		} else {
			workers.Go(func() error { return forwarder.Run(workersCtx, bus) })
			log.Info("event export enabled", zap.String("stream", natsbus.StreamName))
		}
	}

	srv := &http.Server{
		Addr:              cfg.App.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info("Starting server", zap.String("addr", cfg.App.Addr), zap.String("env", cfg.App.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"chatroom": func(ctx context.Context) error {
				log.Info("Graceful shutdown initiated...")
				serverErr := srv.Shutdown(ctx)

				stopWorkers()
				if err := workers.Wait(); err != nil && !errors.Is(err, context.Canceled) {
					log.Warn("background worker stopped with error", zap.Error(err))
				}
				if forwarder != nil {
					forwarder.Close()
				}
				if rdb != nil {
					rdb.Close()
				}
				bus.Close()
				if err := shutdownTracer(ctx); err != nil {
					log.Warn("tracer shutdown failed", zap.Error(err))
				}
				return errors.Join(serverErr, store.Close())
			},
		},
	)

	exitCode := <-wait
	log.Info("Application exited", zap.Int("code", exitCode))
	log.Sync()
	os.Exit(exitCode)
}
