package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/strangetalk/voice-app/internal/events"
	"github.com/strangetalk/voice-app/internal/geo"
	"github.com/strangetalk/voice-app/internal/match"
	"github.com/strangetalk/voice-app/internal/metrics"
	"github.com/strangetalk/voice-app/internal/protocol"
	"github.com/strangetalk/voice-app/internal/ratelimit"
	"github.com/strangetalk/voice-app/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	matchConfig := match.DefaultConfig()
	if v := os.Getenv("SIGNAL_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			matchConfig.SignalDelay = d
		}
	}

	// --- Redis (optional: geolocation cache + rate limiting) ---
	var rdb *redis.Client
	var limiter *ratelimit.Limiter
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: redisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		cancel()
		limiter = ratelimit.NewLimiter(rdb)
	}

	// --- NATS (optional: outbound event stream) ---
	var publisher *events.Publisher
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := events.DefaultConfig()
		natsConfig.URL = natsURL
		var err error
		publisher, err = events.NewPublisher(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	}

	var sink match.EventSink
	if publisher != nil {
		sink = publisher
	}

	svc := match.NewService(matchConfig, sink)
	resolver := geo.NewResolver(rdb)

	log.Printf("Strangetalk server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  signal_delay:    %s", matchConfig.SignalDelay)
	log.Printf("  redis:           %v", rdb != nil)
	log.Printf("  nats:            %v", publisher != nil)

	dispatcher := ws.NewMessageDispatcher()

	// -----------------------------------------------------------------------
	// find-partner — enter matching
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeFindPartner, func(conn *ws.Connection, env *protocol.Envelope) {
		if !allow(limiter, conn.ID, ratelimit.RuleSearch) {
			log.Printf("find-partner rate limited id=%s", conn.ID)
			return
		}
		var p protocol.FindPartnerPayload
		if len(env.Payload) > 0 {
			_ = json.Unmarshal(env.Payload, &p)
		}
		svc.FindPartner(conn.ID, p.PreferredCountry)
	})

	// -----------------------------------------------------------------------
	// next-partner — skip to a new partner
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeNextPartner, func(conn *ws.Connection, env *protocol.Envelope) {
		if !allow(limiter, conn.ID, ratelimit.RuleSearch) {
			log.Printf("next-partner rate limited id=%s", conn.ID)
			return
		}
		var p protocol.FindPartnerPayload
		if len(env.Payload) > 0 {
			_ = json.Unmarshal(env.Payload, &p)
		}
		svc.NextPartner(conn.ID, p.PreferredCountry)
	})

	// -----------------------------------------------------------------------
	// disconnect — tear down the current pairing
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeDisconnect, func(conn *ws.Connection, env *protocol.Envelope) {
		svc.Disconnect(conn.ID)
	})

	// -----------------------------------------------------------------------
	// voice signaling — relayed verbatim after the settle delay
	// -----------------------------------------------------------------------
	signalHandler := func(conn *ws.Connection, env *protocol.Envelope) {
		raw, err := json.Marshal(env)
		if err != nil {
			log.Printf("failed to re-encode %s from id=%s: %v", env.Type, conn.ID, err)
			return
		}
		svc.RelaySignal(conn.ID, env.Type, raw)
	}
	dispatcher.Register(protocol.TypeVoiceOffer, signalHandler)
	dispatcher.Register(protocol.TypeVoiceAnswer, signalHandler)
	dispatcher.Register(protocol.TypeIceCandidate, signalHandler)

	// -----------------------------------------------------------------------
	// chat-message — relayed with sender id and server timestamp
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeChatMessage, func(conn *ws.Connection, env *protocol.Envelope) {
		if !allow(limiter, conn.ID, ratelimit.RuleMessage) {
			log.Printf("chat-message rate limited id=%s", conn.ID)
			return
		}
		var p protocol.ChatPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Printf("discarding malformed chat-message id=%s: %v", conn.ID, err)
			return
		}
		svc.RelayChat(conn.ID, p.Message)
	})

	// -----------------------------------------------------------------------
	// game events — relayed with fromUser stamped into the payload
	// -----------------------------------------------------------------------
	gameHandler := func(conn *ws.Connection, env *protocol.Envelope) {
		svc.RelayGame(conn.ID, env.Type, env.Payload)
	}
	dispatcher.Register(protocol.TypeGameRPS, gameHandler)
	dispatcher.Register(protocol.TypeGameTicTacToe, gameHandler)

	server := ws.NewServer(config, dispatcher.Dispatch)

	// Admission: throttle connection attempts per client IP.
	if limiter != nil {
		server.SetConnectGuard(func(r *http.Request) error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			ok, _ := limiter.Allow(ctx, geo.ClientIP(r), ratelimit.RuleConnect)
			if !ok {
				return fmt.Errorf("connection rate limit exceeded")
			}
			return nil
		})
	}

	// New connection: resolve the display location, then register with the
	// matchmaking service (which broadcasts the updated online count).
	server.SetOnConnect(func(conn *ws.Connection, r *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		loc := resolver.Resolve(ctx, geo.ClientIP(r))
		if err := svc.Register(conn.ID, conn, match.Location(loc)); err != nil {
			log.Printf("register failed id=%s: %v", conn.ID, err)
			server.RemoveConnection(conn)
		}
	})

	// Transport close: tear down pairing, leave queue, broadcast count.
	server.SetOnDisconnect(func(connID string) {
		svc.Unregister(connID)
	})

	// Extra HTTP surface: metrics plus the small JSON API.
	server.Handle("/metrics", metrics.Handler())
	server.Handle("/api/online-count", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int{"count": svc.OnlineCount()})
	}))
	server.Handle("/api/countries", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(geo.SelectableCountries())
	}))

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if publisher != nil {
			publisher.Close()
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if rdb != nil {
			if err := rdb.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// allow runs a rate limit check, failing open when no limiter is configured.
func allow(limiter *ratelimit.Limiter, id string, rule ratelimit.Rule) bool {
	if limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, _ := limiter.Allow(ctx, id, rule)
	return ok
}
