// Package relay implements the coordinating backend: it registers client
// sessions into region rooms, fans anchor updates out to room members,
// answers fetch and poll requests from a short-TTL cache, and echoes a
// conflict notification when it sees two writers on one anchor id.
package relay

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/anchorsync/anchorsync/internal/config"
	"github.com/anchorsync/anchorsync/internal/core/observability/log"
	"github.com/anchorsync/anchorsync/internal/core/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Server is the relay backend.
type Server struct {
	config config.RelayConfig
	logger log.Log
	cache  *anchorCache
	rooms  *roomSet

	httpServer *http.Server
}

func NewServer(cfg config.RelayConfig, logger log.Log) *Server {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Server{
		config: cfg,
		logger: logger.With(log.String("component", "relay")),
		cache:  newAnchorCache(cfg.CacheTTL),
		rooms:  newRoomSet(),
	}
}

// Start serves until ctx is cancelled. The cache janitor runs alongside the
// HTTP listener; both are torn down together.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleSync)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler: mux,
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		s.logger.Info("Relay listening", log.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	group.Go(func() error {
		ticker := time.NewTicker(s.config.CacheTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if removed := s.cache.sweep(); removed > 0 {
					s.logger.Debug("Cache swept", log.Int("removed", removed))
				}
			case <-ctx.Done():
				return nil
			}
		}
	})

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// Handler returns the websocket handler, exposed for tests that mount the
// relay on an existing HTTP server.
func (s *Server) Handler() http.HandlerFunc {
	return s.handleSync
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Upgrade failed", log.Error(err))
		return
	}

	client := &remoteClient{conn: conn}
	defer s.dropClient(client)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		s.handleFrame(client, data)
	}
}

func (s *Server) handleFrame(client *remoteClient, data []byte) {
	handler := protocol.Handler{
		OnRegister: func(msg protocol.Register) error {
			s.registerClient(client, msg)
			return nil
		},
		OnAnchorSync: func(msg protocol.AnchorSync) error {
			s.handleAnchorSync(client, msg, data)
			return nil
		},
		OnAnchorDelete: func(msg protocol.AnchorDelete) error {
			s.cache.remove(msg.AnchorID)
			s.rooms.broadcast(msg.Region, client, data)
			s.logger.Debug("Anchor delete relayed",
				log.String("anchor_id", msg.AnchorID),
				log.String("region", msg.Region))
			return nil
		},
		OnFetchAnchors: func(msg protocol.FetchAnchors) error {
			return s.respond(client, protocol.AnchorsResponse{
				Type:      protocol.TypeAnchorsResponse,
				RequestID: msg.RequestID,
				Anchors:   s.cache.listByRegion(msg.Region),
			})
		},
		OnPollUpdates: func(msg protocol.PollUpdates) error {
			for _, compact := range s.cache.newerThan(msg.Region, time.UnixMilli(msg.LastUpdate)) {
				if err := s.respond(client, protocol.AnchorUpdate{
					Type:   protocol.TypeAnchorUpdate,
					Anchor: compact,
				}); err != nil {
					return err
				}
			}
			return nil
		},
	}

	if err := protocol.Dispatch(handler, data); err != nil {
		s.logger.Warn("Dropping inbound frame", log.Error(err))
	}
}

func (s *Server) registerClient(client *remoteClient, msg protocol.Register) {
	client.userID = msg.UserID
	client.sessionID = msg.SessionID
	client.region = msg.Region
	s.rooms.join(msg.Region, client)

	s.logger.Info("Client registered",
		log.String("user_id", msg.UserID),
		log.String("region", msg.Region))

	_ = s.respond(client, protocol.SyncAck{Type: protocol.TypeSyncAck})
}

func (s *Server) handleAnchorSync(client *remoteClient, msg protocol.AnchorSync, raw []byte) {
	// Two writers on one id: tell the sender what the cache already holds so
	// its resolver can run with both records.
	if cached, ok := s.cache.get(msg.Anchor.I); ok {
		if cached.C != msg.Anchor.C && cached.V >= msg.Anchor.V {
			_ = s.respond(client, protocol.Conflict{
				Type:         protocol.TypeConflict,
				LocalAnchor:  msg.Anchor,
				RemoteAnchor: cached,
			})
		}
	}

	s.cache.put(msg.Anchor)

	update, err := protocol.Marshal(protocol.AnchorUpdate{
		Type:   protocol.TypeAnchorUpdate,
		Anchor: msg.Anchor,
	})
	if err != nil {
		s.logger.Error("Failed to build update frame", log.Error(err))
		return
	}
	s.rooms.broadcast(msg.Region, client, update)

	_ = s.respond(client, protocol.SyncAck{Type: protocol.TypeSyncAck})

	s.logger.Debug("Anchor fanned out",
		log.String("anchor_id", msg.Anchor.I),
		log.String("region", msg.Region),
		log.Int64("version", msg.Anchor.V))
}

func (s *Server) respond(client *remoteClient, msg any) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	return client.send(data)
}

func (s *Server) dropClient(client *remoteClient) {
	_ = client.conn.Close()
	if client.region != "" {
		s.rooms.leave(client.region, client)
	}
}
