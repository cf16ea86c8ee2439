// Package client provides the high-level anchor synchronization client: one
// object owning the store, codec, transport and subscription registry, wired
// together so callers get synchronous-feeling publish and query APIs with
// eventual convergence underneath.
package client

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/anchorsync/anchorsync/internal/core/anchor"
	"github.com/anchorsync/anchorsync/internal/core/anchor/codec"
	"github.com/anchorsync/anchorsync/internal/core/anchor/ledger"
	"github.com/anchorsync/anchorsync/internal/core/anchor/resolver"
	"github.com/anchorsync/anchorsync/internal/core/anchor/store"
	"github.com/anchorsync/anchorsync/internal/core/observability/log"
	"github.com/anchorsync/anchorsync/internal/core/protocol"
	"github.com/anchorsync/anchorsync/internal/core/subscription"
	"github.com/anchorsync/anchorsync/internal/core/transport"
	"github.com/anchorsync/anchorsync/internal/core/transport/quicchannel"
	"github.com/anchorsync/anchorsync/internal/core/transport/wschannel"
)

// TransportKind selects the channel implementation.
type TransportKind string

const (
	TransportWebSocket TransportKind = "websocket"
	TransportQUIC      TransportKind = "quic"
)

// Config holds configuration for the client.
type Config struct {
	Endpoint  string
	UserID    string
	Region    string
	Transport TransportKind

	Policy         resolver.Policy
	SyncInterval   time.Duration
	RequestTimeout time.Duration

	ConnectTimeout       time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int

	LogLevel log.Level
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		Endpoint:             "ws://localhost:8090/sync",
		Region:               "default",
		Transport:            TransportWebSocket,
		Policy:               resolver.LastWriteWins,
		SyncInterval:         5 * time.Second,
		RequestTimeout:       10 * time.Second,
		ConnectTimeout:       10 * time.Second,
		ReconnectBaseDelay:   500 * time.Millisecond,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 8,
		LogLevel:             log.LevelInfo,
	}
}

// Client is the anchor synchronization client.
type Client struct {
	sessionID string
	config    Config
	logger    log.Log

	store     *store.Store
	transport *transport.Transport
	subs      *subscription.Registry

	closed int32
}

// New wires a client together. The store's sync probe follows the transport
// state, so records published while unregistered carry the unsynced flag.
func New(config Config) *Client {
	if config.UserID == "" {
		config.UserID = uuid.NewString()
	}
	logger := log.New(config.LogLevel).With(log.String("component", "client"))

	c := &Client{
		sessionID: uuid.NewString(),
		config:    config,
		logger:    logger,
	}

	var channel transport.Channel
	switch config.Transport {
	case TransportQUIC:
		channel = quicchannel.New(quicchannel.DefaultConfig())
	default:
		channel = wschannel.New(wschannel.DefaultConfig())
	}

	c.transport = transport.New(channel, transport.Config{
		Endpoint:             config.Endpoint,
		UserID:               config.UserID,
		SessionID:            c.sessionID,
		Region:               config.Region,
		ConnectTimeout:       config.ConnectTimeout,
		ReconnectBaseDelay:   config.ReconnectBaseDelay,
		ReconnectMaxDelay:    config.ReconnectMaxDelay,
		MaxReconnectAttempts: config.MaxReconnectAttempts,
		RequestTimeout:       config.RequestTimeout,
	}, logger)

	c.store = store.New(config.UserID, logger,
		store.WithPolicy(config.Policy),
		store.WithSyncProbe(c.transport.Registered))

	c.subs = subscription.New(config.SyncInterval, subscription.PollerFunc(c.poll), logger)

	c.transport.SetHandler(protocol.Handler{
		OnAnchorUpdate: c.handleAnchorUpdate,
		OnConflict:     c.handleConflict,
		OnSyncAck:      func(protocol.SyncAck) error { return nil },
	})
	c.transport.OnFatal(func() {
		c.logger.Error("Connectivity lost permanently; publishing continues unsynced")
	})

	return c
}

// Connect establishes the relay connection and registers the session.
func (c *Client) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx)
}

// PublishAnchor commits an anchor locally and, when registered, sends it to
// the relay. The local commit stands whether or not the send goes out.
func (c *Client) PublishAnchor(a anchor.Anchor) (store.PublishResult, error) {
	a.CreatorID = c.config.UserID
	if a.Region == "" {
		a.Region = c.config.Region
	}

	result, err := c.store.Publish(a)
	if err != nil {
		return store.PublishResult{}, err
	}

	committed, _ := c.store.Get(a.ID)
	compact, err := codec.Encode(committed)
	if err != nil {
		// The commit already happened; a codec failure only keeps the record
		// off the wire.
		c.logger.Warn("Anchor not sent", log.String("anchor_id", a.ID), log.Error(err))
		return result, nil
	}

	sendResult, _ := c.transport.Send(protocol.AnchorSync{
		Type:   protocol.TypeAnchorSync,
		Anchor: compact,
		UserID: c.config.UserID,
		Region: committed.Region,
	})
	if sendResult.Queued {
		c.logger.Debug("Publish queued for next registration",
			log.String("anchor_id", a.ID))
	}
	return result, nil
}

// DeleteAnchor removes an anchor locally and notifies the relay when
// connected. Deleting an unknown id succeeds.
func (c *Client) DeleteAnchor(id string) {
	a, existed := c.store.Get(id)
	c.store.Delete(id)

	region := c.config.Region
	if existed {
		region = a.Region
	}
	_, _ = c.transport.Send(protocol.AnchorDelete{
		Type:     protocol.TypeAnchorDelete,
		AnchorID: id,
		UserID:   c.config.UserID,
		Region:   region,
	})
}

// Subscribe registers a region-scoped callback. The returned function
// removes the subscription.
func (c *Client) Subscribe(region string, callback subscription.Callback) func() {
	return c.subs.Subscribe(region, callback)
}

// FetchAnchors asks the relay for the current anchors in a region, ingests
// them and returns the store's view afterwards.
func (c *Client) FetchAnchors(ctx context.Context, region string) ([]anchor.Anchor, error) {
	requestID := uuid.NewString()
	raw, err := c.transport.Request(ctx, requestID, protocol.FetchAnchors{
		Type:      protocol.TypeFetchAnchors,
		RequestID: requestID,
		Region:    region,
		UserID:    c.config.UserID,
	}, c.config.RequestTimeout)
	if err != nil {
		return nil, err
	}

	var resp protocol.AnchorsResponse
	if err = json.Unmarshal(raw, &resp); err != nil {
		return nil, codec.ErrMalformedPayload
	}

	for _, compact := range resp.Anchors {
		a, decodeErr := codec.Decode(compact)
		if decodeErr != nil {
			c.logger.Warn("Skipping malformed anchor in response", log.Error(decodeErr))
			continue
		}
		c.store.IngestRemote(a)
	}
	return c.store.ListByRegion(region), nil
}

// Anchor returns the current record for id.
func (c *Client) Anchor(id string) (anchor.Anchor, bool) {
	return c.store.Get(id)
}

// AnchorsInRegion returns all current records in a region.
func (c *Client) AnchorsInRegion(region string) []anchor.Anchor {
	return c.store.ListByRegion(region)
}

// History returns the version ledger entries for id.
func (c *Client) History(id string) []ledger.Entry {
	return c.store.History(id)
}

// Metrics returns the store counters.
func (c *Client) Metrics() store.Metrics {
	return c.store.Metrics()
}

// ConnectionState returns the transport state.
func (c *Client) ConnectionState() transport.State {
	return c.transport.State()
}

// Close disposes the subscriptions, transport and store exactly once.
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.subs.Dispose()
	c.transport.Dispose()
	c.store.Dispose()
	c.logger.Info("Client closed")
	return nil
}

func (c *Client) poll(region string, lastUpdate time.Time) error {
	if !c.transport.Registered() {
		return nil
	}
	_, err := c.transport.Send(protocol.PollUpdates{
		Type:       protocol.TypePollUpdates,
		Region:     region,
		UserID:     c.config.UserID,
		LastUpdate: lastUpdate.UnixMilli(),
	})
	return err
}

func (c *Client) handleAnchorUpdate(msg protocol.AnchorUpdate) error {
	a, err := codec.Decode(msg.Anchor)
	if err != nil {
		return err
	}
	c.store.IngestRemote(a)
	if current, ok := c.store.Get(a.ID); ok {
		c.subs.Deliver(current)
	}
	return nil
}

func (c *Client) handleConflict(msg protocol.Conflict) error {
	remote, err := codec.Decode(msg.RemoteAnchor)
	if err != nil {
		return err
	}
	c.logger.Info("Relay reported concurrent writers",
		log.String("anchor_id", remote.ID),
		log.Int64("remote_version", remote.Version))
	c.store.IngestRemote(remote)
	return nil
}
