// Package app wires the core together: config, REST client, local cache,
// relay transport, call manager, reconciler and presence table. One Core per
// authenticated session; Close tears the lot down, transport included.
package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/skillmesh/skillmesh/internal/call"
	"github.com/skillmesh/skillmesh/internal/config"
	"github.com/skillmesh/skillmesh/internal/proto"
	"github.com/skillmesh/skillmesh/internal/reconcile"
	"github.com/skillmesh/skillmesh/internal/rest"
	"github.com/skillmesh/skillmesh/internal/signal"
	"github.com/skillmesh/skillmesh/internal/state"
	"github.com/skillmesh/skillmesh/internal/storage"
	"github.com/skillmesh/skillmesh/internal/util"
)

type Options struct {
	Cfg     config.Config
	CfgPath string // enables live reload when non-empty
	SelfID  string
	Token   string
}

// Core is the presentation boundary: the UI reads these collaborators and
// calls their intent methods, nothing else.
type Core struct {
	Cfg       config.Config
	Transport *signal.Transport
	Calls     *call.Manager
	Sync      *reconcile.Reconciler
	Presence  *state.PresenceTable
	Logs      *util.LogBuffer

	db      *storage.DB
	watcher *config.Watcher
	token   string

	mu    sync.Mutex
	rooms map[string]struct{} // joined rooms, replayed on every reconnect

	closeOnce sync.Once
}

func New(opt Options) (*Core, error) {
	cfg := opt.Cfg

	logBuf := util.NewLogBuffer(800)
	log.SetOutput(io.MultiWriter(os.Stderr, logBuf))

	db, err := storage.Open(cfg.Paths.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	restClient := rest.NewClient(cfg.REST.BaseURL, opt.Token)

	rec := reconcile.New(reconcile.Options{
		Source:       restClient,
		Cache:        db,
		SelfID:       opt.SelfID,
		TypingTTL:    time.Duration(cfg.Sync.TypingTTLSec) * time.Second,
		SeenCap:      cfg.Sync.SeenCap,
		HistoryLimit: cfg.REST.HistoryLimit,
	})

	transport := signal.New(util.WebsocketURL(cfg.Relay.URL))

	recordDir := ""
	if cfg.Media.RecordDir != "" {
		recordDir = util.ResolvePath(cfg.Paths.DataDir, cfg.Media.RecordDir)
	}
	calls, err := call.New(call.Options{
		Signaler:   transport,
		SelfID:     opt.SelfID,
		ICEServers: cfg.Relay.ICEServers,
		RecordDir:  recordDir,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("call manager: %w", err)
	}

	presence := state.NewPresenceTable()

	c := &Core{
		Cfg:       cfg,
		Transport: transport,
		Calls:     calls,
		Sync:      rec,
		Presence:  presence,
		Logs:      logBuf,
		db:        db,
		token:     opt.Token,
		rooms:     make(map[string]struct{}),
	}
	c.route()

	if opt.CfgPath != "" {
		w, err := config.Watch(opt.CfgPath, c.applyConfig)
		if err != nil {
			log.Printf("APP: config watch disabled: %v", err)
		} else {
			c.watcher = w
		}
	}

	return c, nil
}

// route registers the transport handlers. Signaling goes to the call
// manager, domain events to the reconciler, presence to its table.
func (c *Core) route() {
	for _, kind := range []proto.Kind{
		proto.KindCallInvite,
		proto.KindCallAnswer,
		proto.KindSdpOffer,
		proto.KindSdpAnswer,
		proto.KindIceCandidate,
		proto.KindCallEnd,
	} {
		c.Transport.Handle(kind, c.Calls.HandleSignal)
	}
	for _, kind := range []proto.Kind{
		proto.KindNewMessage,
		proto.KindNotificationCreated,
		proto.KindTypingStarted,
		proto.KindTypingStopped,
		proto.KindRequestStatusChanged,
	} {
		c.Transport.Handle(kind, c.Sync.HandleEvent)
	}
	c.Transport.Handle(proto.KindPresenceChanged, func(msg proto.Message) {
		if p, ok := msg.(*proto.PresenceChanged); ok {
			c.Presence.Apply(p.UserID, p.Online, p.LastSeen)
		}
	})

	c.Transport.OnState(func(s signal.State) {
		switch s {
		case signal.StateConnected:
			go c.onConnected()
		case signal.StateDisconnected:
			// Without the stream there is no basis for presence claims.
			c.Presence.MarkAllOffline()
		}
	})
}

// onConnected replays room subscriptions and refetches authoritative state.
// The relay does not remember subscriptions, and the stream may have gaps.
func (c *Core) onConnected() {
	c.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.mu.Unlock()
	for _, room := range rooms {
		if err := c.Transport.Join(room); err != nil {
			log.Printf("APP: rejoin %s: %v", room, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
	defer cancel()
	if err := c.Sync.Resync(ctx); err != nil {
		log.Printf("APP: resync: %v", err)
	}
}

// Connect dials the relay. Failures land in the transport's observable
// state; reconnecting is the caller's decision, not an automatic loop.
func (c *Core) Connect(ctx context.Context) {
	c.Transport.Connect(ctx, c.token)
}

// JoinConversation subscribes to a conversation's room and remembers it for
// replay after reconnects.
func (c *Core) JoinConversation(conversationID string) error {
	room := "conversation:" + conversationID
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
	return c.Transport.Join(room)
}

// LeaveConversation forgets a room subscription. The relay side expires on
// disconnect; locally we just stop replaying it.
func (c *Core) LeaveConversation(conversationID string) {
	c.mu.Lock()
	delete(c.rooms, "conversation:"+conversationID)
	c.mu.Unlock()
}

// applyConfig applies the hot-reloadable fields of a changed config file.
// Everything else needs a restart and says so.
func (c *Core) applyConfig(cfg config.Config) {
	c.Sync.SetTypingTTL(time.Duration(cfg.Sync.TypingTTLSec) * time.Second)
	if cfg.Relay.URL != c.Cfg.Relay.URL || cfg.REST.BaseURL != c.Cfg.REST.BaseURL {
		log.Printf("APP: relay/rest URL change requires restart")
	}
}

// Close tears everything down. Tied to logout: the transport connection does
// not outlive the authenticated session that opened it.
func (c *Core) Close() {
	c.closeOnce.Do(func() {
		if c.watcher != nil {
			c.watcher.Close()
		}
		c.Calls.Close()
		c.Transport.Close()
		c.Sync.Close()
		if err := c.db.Close(); err != nil {
			log.Printf("APP: close cache: %v", err)
		}
	})
}

// Run connects and blocks until ctx is done, then tears down.
func Run(ctx context.Context, opt Options) error {
	core, err := New(opt)
	if err != nil {
		return err
	}
	defer core.Close()

	core.Connect(ctx)
	log.Printf("APP: core running as %s", opt.SelfID)

	<-ctx.Done()
	log.Printf("APP: shutting down")
	return nil
}
