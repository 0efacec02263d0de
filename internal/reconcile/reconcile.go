// Package reconcile merges asynchronous relay events into consistent local
// view state: the conversation list, the notification feed, transient typing
// indicators and the cached exchange requests. The REST API is the source of
// truth; live events are layered on top between fetches, and Resync replaces
// the lot after a reconnect because the stream may have gaps.
//
// The relay delivers at-least-zero times, so every mutation here is
// idempotent: a bounded recently-seen-ID set per event category absorbs
// duplicates instead of double-counting them.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/skillmesh/skillmesh/internal/proto"
	"github.com/skillmesh/skillmesh/internal/rest"
)

const (
	// DefaultSeenCap bounds each per-category dedup set.
	DefaultSeenCap = 512

	// DefaultTypingTTL is how long a TypingStarted stays visible without a
	// matching TypingStopped. The relay drops frames on churn, so stopped
	// events can simply never arrive.
	DefaultTypingTTL = 6 * time.Second

	// DefaultHistoryLimit is the page size fetched when a conversation opens.
	DefaultHistoryLimit = 50
)

// Source is the slice of the REST client the reconciler consumes.
type Source interface {
	ListConversations(ctx context.Context) ([]rest.Conversation, error)
	History(ctx context.Context, conversationID string, limit int) ([]rest.Message, error)
	ListNotifications(ctx context.Context) ([]rest.Notification, error)
	ListRequests(ctx context.Context) ([]rest.ExchangeRequest, error)
	MarkRead(ctx context.Context, conversationID string) error
	MarkAllNotificationsRead(ctx context.Context) error
}

// RequestCache persists exchange requests and notifications between runs so
// the presentation layer has data before the first fetch completes. May be
// nil; all writes are best effort.
type RequestCache interface {
	PutRequests(reqs []rest.ExchangeRequest) error
	SetRequestStatus(id, status string, updatedAt int64) (bool, error)
	PutNotifications(ns []rest.Notification) error
	LoadRequests() ([]rest.ExchangeRequest, error)
	LoadNotifications() ([]rest.Notification, error)
}

// Change tells subscribers which collection moved. Payloads are snapshotted
// via the accessor methods, not carried on the event.
type Change struct {
	Collection string // "conversations", "notifications", "typing", "requests"
}

// Conversation is the reconciler-owned view of one exchange relationship.
type Conversation struct {
	ID          string
	PeerID      string
	LastMessage *rest.Message
	UnreadCount int
	UpdatedAt   int64
}

type typingKey struct {
	conversationID string
	userID         string
}

type Options struct {
	Source       Source
	Cache        RequestCache // optional
	SelfID       string
	TypingTTL    time.Duration
	SeenCap      int
	HistoryLimit int
}

// Reconciler owns the view collections. The presentation layer reads
// snapshots and issues intents; only relay events and those intents mutate.
type Reconciler struct {
	source       Source
	cache        RequestCache
	selfID       string
	typingTTL    time.Duration
	historyLimit int

	mu            sync.Mutex
	convos        []*Conversation // recency order, newest first
	openID        string          // conversation whose messages are buffered
	openMessages  []rest.Message
	feed          []rest.Notification // newest first
	unreadFeed    int
	typing        map[typingKey]time.Time
	requests      map[string]rest.ExchangeRequest
	seenMessages  *seenSet
	seenFeedItems *seenSet
	listeners     []chan Change

	stop     chan struct{}
	stopOnce sync.Once
}

func New(opts Options) *Reconciler {
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = DefaultTypingTTL
	}
	if opts.SeenCap <= 0 {
		opts.SeenCap = DefaultSeenCap
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	r := &Reconciler{
		source:        opts.Source,
		cache:         opts.Cache,
		selfID:        opts.SelfID,
		typingTTL:     opts.TypingTTL,
		historyLimit:  opts.HistoryLimit,
		typing:        make(map[typingKey]time.Time),
		requests:      make(map[string]rest.ExchangeRequest),
		seenMessages:  newSeenSet(opts.SeenCap),
		seenFeedItems: newSeenSet(opts.SeenCap),
		stop:          make(chan struct{}),
	}
	r.loadFromCache()
	go r.typingSweep()
	return r
}

// loadFromCache seeds requests and notifications from local storage so the
// first render is not empty. Resync replaces both.
func (r *Reconciler) loadFromCache() {
	if r.cache == nil {
		return
	}
	if reqs, err := r.cache.LoadRequests(); err == nil {
		for _, req := range reqs {
			r.requests[req.ID] = req
		}
	} else {
		log.Printf("SYNC: load cached requests: %v", err)
	}
	if ns, err := r.cache.LoadNotifications(); err == nil && len(ns) > 0 {
		r.feed = ns
		r.unreadFeed = 0
		for _, n := range ns {
			r.seenFeedItems.Add(n.ID)
			if !n.Read {
				r.unreadFeed++
			}
		}
	}
}

// ─── Event application ───────────────────────────────────────────────────────

// HandleEvent applies one decoded relay frame. Call-signaling kinds are not
// the reconciler's concern and are ignored here.
func (r *Reconciler) HandleEvent(msg proto.Message) {
	switch ev := msg.(type) {
	case *proto.NewMessage:
		r.applyMessage(ev)
	case *proto.NotificationCreated:
		r.applyNotification(ev)
	case *proto.TypingStarted:
		r.applyTyping(ev.ConversationID, ev.UserID, true)
	case *proto.TypingStopped:
		r.applyTyping(ev.ConversationID, ev.UserID, false)
	case *proto.RequestStatusChanged:
		r.applyRequestStatus(ev)
	}
}

func (r *Reconciler) applyMessage(ev *proto.NewMessage) {
	r.mu.Lock()
	if !r.seenMessages.Add(ev.ID) {
		r.mu.Unlock()
		log.Printf("SYNC: duplicate message %s dropped", ev.ID)
		return
	}

	idx := -1
	for i, c := range r.convos {
		if c.ID == ev.ConversationID {
			idx = i
			break
		}
	}
	if idx < 0 {
		// Conversation not locally tracked. The REST list is authoritative;
		// the next Resync picks it up.
		r.mu.Unlock()
		log.Printf("SYNC: message for untracked conversation %s dropped", ev.ConversationID)
		return
	}

	msg := rest.Message{
		ID:             ev.ID,
		ConversationID: ev.ConversationID,
		SenderID:       ev.SenderID,
		Body:           ev.Body,
		SentAt:         ev.SentAt,
	}

	c := r.convos[idx]
	c.LastMessage = &msg
	c.UpdatedAt = ev.SentAt
	// Move to front; positions of the others are preserved.
	copy(r.convos[1:idx+1], r.convos[:idx])
	r.convos[0] = c

	open := r.openID == ev.ConversationID
	if open {
		r.openMessages = append(r.openMessages, msg)
	}
	// Open conversation: arrival is treated as immediately readable, so the
	// counter stays put and only MarkRead ever lowers it.
	if !open && ev.SenderID != r.selfID {
		c.UnreadCount++
	}
	r.mu.Unlock()

	r.notify(Change{Collection: "conversations"})
}

func (r *Reconciler) applyNotification(ev *proto.NotificationCreated) {
	r.mu.Lock()
	if !r.seenFeedItems.Add(ev.ID) {
		r.mu.Unlock()
		log.Printf("SYNC: duplicate notification %s dropped", ev.ID)
		return
	}
	n := rest.Notification{
		ID:        ev.ID,
		Category:  ev.Category,
		Body:      ev.Body,
		Read:      ev.Read,
		CreatedAt: ev.CreatedAt,
	}
	r.feed = append([]rest.Notification{n}, r.feed...)
	if !n.Read {
		r.unreadFeed++
	}
	r.mu.Unlock()

	r.notify(Change{Collection: "notifications"})
}

func (r *Reconciler) applyTyping(conversationID, userID string, started bool) {
	if userID == r.selfID {
		return
	}
	key := typingKey{conversationID, userID}
	r.mu.Lock()
	if started {
		r.typing[key] = time.Now()
	} else {
		delete(r.typing, key)
	}
	r.mu.Unlock()

	r.notify(Change{Collection: "typing"})
}

func (r *Reconciler) applyRequestStatus(ev *proto.RequestStatusChanged) {
	r.mu.Lock()
	req, ok := r.requests[ev.RequestID]
	if ok {
		req.Status = ev.Status
		req.UpdatedAt = ev.UpdatedAt
		r.requests[ev.RequestID] = req
	}
	r.mu.Unlock()

	if !ok {
		// Authoritative copy lives behind the REST API; nothing to update.
		log.Printf("SYNC: status change for uncached request %s ignored", ev.RequestID)
		return
	}
	if r.cache != nil {
		if _, err := r.cache.SetRequestStatus(ev.RequestID, ev.Status, ev.UpdatedAt); err != nil {
			log.Printf("SYNC: cache request status: %v", err)
		}
	}
	r.notify(Change{Collection: "requests"})
}

// ─── Intents ─────────────────────────────────────────────────────────────────

// OpenConversation marks one conversation as actively viewed and loads its
// newest history page. Only the open conversation buffers messages; closing
// discards the buffer.
func (r *Reconciler) OpenConversation(ctx context.Context, id string) ([]rest.Message, error) {
	msgs, err := r.source.History(ctx, id, r.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("open conversation %s: %w", id, err)
	}

	r.mu.Lock()
	r.openID = id
	r.openMessages = msgs
	for _, m := range msgs {
		r.seenMessages.Add(m.ID)
	}
	out := snapshotMessages(msgs)
	r.mu.Unlock()
	return out, nil
}

// CloseConversation discards the open-conversation message buffer.
func (r *Reconciler) CloseConversation() {
	r.mu.Lock()
	r.openID = ""
	r.openMessages = nil
	r.mu.Unlock()
}

// OpenMessages snapshots the buffered messages of the open conversation.
func (r *Reconciler) OpenMessages() []rest.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshotMessages(r.openMessages)
}

// MarkRead zeroes one conversation's unread counter and persists it. No
// other conversation is touched.
func (r *Reconciler) MarkRead(ctx context.Context, id string) error {
	r.mu.Lock()
	for _, c := range r.convos {
		if c.ID == id {
			c.UnreadCount = 0
			break
		}
	}
	r.mu.Unlock()
	r.notify(Change{Collection: "conversations"})

	if err := r.source.MarkRead(ctx, id); err != nil {
		return fmt.Errorf("mark read %s: %w", id, err)
	}
	return nil
}

// MarkAllNotificationsRead flips every feed item to read and persists it.
func (r *Reconciler) MarkAllNotificationsRead(ctx context.Context) error {
	r.mu.Lock()
	for i := range r.feed {
		r.feed[i].Read = true
	}
	r.unreadFeed = 0
	r.mu.Unlock()
	r.notify(Change{Collection: "notifications"})

	if err := r.source.MarkAllNotificationsRead(ctx); err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}

// Resync replaces the view collections from the REST API. The app layer
// calls it after every reconnect: the live stream may have had gaps, and
// fetched state wins over anything layered on top meanwhile.
func (r *Reconciler) Resync(ctx context.Context) error {
	convos, err := r.source.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("resync conversations: %w", err)
	}
	feed, err := r.source.ListNotifications(ctx)
	if err != nil {
		return fmt.Errorf("resync notifications: %w", err)
	}
	reqs, err := r.source.ListRequests(ctx)
	if err != nil {
		return fmt.Errorf("resync requests: %w", err)
	}

	r.mu.Lock()
	r.convos = r.convos[:0]
	for _, c := range convos {
		cc := c
		r.convos = append(r.convos, &Conversation{
			ID:          cc.ID,
			PeerID:      cc.PeerID,
			LastMessage: cc.LastMessage,
			UnreadCount: cc.UnreadCount,
			UpdatedAt:   cc.UpdatedAt,
		})
		if cc.LastMessage != nil {
			r.seenMessages.Add(cc.LastMessage.ID)
		}
	}
	r.feed = feed
	r.unreadFeed = 0
	for _, n := range feed {
		r.seenFeedItems.Add(n.ID)
		if !n.Read {
			r.unreadFeed++
		}
	}
	r.requests = make(map[string]rest.ExchangeRequest, len(reqs))
	for _, req := range reqs {
		r.requests[req.ID] = req
	}
	r.mu.Unlock()

	if r.cache != nil {
		if err := r.cache.PutRequests(reqs); err != nil {
			log.Printf("SYNC: cache requests: %v", err)
		}
		if err := r.cache.PutNotifications(feed); err != nil {
			log.Printf("SYNC: cache notifications: %v", err)
		}
	}

	log.Printf("SYNC: resynced %d conversations, %d notifications, %d requests",
		len(convos), len(feed), len(reqs))
	r.notify(Change{Collection: "conversations"})
	r.notify(Change{Collection: "notifications"})
	r.notify(Change{Collection: "requests"})
	return nil
}

// ─── Snapshots ───────────────────────────────────────────────────────────────

func snapshotMessages(msgs []rest.Message) []rest.Message {
	out := make([]rest.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Conversations snapshots the list in recency order, newest first.
func (r *Reconciler) Conversations() []Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Conversation, 0, len(r.convos))
	for _, c := range r.convos {
		out = append(out, *c)
	}
	return out
}

// Notifications snapshots the feed, newest first.
func (r *Reconciler) Notifications() []rest.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]rest.Notification, len(r.feed))
	copy(out, r.feed)
	return out
}

// UnreadNotifications returns the feed-level unread counter.
func (r *Reconciler) UnreadNotifications() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unreadFeed
}

// TypingUsers lists the users currently typing in a conversation, stale
// entries excluded.
func (r *Reconciler) TypingUsers(conversationID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-r.typingTTL)
	var out []string
	for key, at := range r.typing {
		if key.conversationID == conversationID && at.After(cutoff) {
			out = append(out, key.userID)
		}
	}
	return out
}

// Requests snapshots the cached exchange requests.
func (r *Reconciler) Requests() []rest.ExchangeRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]rest.ExchangeRequest, 0, len(r.requests))
	for _, req := range r.requests {
		out = append(out, req)
	}
	return out
}

// SetTypingTTL retargets the typing expiry window. Used by config reload.
func (r *Reconciler) SetTypingTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	r.mu.Lock()
	r.typingTTL = ttl
	r.mu.Unlock()
}

// feedConsistent reports whether the unread counter matches the per-item
// flags. Tests call it after every mutation.
func (r *Reconciler) feedConsistent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, item := range r.feed {
		if !item.Read {
			n++
		}
	}
	return n == r.unreadFeed
}

// ─── Subscription / lifecycle ────────────────────────────────────────────────

// Subscribe returns a channel receiving change events. Slow listeners skip
// events rather than block the event path.
func (r *Reconciler) Subscribe() chan Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Change, 16)
	r.listeners = append(r.listeners, ch)
	return ch
}

func (r *Reconciler) Unsubscribe(ch chan Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, listener := range r.listeners {
		if listener == ch {
			close(listener)
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

func (r *Reconciler) notify(evt Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

// typingSweep expires typing entries that never saw a TypingStopped.
func (r *Reconciler) typingSweep() {
	r.mu.Lock()
	interval := r.typingTTL / 2
	r.mu.Unlock()
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			cutoff := time.Now().Add(-r.typingTTL)
			expired := 0
			for key, at := range r.typing {
				if at.Before(cutoff) {
					delete(r.typing, key)
					expired++
				}
			}
			r.mu.Unlock()
			if expired > 0 {
				r.notify(Change{Collection: "typing"})
			}
		}
	}
}

// Close stops the sweep goroutine and closes all listener channels.
func (r *Reconciler) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.listeners {
		close(ch)
	}
	r.listeners = nil
}
