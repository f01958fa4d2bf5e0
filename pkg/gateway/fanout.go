package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/relayd/pkg/bus"
	"github.com/go-go-golems/relayd/pkg/connection"
	"github.com/go-go-golems/relayd/pkg/wire"
)

// fanout runs one consume loop per active conversation topic and delivers
// broadcast envelopes to every locally subscribed connection. Loops for
// conversations with no subscribers get evicted by a periodic sweep.
type fanout struct {
	bus *bus.Bus
	reg *connection.Registry

	mu    sync.Mutex
	loops map[string]context.CancelFunc
}

func newFanout(b *bus.Bus, reg *connection.Registry) *fanout {
	return &fanout{
		bus:   b,
		reg:   reg,
		loops: map[string]context.CancelFunc{},
	}
}

// ensure starts the consume loop for a conversation if it is not already
// running.
func (f *fanout) ensure(ctx context.Context, conversationID string) {
	if f == nil || conversationID == "" {
		return
	}
	f.mu.Lock()
	if _, ok := f.loops[conversationID]; ok {
		f.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	f.loops[conversationID] = cancel
	f.mu.Unlock()

	ch, cleanup, err := f.bus.Subscribe(loopCtx, conversationID)
	if err != nil {
		log.Error().Err(err).Str("component", "fanout").Str("conv_id", conversationID).Msg("subscribe failed")
		f.stop(conversationID)
		return
	}
	go f.consume(conversationID, ch, cleanup)
}

func (f *fanout) consume(conversationID string, ch <-chan *bus.Message, cleanup func()) {
	defer cleanup()
	log.Debug().Str("component", "fanout").Str("conv_id", conversationID).Msg("fanout loop started")
	for msg := range ch {
		f.deliver(conversationID, msg.Payload)
		msg.Ack()
	}
	log.Debug().Str("component", "fanout").Str("conv_id", conversationID).Msg("fanout loop stopped")
}

// deliver writes the payload to every subscribed connection, skipping the
// originating user for typing and presence events (they already know).
func (f *fanout) deliver(conversationID string, payload []byte) {
	env, ok := decodeLoose(payload)
	skipUser := ""
	if ok {
		switch env.Type {
		case wire.TypeTypingStart, wire.TypeTypingStop, wire.TypePresenceUpdate:
			skipUser = env.UserID
		}
	}
	for _, conn := range f.reg.ConnsForConversation(conversationID) {
		if skipUser != "" && conn.UserID == skipUser {
			continue
		}
		if err := f.reg.Send(conn.ID, payload); err != nil {
			log.Debug().Err(err).Str("component", "fanout").Str("conn_id", conn.ID).Msg("broadcast write failed")
		}
	}
}

func (f *fanout) stop(conversationID string) {
	f.mu.Lock()
	cancel := f.loops[conversationID]
	delete(f.loops, conversationID)
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// startEvictionLoop cancels loops for conversations nobody subscribes to
// anymore. Runs until ctx is cancelled.
func (f *fanout) startEvictionLoop(ctx context.Context, interval time.Duration) {
	if f == nil || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.evictIdleOnce()
			}
		}
	}()
}

func (f *fanout) evictIdleOnce() int {
	f.mu.Lock()
	convs := make([]string, 0, len(f.loops))
	for c := range f.loops {
		convs = append(convs, c)
	}
	f.mu.Unlock()

	evicted := 0
	for _, c := range convs {
		if len(f.reg.ConnsForConversation(c)) == 0 {
			f.stop(c)
			evicted++
		}
	}
	return evicted
}
