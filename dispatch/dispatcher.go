// Package dispatch orchestrates one inbound user message: cache lookup, slot
// acquisition, the upstream streaming call with incremental relay, and the
// cache write. The credential is released and the session's pending flag
// cleared on every exit path.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/botgate/botgate-server/cache"
	"github.com/botgate/botgate-server/config"
	"github.com/botgate/botgate-server/session"
	"github.com/botgate/botgate-server/stats"
	"github.com/botgate/botgate-server/tokenpool"
	"github.com/botgate/botgate-server/upstream"
)

var (
	// ErrSessionBusy means a dispatch is already in flight on this connection.
	ErrSessionBusy = errors.New("a request is already in flight for this session")
	// ErrOverloaded means every credential stayed saturated past the wait window.
	ErrOverloaded = errors.New("all upstream credentials are saturated")
	// ErrUpstreamFailure wraps any failure of the injected completion call.
	ErrUpstreamFailure = errors.New("upstream completion failed")
	// ErrUnknownBot means the session references a bot not in the catalog.
	ErrUnknownBot = errors.New("unknown bot")
)

const (
	// Cached answers are replayed a few runes at a time so the client renders
	// the same typewriter effect a live stream produces.
	replayChunkRunes = 3
	defaultReplayGap = 10 * time.Millisecond
)

type Dispatcher struct {
	cache     *cache.Cache
	sessions  *session.Registry
	pool      *tokenpool.Pool
	stats     *stats.Collector
	completer upstream.Completer
	bots      map[string]config.Bot

	acquireWait time.Duration
	streamHits  bool
	replayGap   time.Duration
}

func New(
	c *cache.Cache,
	reg *session.Registry,
	pool *tokenpool.Pool,
	st *stats.Collector,
	completer upstream.Completer,
	bots []config.Bot,
	acquireWait time.Duration,
	streamHits bool,
) *Dispatcher {
	byID := make(map[string]config.Bot, len(bots))
	for _, b := range bots {
		byID[b.ID] = b
	}
	return &Dispatcher{
		cache:       c,
		sessions:    reg,
		pool:        pool,
		stats:       st,
		completer:   completer,
		bots:        byID,
		acquireWait: acquireWait,
		streamHits:  streamHits,
		replayGap:   defaultReplayGap,
	}
}

// Handle processes one user message for the given session, calling emit once
// per answer chunk. An error from emit means the sink is gone; the upstream
// call is abandoned and the partial answer is not cached. Handle returns nil
// on a complete answer, or one of ErrSessionBusy, ErrOverloaded,
// ErrUpstreamFailure, session.ErrUnknownSession.
func (d *Dispatcher) Handle(ctx context.Context, sessionID, text string, emit func(chunk string) error) error {
	sess, err := d.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	bot, ok := d.bots[sess.BotID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBot, sess.BotID)
	}

	if !d.sessions.TrySetPending(sessionID) {
		return ErrSessionBusy
	}
	defer d.sessions.ClearPending(sessionID)

	d.sessions.Touch(sessionID)
	d.stats.MessageProcessed()

	key := cache.Key(bot.ID, text)
	if answer, hit := d.cache.Get(key); hit {
		d.stats.CacheHit()
		return d.replay(ctx, answer, emit)
	}
	d.stats.CacheMiss()

	handle, err := d.pool.Acquire(ctx, bot.TokenKey, d.acquireWait)
	if err != nil {
		if errors.Is(err, tokenpool.ErrBusy) {
			d.stats.ErrorOccurred()
			return ErrOverloaded
		}
		return err
	}
	defer handle.Release()

	d.stats.UpstreamStarted()
	defer d.stats.UpstreamFinished()

	stream, err := d.completer.StreamCompletion(ctx, upstream.Request{
		Secret: handle.Secret(),
		Model:  bot.Model,
		System: bot.System,
		Text:   text,
	})
	if err != nil {
		d.stats.ErrorOccurred()
		return fmt.Errorf("%w: %v", ErrUpstreamFailure, err)
	}
	defer stream.Close()

	var full strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Chunks already relayed are not retracted.
			d.stats.ErrorOccurred()
			return fmt.Errorf("%w: %v", ErrUpstreamFailure, err)
		}
		if err := emit(chunk); err != nil {
			// Sink closed mid-stream: abandon upstream, skip caching the
			// truncated answer. The deferred Close aborts the stream.
			return fmt.Errorf("relay chunk: %w", err)
		}
		full.WriteString(chunk)
	}

	d.cache.Put(key, full.String())
	d.sessions.Touch(sessionID)
	return nil
}

func (d *Dispatcher) replay(ctx context.Context, answer string, emit func(string) error) error {
	if !d.streamHits {
		return emit(answer)
	}

	runes := []rune(answer)
	for i := 0; i < len(runes); i += replayChunkRunes {
		end := i + replayChunkRunes
		if end > len(runes) {
			end = len(runes)
		}
		if err := emit(string(runes[i:end])); err != nil {
			return fmt.Errorf("relay cached chunk: %w", err)
		}
		if d.replayGap > 0 && end < len(runes) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.replayGap):
			}
		}
	}
	return nil
}
