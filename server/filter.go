package server

import (
	"log/slog"
	"sync"

	"github.com/gregorydemay/tarpc"
)

// MaxChannelsPerKey enforces a cap on simultaneous channels per client
// key. Each accepted channel is assigned a key by keymaker (typically the
// client address); a channel whose key is already at the limit is closed
// and dropped instead of yielded. Counts decrement when a channel
// completes.
//
// The returned stream closes once incoming closes and is the stream to
// hand to Run.
func MaxChannelsPerKey[Req, Resp any, K comparable](
	log *slog.Logger,
	incoming <-chan *BaseChannel[Req, Resp],
	limit uint32,
	keymaker func(*BaseChannel[Req, Resp]) K,
) <-chan *BaseChannel[Req, Resp] {
	if log == nil {
		log = tarpc.NopLogger()
	}

	f := &channelFilter[Req, Resp, K]{
		log:      log.With("component", "channel_filter"),
		limit:    limit,
		keymaker: keymaker,
		counts:   make(map[K]uint32),
		out:      make(chan *BaseChannel[Req, Resp]),
	}

	go f.pump(incoming)

	return f.out
}

type channelFilter[Req, Resp any, K comparable] struct {
	log      *slog.Logger
	limit    uint32
	keymaker func(*BaseChannel[Req, Resp]) K

	mu     sync.Mutex
	counts map[K]uint32

	out chan *BaseChannel[Req, Resp]
}

func (f *channelFilter[Req, Resp, K]) pump(incoming <-chan *BaseChannel[Req, Resp]) {
	defer close(f.out)

	for ch := range incoming {
		key := f.keymaker(ch)

		if !f.increment(key) {
			f.log.Debug("Channel limit reached for key; closing channel",
				"key", key,
				"limit", f.limit,
			)
			ch.Close()

			continue
		}

		// Release the slot once the channel completes.
		go func() {
			<-ch.Done()
			f.decrement(key)
		}()

		f.out <- ch
	}
}

func (f *channelFilter[Req, Resp, K]) increment(key K) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.counts[key] >= f.limit {
		return false
	}

	f.counts[key]++

	return true
}

func (f *channelFilter[Req, Resp, K]) decrement(key K) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.counts[key] <= 1 {
		delete(f.counts, key)

		return
	}

	f.counts[key]--
}
