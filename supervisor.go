package quecho

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ServeConn accepts the streams of conn and runs one handler per stream until
// the connection ends. A clean application close, by either side, and the
// cancellation of ctx return nil; every other reason is returned as an
// ErrTransport. ServeConn returns after all its handlers exited.
//
// At most config.MaxConcurrentStreams handlers run at the same time. Streams
// arriving while all slots are taken are reset with StreamErrorCodeBusy, so
// a slow handler never holds up the accept loop.
func ServeConn(ctx context.Context, conn Conn, h Handler, config Config) (err error) {
	logger := connLogger.With().
		Str("conn", conn.ID()).
		Stringer("remote", conn.RemoteAddr()).
		Logger()

	logger.Info().
		Str("alp", alpOrNone(conn.ALP())).
		Str("peer", fingerprintOrNone(conn.RemoteFingerprint())).
		Msg("established")

	config.Metrics.connOpened()
	defer func() {
		config.Metrics.connClosed(err)
	}()

	var sem *semaphore.Weighted
	if config.MaxConcurrentStreams > 0 {
		sem = semaphore.NewWeighted(int64(config.MaxConcurrentStreams))
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			switch {
			case errors.Is(err, ErrConnClosed):
				logger.Info().Msg("closed")
				return nil
			case ctx.Err() != nil:
				logger.Debug().Msg("shutting down")
				conn.CloseWithError(ConnErrorCodeNone, "shutting down")
				return nil
			case errors.Is(err, ErrTransport):
				return err
			default:
				return fmt.Errorf("%w: %w", ErrTransport, err)
			}
		}

		if sem != nil && !sem.TryAcquire(1) {
			logger.Warn().Uint64("stream", stream.StreamID()).Msg("too many streams, rejecting")
			stream.Reset(StreamErrorCodeBusy)
			config.Metrics.streamRejected()
			continue
		}

		wg.Add(1)
		go func(s Stream) {
			defer wg.Done()
			if sem != nil {
				defer sem.Release(1)
			}

			if err := handleStream(conn.Context(), s, h, &config); err != nil {
				logger.Debug().Err(err).Uint64("stream", s.StreamID()).Msg("stream failed")
				return
			}
			logger.Trace().Uint64("stream", s.StreamID()).Msg("stream served")
		}(stream)
	}
}
