// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

package supervisor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/stash2plex/stash2plex/internal/logging"
)

// shutdownGrace bounds the drain of in-flight status requests.
const shutdownGrace = 5 * time.Second

// HTTPService adapts an http.Server to suture's Service interface.
type HTTPService struct {
	server *http.Server
}

// NewHTTPService wraps a configured http.Server.
func NewHTTPService(server *http.Server) *HTTPService {
	return &HTTPService{server: server}
}

// Serve runs the listener until ctx is canceled, then shuts down
// gracefully. A closed listener is a normal stop, not a failure.
func (s *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	logging.Info().Str("addr", s.server.Addr).Msg("Status listener started")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("Status listener shutdown incomplete")
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *HTTPService) String() string { return "status-listener " + s.server.Addr }
