package kvstore

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Server exposes a Store over HTTP: PUT /kv/:key stores the request
// body, GET /kv/:key returns it (404 if absent).
type Server struct {
	store *Store
	http  *http.Server
	log   zerolog.Logger
}

// NewServer builds a Server listening on addr, backed by a fresh Store.
func NewServer(addr string, log zerolog.Logger) *Server {
	s := &Server{store: NewStore(), log: log.With().Str("component", "kvstore").Logger()}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.PUT("/kv/:key", s.handlePut)
	router.GET("/kv/:key", s.handleGet)

	s.http = &http.Server{Addr: addr, Handler: router}
	return s
}

func (s *Server) handlePut(c *gin.Context) {
	key := c.Param("key")
	body, err := c.GetRawData()
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	s.store.Put(key, body)
	s.log.Debug().Str("key", key).Int("bytes", len(body)).Msg("bootstrap key published")
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGet(c *gin.Context) {
	key := c.Param("key")
	value, ok := s.store.Get(key)
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", value)
}

// ListenAndServe blocks serving the bootstrap store until ctx is
// cancelled, then shuts the HTTP server down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.http.Shutdown(context.Background())
	}
}

// Addr is the address Server was built with, for a client to dial.
func (s *Server) Addr() string { return s.http.Addr }
