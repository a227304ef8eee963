package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"huddle/server/internal/core"
	"huddle/server/internal/peers"
	"huddle/server/internal/protocol"
	"huddle/server/internal/store"
	"huddle/server/internal/uploads"
	"huddle/server/internal/ws"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server is the Echo application.
type Server struct {
	echo    *echo.Echo
	state   *core.RoomState
	peers   peers.Directory
	uploads *uploads.Store
}

// New constructs an Echo app with websocket + REST routes. The uploads
// store is optional; without it the upload routes are not mounted.
func New(state *core.RoomState, dir peers.Directory, ups ...*uploads.Store) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	var uploadStore *uploads.Store
	if len(ups) > 0 {
		uploadStore = ups[0]
	}

	s := &Server{echo: e, state: state, peers: dir, uploads: uploadStore}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/state", s.handleState)
	s.echo.GET("/api/rooms/:id/messages", s.handleRoomMessages)
	s.echo.GET("/api/rooms/:id/peers", s.handleListPeers)
	s.echo.POST("/api/rooms/:id/peers", s.handleRegisterPeer)
	s.echo.DELETE("/api/rooms/:id/peers/:peerID", s.handleRemovePeer)
	if s.uploads != nil {
		s.echo.POST("/api/uploads", s.handleUpload)
		s.echo.GET("/api/uploads/:id", s.handleDownload)
	}
	ws.NewHandler(s.state, s.peers).Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Clients: s.state.ClientCount(),
	})
}

type stateResponse struct {
	Clients int             `json:"clients"`
	Rooms   []core.RoomInfo `json:"rooms"`
}

func (s *Server) handleState(c echo.Context) error {
	rooms := s.state.Rooms()
	if rooms == nil {
		rooms = []core.RoomInfo{}
	}
	return c.JSON(http.StatusOK, stateResponse{
		Clients: s.state.ClientCount(),
		Rooms:   rooms,
	})
}

func (s *Server) handleRoomMessages(c echo.Context) error {
	roomID := strings.TrimSpace(c.Param("id"))
	if roomID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "room id is required")
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	msgs, err := s.state.Recent(c.Request().Context(), roomID, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if msgs == nil {
		msgs = []protocol.ChatMessage{}
	}
	return c.JSON(http.StatusOK, msgs)
}

// registerPeerRequest is the body for POST /api/rooms/:id/peers.
type registerPeerRequest struct {
	PeerID      string `json:"peer_id"`
	DisplayName string `json:"display_name"`
	ConnID      string `json:"conn_id"`
}

type peerListResponse struct {
	Peers []peers.Peer `json:"peers"`
}

func (s *Server) handleRegisterPeer(c echo.Context) error {
	roomID := strings.TrimSpace(c.Param("id"))
	if roomID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "room id is required")
	}
	var req registerPeerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.PeerID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "peer_id is required")
	}

	list, err := s.peers.Register(c.Request().Context(), peers.Record{
		RoomID:      roomID,
		PeerID:      req.PeerID,
		DisplayName: req.DisplayName,
		ConnID:      req.ConnID,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, peerListResponse{Peers: list})
}

func (s *Server) handleListPeers(c echo.Context) error {
	roomID := strings.TrimSpace(c.Param("id"))
	if roomID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "room id is required")
	}
	list, err := s.peers.List(c.Request().Context(), roomID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if list == nil {
		list = []peers.Peer{}
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleRemovePeer(c echo.Context) error {
	roomID := strings.TrimSpace(c.Param("id"))
	peerID := strings.TrimSpace(c.Param("peerID"))
	if roomID == "" || peerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "room id and peer id are required")
	}
	if err := s.peers.Remove(c.Request().Context(), roomID, peerID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

type uploadResponse struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	OriginalName string `json:"original_name"`
	ContentType  string `json:"content_type"`
	UploaderName string `json:"uploader_name,omitempty"`
	SizeBytes    int64  `json:"size_bytes"`
	CreatedAt    string `json:"created_at"`
}

func (s *Server) handleUpload(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart file field \"file\" is required")
	}

	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("open uploaded file: %v", err))
	}
	defer src.Close()

	contentType := strings.TrimSpace(fileHeader.Header.Get(echo.HeaderContentType))
	meta, err := s.uploads.Put(c.Request().Context(), uploads.PutInput{
		Kind:         c.FormValue("kind"),
		OriginalName: fileHeader.Filename,
		ContentType:  contentType,
		UploaderName: c.FormValue("uploader"),
		Reader:       src,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("persist upload: %v", err))
	}

	return c.JSON(http.StatusCreated, uploadResponse{
		ID:           meta.ID,
		Kind:         meta.Kind,
		OriginalName: meta.OriginalName,
		ContentType:  meta.ContentType,
		UploaderName: meta.UploaderName,
		SizeBytes:    meta.SizeBytes,
		CreatedAt:    meta.CreatedAt.Format(time.RFC3339Nano),
	})
}

func (s *Server) handleDownload(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "upload id is required")
	}

	result, err := s.uploads.Open(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrUploadNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "upload not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("open upload: %v", err))
	}
	defer result.File.Close()

	c.Response().Header().Set(echo.HeaderContentType, result.Metadata.ContentType)
	c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(result.Metadata.SizeBytes, 10))
	c.Response().Header().Set(
		echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="%s"`, safeFilename(result.Metadata.OriginalName)),
	)
	c.Response().WriteHeader(http.StatusOK)
	_, copyErr := io.Copy(c.Response().Writer, result.File)
	return copyErr
}

func safeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "upload"
	}
	name = strings.ReplaceAll(name, `"`, "_")
	name = strings.ReplaceAll(name, "\\", "_")
	return name
}
