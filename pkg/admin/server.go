// Package admin is the REST API of a controller: node management, guild
// sessions and player commands over fiber.
package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"github.com/meftunca/voxlink/pkg/balancer"
	"github.com/meftunca/voxlink/pkg/client"
	"github.com/meftunca/voxlink/pkg/common"
	"github.com/meftunca/voxlink/pkg/config"
	"github.com/meftunca/voxlink/pkg/protocol"
	"github.com/meftunca/voxlink/pkg/types"
)

// Server serves the admin API of one controller.
type Server struct {
	app     *fiber.App
	ctrl    *client.Controller
	cfg     config.AdminConfig
	logger  common.Logger
	started time.Time
}

// NodeInfo is one entry of GET /api/v1/nodes.
type NodeInfo struct {
	Name      string             `json:"name"`
	URI       string             `json:"uri"`
	Available bool               `json:"available"`
	Penalties balancer.Penalties `json:"penalties"`
	Total     int                `json:"total"`
	Stats     *protocol.Stats    `json:"stats,omitempty"`
}

// AddNodeRequest is the body of POST /api/v1/nodes.
type AddNodeRequest struct {
	Name     string `json:"name"`
	URI      string `json:"uri"`
	Password string `json:"password"`
}

// SessionInfo describes the binding of a guild.
type SessionInfo struct {
	GuildID   string `json:"guildId"`
	Node      string `json:"node"`
	ChannelID string `json:"channelId,omitempty"`
}

type connectRequest struct {
	ChannelID string `json:"channelId"`
}

type playRequest struct {
	Track     string `json:"track"`
	StartTime int64  `json:"startTime"`
}

type pauseRequest struct {
	Pause bool `json:"pause"`
}

type seekRequest struct {
	Position int64 `json:"position"`
}

type volumeRequest struct {
	Volume int `json:"volume"`
}

// New builds the API. codec encodes the JSON bodies; nil means encoding/json.
func New(ctrl *client.Controller, cfg config.AdminConfig, codec protocol.Codec, logger common.Logger) *Server {
	if logger == nil {
		logger = common.DefaultLogger
	}
	if codec == nil {
		codec = protocol.NewStandardCodec(config.JSONConfig{})
	}

	s := &Server{
		ctrl:    ctrl,
		cfg:     cfg,
		logger:  logger.With("admin"),
		started: time.Now(),
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "voxlink controller",
		DisableStartupMessage: true,
		JSONEncoder:           codec.Marshal,
		JSONDecoder:           codec.Unmarshal,
		ErrorHandler:          s.handleError,
	})
	s.app.Use(requestid.New())
	s.app.Use(recover.New())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/metrics", adaptor.HTTPHandler(s.ctrl.Metrics().Handler()))

	v1 := s.app.Group("/api/v1")
	if s.cfg.JWTSecret != "" {
		v1.Use(bearerAuth(s.cfg.JWTSecret))
	}

	v1.Get("/nodes", s.handleListNodes)
	v1.Post("/nodes", s.handleAddNode)
	v1.Delete("/nodes/:name", s.handleRemoveNode)

	v1.Get("/sessions/:guildId", s.handleResolve)
	v1.Delete("/sessions/:guildId", s.handleDestroy)
	v1.Post("/sessions/:guildId/connect", s.handleConnect)
	v1.Post("/sessions/:guildId/disconnect", s.handleDisconnect)

	players := v1.Group("/players/:guildId")
	players.Get("/", s.handlePlayerState)
	players.Post("/play", s.handlePlay)
	players.Post("/stop", s.handleStop)
	players.Post("/pause", s.handlePause)
	players.Post("/seek", s.handleSeek)
	players.Post("/volume", s.handleVolume)
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves on the configured address until Shutdown.
func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Infof("admin API listening on %s", addr)
	return s.app.Listen(addr)
}

// Shutdown stops the server, waiting for requests in flight until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// statusOf maps controller errors to HTTP statuses.
func statusOf(err error) int {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	code, ok := types.CodeOf(err)
	if !ok {
		return fiber.StatusInternalServerError
	}
	switch code {
	case types.ErrCodeNoNodes, types.ErrCodeNodeUnavailable:
		return fiber.StatusServiceUnavailable
	case types.ErrCodeNodeNotFound:
		return fiber.StatusNotFound
	case types.ErrCodeNodeExists:
		return fiber.StatusConflict
	case types.ErrCodeInvalidMessage, types.ErrCodeInvalidConfig, types.ErrCodeInvalidTrack:
		return fiber.StatusBadRequest
	case types.ErrCodeConnectionClosed, types.ErrCodeTimeout:
		return fiber.StatusBadGateway
	case types.ErrCodeUnauthorized:
		return fiber.StatusUnauthorized
	default:
		return fiber.StatusInternalServerError
	}
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	status := statusOf(err)
	body := fiber.Map{"error": err.Error()}
	if code, ok := types.CodeOf(err); ok {
		body["code"] = code
	}
	if status >= fiber.StatusInternalServerError {
		s.logger.Warnf("%s %s: %v", c.Method(), c.Path(), err)
	}
	return c.Status(status).JSON(body)
}

func badRequest(err error) error {
	return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	nodes := s.ctrl.Nodes()
	available := 0
	for _, n := range nodes {
		if n.Available() {
			available++
		}
	}
	status := "ok"
	if available == 0 {
		status = "degraded"
	}
	return c.JSON(fiber.Map{
		"status":         status,
		"nodes":          len(nodes),
		"availableNodes": available,
		"uptime":         time.Since(s.started).Truncate(time.Second).String(),
	})
}

func (s *Server) handleListNodes(c *fiber.Ctx) error {
	nodes := s.ctrl.Nodes()
	out := make([]NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		p := n.Penalties()
		out = append(out, NodeInfo{
			Name:      n.Name(),
			URI:       n.URI(),
			Available: n.Available(),
			Penalties: p,
			Total:     p.Total(),
			Stats:     n.Stats(),
		})
	}
	return c.JSON(out)
}

func (s *Server) handleAddNode(c *fiber.Ctx) error {
	var req AddNodeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(err)
	}
	if req.Name == "" || req.URI == "" {
		return fiber.NewError(fiber.StatusBadRequest, "name and uri are required")
	}
	node, err := s.ctrl.AddNode(req.Name, req.URI, req.Password)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(NodeInfo{Name: node.Name(), URI: node.URI()})
}

func (s *Server) handleRemoveNode(c *fiber.Ctx) error {
	if err := s.ctrl.RemoveNode(c.Params("name")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleResolve(c *fiber.Ctx) error {
	guildID := c.Params("guildId")
	node, err := s.ctrl.NodeFor(c.UserContext(), guildID)
	if err != nil {
		return err
	}
	channel, _ := s.ctrl.ConnectedChannel(guildID)
	return c.JSON(SessionInfo{GuildID: guildID, Node: node.Name(), ChannelID: channel})
}

func (s *Server) handleDestroy(c *fiber.Ctx) error {
	if err := s.ctrl.DestroyPlayer(c.UserContext(), c.Params("guildId")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleConnect(c *fiber.Ctx) error {
	var req connectRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(err)
	}
	if req.ChannelID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "channelId is required")
	}
	if err := s.ctrl.OpenVoiceConnection(c.UserContext(), c.Params("guildId"), req.ChannelID); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleDisconnect(c *fiber.Ctx) error {
	if err := s.ctrl.CloseVoiceConnection(c.UserContext(), c.Params("guildId")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handlePlayerState(c *fiber.Ctx) error {
	p, ok := s.ctrl.LookupPlayer(c.Params("guildId"))
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "no player for guild")
	}
	return c.JSON(fiber.Map{
		"guildId": p.GuildID(),
		"track":   p.Track(),
		"state":   p.State(),
		"paused":  p.Paused(),
		"volume":  p.Volume(),
	})
}

func (s *Server) handlePlay(c *fiber.Ctx) error {
	var req playRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(err)
	}
	if req.Track == "" {
		return fiber.NewError(fiber.StatusBadRequest, "track is required")
	}
	p := s.ctrl.Player(c.Params("guildId"))
	if err := p.PlayFrom(c.UserContext(), req.Track, req.StartTime); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusAccepted)
}

func (s *Server) handleStop(c *fiber.Ctx) error {
	if err := s.ctrl.Player(c.Params("guildId")).Stop(c.UserContext()); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusAccepted)
}

func (s *Server) handlePause(c *fiber.Ctx) error {
	var req pauseRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(err)
	}
	if err := s.ctrl.Player(c.Params("guildId")).SetPaused(c.UserContext(), req.Pause); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusAccepted)
}

func (s *Server) handleSeek(c *fiber.Ctx) error {
	var req seekRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(err)
	}
	if err := s.ctrl.Player(c.Params("guildId")).Seek(c.UserContext(), req.Position); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusAccepted)
}

func (s *Server) handleVolume(c *fiber.Ctx) error {
	var req volumeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(err)
	}
	if err := s.ctrl.Player(c.Params("guildId")).SetVolume(c.UserContext(), req.Volume); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusAccepted)
}
