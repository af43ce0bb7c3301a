// Package rest provides the Gin-based admin API: local subscriptions and
// resources, the membership feed and search control.
package rest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/iggydv12/treecast/internal/metadata"
	"github.com/iggydv12/treecast/internal/node"
	"github.com/iggydv12/treecast/internal/search"
	"github.com/iggydv12/treecast/internal/tree"
)

// Handler runs work on the node's control loop.
type Handler interface {
	Query(ctx context.Context, fn func(*node.Node)) error
}

// Server is the REST API server.
type Server struct {
	engine  *gin.Engine
	handler Handler
	table   *tree.Table
	state   func() string
	logger  *zap.Logger
}

// New creates a REST Server. state reports the node lifecycle state.
func New(h Handler, table *tree.Table, state func() string, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:  engine,
		handler: h,
		table:   table,
		state:   state,
		logger:  logger.Named("rest"),
	}
	s.registerRoutes()
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.engine }

// registerRoutes sets up the /treecast context path.
func (s *Server) registerRoutes() {
	tc := s.engine.Group("/treecast")
	tc.GET("/health", s.health)
	tc.GET("/metrics", gin.WrapH(promhttp.Handler()))
	tc.PUT("/coordinate", s.setCoordinate)

	topics := tc.Group("/topics")
	{
		topics.GET("", s.listTopics)
		topics.GET("/:topic", s.topicStatus)
		topics.PUT("/:topic/subscription", s.subscribe)
		topics.DELETE("/:topic/subscription", s.unsubscribe)
		topics.PUT("/:topic/resources", s.updateResources)
		topics.PUT("/:topic/parent", s.setParent)
		topics.DELETE("/:topic/parent", s.clearParent)
		topics.POST("/:topic/children", s.addChild)
		topics.DELETE("/:topic/children/:child", s.removeChild)
		topics.PUT("/:topic/root", s.setRoot)
		topics.POST("/:topic/searches", s.startSearch)
	}

	tc.GET("/searches/:id", s.searchResult)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"state": s.state()})
}

// --- Topic handlers ---

func (s *Server) listTopics(c *gin.Context) {
	views := []tree.View{}
	for _, topic := range s.table.Topics() {
		if v, ok := s.table.Snapshot(topic); ok {
			views = append(views, v)
		}
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) topicStatus(c *gin.Context) {
	topic, ok := topicParam(c)
	if !ok {
		return
	}
	var st node.TopicStatus
	if !s.query(c, func(n *node.Node) { st = n.Status(topic) }) {
		return
	}
	view, _ := s.table.Snapshot(topic)
	c.JSON(http.StatusOK, gin.H{"membership": view, "metadata": st})
}

func (s *Server) subscribe(c *gin.Context) {
	topic, ok := topicParam(c)
	if !ok {
		return
	}
	var res node.Resources
	if err := c.ShouldBindJSON(&res); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var err error
	if !s.query(c, func(n *node.Node) { err = n.Subscribe(topic, res) }) {
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscribed": true})
}

func (s *Server) unsubscribe(c *gin.Context) {
	topic, ok := topicParam(c)
	if !ok {
		return
	}
	var err error
	if !s.query(c, func(n *node.Node) { err = n.Unsubscribe(topic) }) {
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscribed": false})
}

func (s *Server) updateResources(c *gin.Context) {
	topic, ok := topicParam(c)
	if !ok {
		return
	}
	var res node.Resources
	if err := c.ShouldBindJSON(&res); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var err error
	if !s.query(c, func(n *node.Node) { err = n.UpdateLocal(topic, res) }) {
		return
	}
	switch {
	case errors.Is(err, node.ErrNotSubscribed):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"updated": true})
	}
}

// --- Membership feed ---

func (s *Server) setParent(c *gin.Context) {
	topic, ok := topicParam(c)
	if !ok {
		return
	}
	var body struct {
		Parent string `json:"parent" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.query(c, func(*node.Node) { s.table.SetParent(topic, metadata.NodeID(body.Parent)) }) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"parent": body.Parent})
}

func (s *Server) clearParent(c *gin.Context) {
	topic, ok := topicParam(c)
	if !ok {
		return
	}
	if !s.query(c, func(*node.Node) { s.table.ClearParent(topic) }) {
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) addChild(c *gin.Context) {
	topic, ok := topicParam(c)
	if !ok {
		return
	}
	var body struct {
		Child string `json:"child" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var allowed, added bool
	if !s.query(c, func(n *node.Node) {
		if allowed = n.AllowSubscribe(topic); allowed {
			added = s.table.AddChild(topic, metadata.NodeID(body.Child))
		}
	}) {
		return
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": node.ErrNotAllowed.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": added})
}

func (s *Server) removeChild(c *gin.Context) {
	topic, ok := topicParam(c)
	if !ok {
		return
	}
	child := metadata.NodeID(c.Param("child"))
	var removed bool
	if !s.query(c, func(n *node.Node) {
		if removed = s.table.RemoveChild(topic, child); removed {
			n.OnChildRemoved(topic, child)
		}
	}) {
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "not a child: " + string(child)})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) setRoot(c *gin.Context) {
	topic, ok := topicParam(c)
	if !ok {
		return
	}
	var body struct {
		Root bool `json:"root"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.query(c, func(*node.Node) { s.table.SetRoot(topic, body.Root) }) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"root": body.Root})
}

func (s *Server) setCoordinate(c *gin.Context) {
	var body struct {
		Values []float64 `json:"values" binding:"required"`
		Stable bool      `json:"stable"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	coord := &metadata.Coordinate{Values: body.Values, Stable: body.Stable}
	if !s.query(c, func(n *node.Node) { n.SetCoordinate(coord) }) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"values": body.Values, "stable": body.Stable})
}

// --- Searches ---

type resultView struct {
	ID       string           `json:"id"`
	Topic    metadata.TopicID `json:"topic"`
	Kind     string           `json:"kind"`
	OK       bool             `json:"ok"`
	Acceptor metadata.NodeID  `json:"acceptor,omitempty"`
	Record   *metadata.Record `json:"record,omitempty"`
}

func (s *Server) startSearch(c *gin.Context) {
	topic, ok := topicParam(c)
	if !ok {
		return
	}
	var body struct {
		Kind string `json:"kind"`
	}
	// an empty body starts an anycast
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	kind, err := search.ParseKind(body.Kind)
	if err != nil || kind == search.Subscribe {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be anycast or group-metadata"})
		return
	}
	var id string
	if !s.query(c, func(n *node.Node) { id = n.StartSearch(topic, kind).ID }) {
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

func (s *Server) searchResult(c *gin.Context) {
	id := c.Param("id")
	var (
		res   search.Result
		found bool
	)
	if !s.query(c, func(n *node.Node) { res, found = n.SearchResult(id) }) {
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no answer yet for " + id})
		return
	}
	c.JSON(http.StatusOK, resultView{
		ID:       res.RequestID,
		Topic:    res.Topic,
		Kind:     res.Kind.String(),
		OK:       res.OK,
		Acceptor: res.Acceptor,
		Record:   res.Record,
	})
}

// query runs fn on the control loop and writes an error response when the
// loop could not take it.
func (s *Server) query(c *gin.Context, fn func(*node.Node)) bool {
	err := s.handler.Query(c.Request.Context(), fn)
	if err == nil {
		return true
	}
	s.logger.Warn("Control loop unavailable", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	return false
}

func topicParam(c *gin.Context) (metadata.TopicID, bool) {
	v, err := strconv.ParseInt(c.Param("topic"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid topic: " + c.Param("topic")})
		return 0, false
	}
	return metadata.TopicID(v), true
}
