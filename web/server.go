// Package web exposes the pipeline over HTTP and websockets.
package web

import (
	"bytes"
	"cmp"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"FaceDetServer/annotate"
	"FaceDetServer/frame"
	iface "FaceDetServer/interface"
	"FaceDetServer/logger"
	"FaceDetServer/pipeline"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Headers describing a raw pixel body on POST /api/detect.
const (
	HeaderWidth     = "X-Frame-Width"
	HeaderHeight    = "X-Frame-Height"
	HeaderFormat    = "X-Frame-Format"
	HeaderStride    = "X-Frame-Stride"
	HeaderTimestamp = "X-Frame-Timestamp"
	// HeaderSource names the stream a timestamped frame belongs to. Without
	// it the client address is used.
	HeaderSource    = "X-Frame-Source"
	HeaderRequestID = "X-Request-ID"
)

const defaultMaxBodyBytes = 20 * 1024 * 1024

type Detector interface {
	ProcessFrame(ctx context.Context, f iface.Frame) ([]iface.BoundingBox, error)
	Status() pipeline.Status
	Reload() error
}

type RequestCounter interface {
	CountRequest(transport string)
}

type Options struct {
	// IdleTimeout closes websocket sessions that send nothing for this long.
	IdleTimeout time.Duration

	// JPEGQuality of /api/annotate responses.
	JPEGQuality int

	// MaxBodyBytes caps request bodies and websocket messages.
	MaxBodyBytes int64

	Counter RequestCounter

	// Clock stamps frames sent without a timestamp. Share it with the other
	// transports of the process.
	Clock *pipeline.Clock
}

type Server struct {
	detector Detector
	opts     Options
	log      *zap.Logger
	upgrader websocket.Upgrader

	sessionMu sync.RWMutex
	sessions  map[string]*session
}

func NewServer(detector Detector, opts Options) *Server {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Second
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 90
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.Clock == nil {
		opts.Clock = pipeline.NewClock()
	}
	return &Server{
		detector: detector,
		opts:     opts,
		log:      logger.Named("web"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		sessions: map[string]*session{},
	}
}

func (s *Server) now() time.Duration { return s.opts.Clock.Now() }

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/pipeline", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": s.detector.Status()})
	})
	r.POST("/api/pipeline/reload", s.handleReload)
	r.POST("/api/detect", s.handleDetect)
	r.POST("/api/annotate", s.handleAnnotate)
	r.GET("/api/sessions", s.handleSessions)
	r.DELETE("/api/sessions/:sessionID", func(c *gin.Context) {
		if !s.releaseSession(c.Param("sessionID"), "released by request") {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": "Session released"})
	})
	r.GET("/ws/stream", s.handleStream)
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(HeaderRequestID, id)
		if s.opts.Counter != nil {
			s.opts.Counter.CountRequest("http")
		}
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("id", id),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

type detectResult struct {
	TimestampMs float64             `json:"timestamp_ms"`
	Faces       []iface.BoundingBox `json:"faces"`
}

func msOf(ts time.Duration) float64 { return float64(ts) / float64(time.Millisecond) }

func (s *Server) handleDetect(c *gin.Context) {
	f, err := s.readFrame(c)
	if err != nil {
		c.JSON(readStatus(err), gin.H{"error": err.Error()})
		return
	}
	boxes, err := s.detector.ProcessFrame(c.Request.Context(), f)
	if err != nil {
		c.JSON(httpStatus(err), gin.H{"error": err.Error(), "outcome": pipeline.OutcomeOf(err).String()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": detectResult{TimestampMs: msOf(f.Timestamp), Faces: boxes}})
}

// handleReload loads the model again, leaving a failed state on success.
func (s *Server) handleReload(c *gin.Context) {
	if err := s.detector.Reload(); err != nil {
		s.log.Error("reload requested over http failed", zap.Error(err))
		c.JSON(httpStatus(err), gin.H{"error": err.Error(), "outcome": pipeline.OutcomeOf(err).String()})
		return
	}
	s.log.Info("pipeline reloaded over http")
	c.JSON(http.StatusOK, gin.H{"data": s.detector.Status()})
}

func (s *Server) handleAnnotate(c *gin.Context) {
	f, err := s.readFrame(c)
	if err != nil {
		c.JSON(readStatus(err), gin.H{"error": err.Error()})
		return
	}
	img, err := frame.ToNRGBA(f.Image)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	boxes, err := s.detector.ProcessFrame(c.Request.Context(), f)
	if err != nil {
		c.JSON(httpStatus(err), gin.H{"error": err.Error(), "outcome": pipeline.OutcomeOf(err).String()})
		return
	}
	var buf bytes.Buffer
	if err := annotate.EncodeJPEG(&buf, annotate.Draw(img, boxes, annotate.DefaultStyle()), s.opts.JPEGQuality); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("X-Faces", strconv.Itoa(len(boxes)))
	c.Data(http.StatusOK, "image/jpeg", buf.Bytes())
}

// readFrame accepts a multipart "file" field, an encoded image body, or raw
// pixels described by the X-Frame-* headers. Frames without a timestamp are
// stamped by the server clock; timestamped ones are ordered per source.
func (s *Server) readFrame(c *gin.Context) (iface.Frame, error) {
	f := iface.Frame{Timestamp: s.now()}
	if v := c.GetHeader(HeaderTimestamp); v != "" {
		ms, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return f, fmt.Errorf("invalid %s: %w", HeaderTimestamp, err)
		}
		f.Timestamp = time.Duration(ms * float64(time.Millisecond))
		f.Source = "http/" + cmp.Or(c.GetHeader(HeaderSource), c.ClientIP())
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxBodyBytes)

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("file")
		if err != nil {
			return f, fmt.Errorf("file upload failed: %w", err)
		}
		file, err := fh.Open()
		if err != nil {
			return f, err
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return f, err
		}
		f.Image, err = frame.Decode(data)
		return f, err
	}

	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return f, err
	}
	if len(data) == 0 {
		return f, errors.New("empty body")
	}
	if c.GetHeader(HeaderWidth) == "" {
		f.Image, err = frame.Decode(data)
		return f, err
	}

	width, err1 := strconv.Atoi(c.GetHeader(HeaderWidth))
	height, err2 := strconv.Atoi(c.GetHeader(HeaderHeight))
	if err := errors.Join(err1, err2); err != nil {
		return f, fmt.Errorf("invalid frame size headers: %w", err)
	}
	format := iface.ParsePixelFormat(c.GetHeader(HeaderFormat))
	stride := width * format.BytesPerPixel()
	if v := c.GetHeader(HeaderStride); v != "" {
		if stride, err = strconv.Atoi(v); err != nil {
			return f, fmt.Errorf("invalid %s: %w", HeaderStride, err)
		}
	}
	f.Image = frame.NewPacked(data, width, height, stride, format)
	return f, nil
}

// readStatus is 413 for oversized bodies and 400 for anything else readFrame
// rejects.
func readStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func httpStatus(err error) int {
	switch pipeline.OutcomeOf(err) {
	case pipeline.OutcomeInputError:
		return http.StatusBadRequest
	case pipeline.OutcomeBusy, pipeline.OutcomeDropped:
		return http.StatusTooManyRequests
	case pipeline.OutcomeStale:
		return http.StatusConflict
	case pipeline.OutcomeFailed:
		return http.StatusServiceUnavailable
	case pipeline.OutcomeCanceled:
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

// decodeBase64Image accepts plain base64 or a data URL.
func decodeBase64Image(b64 string) (iface.ImageView, error) {
	if i := strings.Index(b64, ","); i != -1 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	return frame.Decode(data)
}

// Start serves the router on port until ctx is done.
func (s *Server) Start(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.Int("port", port))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.closeSessions()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
