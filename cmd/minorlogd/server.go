package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/redcon"
	"golang.org/x/time/rate"

	"github.com/octu0/minorlog"
)

// session is the per connection state: its writer identity and open files
type session struct {
	id       string
	identity int
	files    map[int]*minorlog.File
	nextFD   int
	limiter  *rate.Limiter
	logger   log.FieldLogger
}

func (sess *session) currentIdentity() int {
	return sess.identity
}

func (sess *session) file(arg []byte) (int, *minorlog.File, bool) {
	fd, err := strconv.Atoi(string(arg))
	if err != nil {
		return 0, nil, false
	}
	f, ok := sess.files[fd]
	return fd, f, ok
}

func (sess *session) closeAll() {
	for fd, f := range sess.files {
		if err := f.Close(); err != nil {
			sess.logger.WithError(err).WithField("fd", fd).Debug("close on disconnect")
		}
		delete(sess.files, fd)
	}
}

type server struct {
	bind        string
	metricsBind string
	writeLimit  int
	readLimit   int
	ch          *minorlog.Channel
	logger      log.FieldLogger
	metrics     *metrics
	identities  int32
}

func newServer(cfg config, logger log.FieldLogger) (*server, error) {
	opts, err := cfg.options()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	opts = append(opts, minorlog.WithLogger(logger))

	ch, err := minorlog.Open(cfg.Dir, opts...)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return &server{
		bind:        cfg.Bind,
		metricsBind: cfg.MetricsBind,
		writeLimit:  cfg.WriteLimit,
		readLimit:   cfg.MaxBufferSize,
		ch:          ch,
		logger:      logger,
		metrics:     newMetrics(ch.Registry()),
		identities:  0,
	}, nil
}

func (s *server) newSession(conn redcon.Conn) *session {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if 0 < s.writeLimit {
		limiter = rate.NewLimiter(rate.Limit(s.writeLimit), s.writeLimit)
	}
	id := uuid.NewString()
	return &session{
		id:       id,
		identity: int(atomic.AddInt32(&s.identities, 1)),
		files:    make(map[int]*minorlog.File),
		nextFD:   1,
		limiter:  limiter,
		logger: s.logger.WithFields(log.Fields{
			"session": id,
			"remote":  conn.RemoteAddr(),
		}),
	}
}

// errorCode maps an error onto the errno style prefix sent to clients
func errorCode(err error) string {
	switch {
	case errors.Is(err, minorlog.ErrNotOpenForRead),
		errors.Is(err, minorlog.ErrNotOpenForWrite),
		errors.Is(err, minorlog.ErrNotOpen):
		return "EBADF"
	case errors.Is(err, minorlog.ErrInvalidArgument),
		errors.Is(err, minorlog.ErrInvalidMinor):
		return "EINVAL"
	case errors.Is(err, minorlog.ErrOutOfMemory):
		return "ENOMEM"
	case errors.Is(err, minorlog.ErrUnsupportedOperation):
		return "ENOTTY"
	case errors.Is(err, minorlog.ErrCopyIncomplete):
		return "EFAULT"
	case errors.Is(err, minorlog.ErrChannelClosed):
		return "ESHUTDOWN"
	}
	return "ERR"
}

func writeError(conn redcon.Conn, err error) {
	conn.WriteError(errorCode(err) + " " + errors.Cause(err).Error())
}

func wrongArgs(cmd redcon.Command, conn redcon.Conn) {
	conn.WriteError("ERR wrong number of arguments for '" + string(cmd.Args[0]) + "' command")
}

func badFD(conn redcon.Conn, arg []byte) {
	conn.WriteError("EBADF bad file descriptor '" + string(arg) + "'")
}

func sessionOf(conn redcon.Conn) *session {
	sess, _ := conn.Context().(*session)
	return sess
}

func (s *server) handleOpen(cmd redcon.Command, conn redcon.Conn) {
	if len(cmd.Args) != 3 {
		wrongArgs(cmd, conn)
		return
	}
	sess := sessionOf(conn)

	minor, err := strconv.Atoi(string(cmd.Args[1]))
	if err != nil {
		conn.WriteError("EINVAL invalid minor '" + string(cmd.Args[1]) + "'")
		return
	}
	mode, ok := minorlog.ParseAccessMode(string(cmd.Args[2]))
	if ok != true {
		conn.WriteError("EINVAL invalid mode '" + string(cmd.Args[2]) + "'")
		return
	}

	f, err := s.ch.Open(minor, mode, minorlog.FileIdentity(sess.currentIdentity))
	s.metrics.command("open", err)
	if err != nil {
		writeError(conn, err)
		return
	}

	fd := sess.nextFD
	sess.nextFD += 1
	sess.files[fd] = f

	sess.logger.WithFields(log.Fields{
		"fd":    fd,
		"minor": minor,
		"mode":  mode.String(),
	}).Debug("opened")
	conn.WriteInt(fd)
}

func (s *server) handleRead(cmd redcon.Command, conn redcon.Conn) {
	if len(cmd.Args) != 3 {
		wrongArgs(cmd, conn)
		return
	}
	sess := sessionOf(conn)

	_, f, ok := sess.file(cmd.Args[1])
	if ok != true {
		badFD(conn, cmd.Args[1])
		return
	}
	size, err := strconv.Atoi(string(cmd.Args[2]))
	if err != nil || size < 0 {
		conn.WriteError("EINVAL invalid count '" + string(cmd.Args[2]) + "'")
		return
	}
	if s.readLimit < size {
		size = s.readLimit
	}

	p := make([]byte, size)
	n, err := f.Read(p)
	if err == io.EOF {
		s.metrics.command("read", nil)
		conn.WriteNull()
		return
	}
	s.metrics.command("read", err)
	if err != nil {
		writeError(conn, err)
		return
	}
	s.metrics.payload.WithLabelValues("read").Add(float64(n))
	conn.WriteBulk(p[:n])
}

// waitLimit reserves n bytes in steps of at most the limiter burst,
// so payloads larger than the burst are delayed rather than refused
func waitLimit(ctx context.Context, lim *rate.Limiter, n int) error {
	if lim.Limit() == rate.Inf {
		return nil
	}
	for 0 < n {
		step := n
		if burst := lim.Burst(); burst < step {
			step = burst
		}
		if err := lim.WaitN(ctx, step); err != nil {
			return errors.WithStack(err)
		}
		n -= step
	}
	return nil
}

func (s *server) handleWrite(cmd redcon.Command, conn redcon.Conn) {
	if len(cmd.Args) != 3 {
		wrongArgs(cmd, conn)
		return
	}
	sess := sessionOf(conn)

	_, f, ok := sess.file(cmd.Args[1])
	if ok != true {
		badFD(conn, cmd.Args[1])
		return
	}

	payload := cmd.Args[2]
	if err := waitLimit(context.Background(), sess.limiter, len(payload)); err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}

	n, err := f.Write(payload)
	s.metrics.command("write", err)
	if err != nil {
		writeError(conn, err)
		return
	}
	s.metrics.payload.WithLabelValues("write").Add(float64(n))
	conn.WriteInt(n)
}

func (s *server) handleIoctl(cmd redcon.Command, conn redcon.Conn) {
	if len(cmd.Args) != 3 {
		wrongArgs(cmd, conn)
		return
	}
	sess := sessionOf(conn)

	_, f, ok := sess.file(cmd.Args[1])
	if ok != true {
		badFD(conn, cmd.Args[1])
		return
	}

	c, ok := minorlog.ParseControlCommand(string(cmd.Args[2]))
	if ok != true {
		// raw command numbers are passed through
		n, err := strconv.ParseUint(string(cmd.Args[2]), 10, 8)
		if err != nil {
			conn.WriteError("ENOTTY unknown control '" + string(cmd.Args[2]) + "'")
			return
		}
		c = minorlog.ControlCommand(n)
	}

	err := f.Ioctl(c)
	s.metrics.command("ioctl", err)
	if err != nil {
		writeError(conn, err)
		return
	}
	conn.WriteString("OK")
}

func (s *server) handleClose(cmd redcon.Command, conn redcon.Conn) {
	if len(cmd.Args) != 2 {
		wrongArgs(cmd, conn)
		return
	}
	sess := sessionOf(conn)

	fd, f, ok := sess.file(cmd.Args[1])
	if ok != true {
		badFD(conn, cmd.Args[1])
		return
	}
	delete(sess.files, fd)

	err := f.Close()
	s.metrics.command("close", err)
	if err != nil {
		writeError(conn, err)
		return
	}
	conn.WriteString("OK")
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func (s *server) handleStats(cmd redcon.Command, conn redcon.Conn) {
	switch len(cmd.Args) {
	case 1:
		stats := s.ch.Registry().Stats()
		conn.WriteArray(3)
		conn.WriteInt(stats.Buffers)
		conn.WriteInt(stats.Written)
		conn.WriteInt(stats.Capacity)
	case 2:
		minor, err := strconv.Atoi(string(cmd.Args[1]))
		if err != nil {
			conn.WriteError("EINVAL invalid minor '" + string(cmd.Args[1]) + "'")
			return
		}
		b, ok := s.ch.Registry().Lookup(minor)
		if ok != true {
			conn.WriteNull()
			return
		}
		stats := b.Stats()
		conn.WriteArray(7)
		conn.WriteInt(stats.Minor)
		conn.WriteInt(stats.ReadCursor)
		conn.WriteInt(stats.WriteCursor)
		conn.WriteInt(stats.Capacity)
		conn.WriteInt(boolInt(stats.Open))
		conn.WriteInt(boolInt(stats.Readable))
		conn.WriteInt(boolInt(stats.Writable))
	default:
		wrongArgs(cmd, conn)
	}
}

func (s *server) handleMinors(cmd redcon.Command, conn redcon.Conn) {
	if len(cmd.Args) != 1 {
		wrongArgs(cmd, conn)
		return
	}

	minors := s.ch.Registry().Minors()
	conn.WriteArray(len(minors))
	for _, minor := range minors {
		conn.WriteInt(minor)
	}
}

func (s *server) handleIdent(cmd redcon.Command, conn redcon.Conn) {
	if len(cmd.Args) != 2 {
		wrongArgs(cmd, conn)
		return
	}
	sess := sessionOf(conn)

	identity, err := strconv.Atoi(string(cmd.Args[1]))
	if err != nil || identity < 1 {
		conn.WriteError("EINVAL invalid identity '" + string(cmd.Args[1]) + "'")
		return
	}
	sess.identity = identity
	conn.WriteString("OK")
}

func (s *server) handle(conn redcon.Conn, cmd redcon.Command) {
	switch strings.ToLower(string(cmd.Args[0])) {
	case "ping":
		conn.WriteString("PONG")
	case "quit":
		conn.WriteString("OK")
		conn.Close()
	case "open":
		s.handleOpen(cmd, conn)
	case "read":
		s.handleRead(cmd, conn)
	case "write":
		s.handleWrite(cmd, conn)
	case "ioctl":
		s.handleIoctl(cmd, conn)
	case "close":
		s.handleClose(cmd, conn)
	case "stats":
		s.handleStats(cmd, conn)
	case "minors":
		s.handleMinors(cmd, conn)
	case "ident":
		s.handleIdent(cmd, conn)
	default:
		conn.WriteError("ERR unknown command '" + string(cmd.Args[0]) + "'")
	}
}

func (s *server) accept(conn redcon.Conn) bool {
	sess := s.newSession(conn)
	conn.SetContext(sess)
	s.metrics.connections.Inc()
	sess.logger.WithField("identity", sess.identity).Debug("connected")
	return true
}

// closed releases the flags of every file the connection left open
func (s *server) closed(conn redcon.Conn, err error) {
	s.metrics.connections.Dec()
	sess := sessionOf(conn)
	if sess == nil {
		return
	}
	sess.closeAll()
	sess.logger.Debug("disconnected")
}

func (s *server) Shutdown() (err error) {
	err = s.ch.Close()
	return
}

func (s *server) Run() error {
	redServer := redcon.NewServerNetwork("tcp", s.bind, s.handle, s.accept, s.closed)

	var metricsServer *http.Server
	if s.metricsBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.handler())
		metricsServer = &http.Server{Addr: s.metricsBind, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.WithError(err).Error("metrics server")
			}
		}()
	}

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
		sig := <-signals
		s.logger.Infof("Shutdown server on signal %s", sig)
		if metricsServer != nil {
			metricsServer.Close()
		}
		redServer.Close()
	}()

	if err := redServer.ListenAndServe(); err != nil {
		s.Shutdown()
		return errors.WithStack(err)
	}
	return s.Shutdown()
}
