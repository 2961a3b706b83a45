package repli

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/octu0/minorlog/runtime"
)

const (
	SubjectMinors   string = "minors"
	SubjectSnapshot string = "snapshot"
	SubjectRepli    string = "repli"
)

const (
	defaultMaxPayload       int32         = 8 * 1024 * 1024
	defaultRequestTimeout   time.Duration = 10 * time.Second
	reservedSnapshotSpace   int           = 4 * 1024
	maxSnapshotFetchRetries int           = 3
)

var (
	_ Emitter  = (*streamEmitter)(nil)
	_ Receiver = (*streamReceiver)(nil)
)

var (
	errSnapshotChanged = errors.New("snapshot changed while fetching")
)

type (
	RequestMinors struct {
	}
	ResponseMinors struct {
		Minors []int
		Err    string
	}
)

type (
	RequestSnapshot struct {
		Minor  int
		Offset int
	}
	ResponseSnapshot struct {
		Found       bool
		Seq         uint64
		Capacity    int
		ReadCursor  int
		WriteCursor int
		Offset      int
		Data        []byte
		Err         string
	}
)

type RepliType uint8

const (
	RepliCreate RepliType = iota
	RepliAppend
	RepliControl
)

type RepliData struct {
	Type    RepliType
	Minor   int
	Seq     uint64
	Frame   []byte
	Command uint8
}

type streamEmitter struct {
	mutex       *sync.RWMutex
	ctx         runtime.Context
	logger      logrus.FieldLogger
	maxPayload  int32
	emitApplyCh chan RepliData
	done        chan struct{}
	closed      bool
	src         Source
	server      *server.Server
	emitConn    *nats.Conn
	replyConn   *nats.Conn
	subs        []*nats.Subscription
}

func (e *streamEmitter) emitLoop(done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case data := <-e.emitApplyCh:
			e.publish(data)
		}
	}
}

func (e *streamEmitter) publish(data RepliData) {
	bufPool := e.ctx.Buffer().ScratchPool()
	out := bufPool.Get()
	defer bufPool.Put(out)

	out.Reset()
	if err := gob.NewEncoder(out).Encode(data); err != nil {
		e.logger.WithError(err).Error("encode repli data")
		return
	}
	if err := e.emitConn.Publish(SubjectRepli, out.Bytes()); err != nil {
		e.logger.WithError(err).WithField("minor", data.Minor).Error("publish repli data")
		return
	}
	e.emitConn.Flush()
}

func (e *streamEmitter) reconnectEmitter(conn *nats.Conn) {
	e.logger.Warnf("reconnected emitter: %s", conn.ConnectedUrl())
}

func (e *streamEmitter) reconnectReply(conn *nats.Conn) {
	e.logger.Warnf("reconnected replier: %s", conn.ConnectedUrl())
}

func (e *streamEmitter) Start(src Source, bindIP string, bindPort int) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.closed {
		// maybe restart
		e.done = make(chan struct{})
	}

	opt := &server.Options{
		Host:            bindIP,
		Port:            bindPort,
		ClientAdvertise: bindIP,
		HTTPPort:        -1,
		Cluster:         server.ClusterOpts{Port: -1},
		NoLog:           true,
		NoSigs:          true,
		Debug:           false,
		Trace:           false,
		MaxPayload:      e.maxPayload,
		PingInterval:    60 * time.Second,
		MaxPingsOut:     120,
		WriteDeadline:   10 * time.Second,
	}
	svr := server.New(opt)
	go svr.Start()

	if svr.ReadyForConnections(5*time.Second) != true {
		svr.Shutdown()
		return errors.Errorf("error: unable to start server(%s:%d)", opt.Host, opt.Port)
	}

	natsUrl := fmt.Sprintf("nats://%s", svr.Addr().String())
	emitConn, err := conn(natsUrl, "emitter", e.reconnectEmitter)
	if err != nil {
		svr.Shutdown()
		return errors.Wrapf(err, "nats emitter connect: %s", natsUrl)
	}

	replyConn, err := conn(natsUrl, "reply", e.reconnectReply)
	if err != nil {
		emitConn.Close()
		svr.Shutdown()
		return errors.Wrapf(err, "nats reply connect: %s", natsUrl)
	}

	subMinors, err := replyConn.Subscribe(SubjectMinors, e.replyMinors(replyConn, src))
	if err != nil {
		return errors.Wrapf(err, "failed reply subj %s", SubjectMinors)
	}
	subSnapshot, err := replyConn.Subscribe(SubjectSnapshot, e.replySnapshot(replyConn, src))
	if err != nil {
		return errors.Wrapf(err, "failed reply subj %s", SubjectSnapshot)
	}

	emitConn.Flush()
	replyConn.Flush()

	e.src = src
	e.server = svr
	e.emitConn = emitConn
	e.replyConn = replyConn
	e.subs = []*nats.Subscription{
		subMinors,
		subSnapshot,
	}
	e.closed = false

	go e.emitLoop(e.done)
	return nil
}

// Addr returns the address the embedded server listens on, nil before Start
func (e *streamEmitter) Addr() string {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	if e.server == nil {
		return ""
	}
	return e.server.Addr().String()
}

func (e *streamEmitter) Stop() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.closed {
		return nil
	}

	for _, sub := range e.subs {
		sub.Unsubscribe()
	}
	if e.replyConn != nil {
		e.replyConn.Flush()
		e.replyConn.Close()
	}
	close(e.done)

	// publish what was emitted before Stop
	for drained := false; drained != true; {
		select {
		case data := <-e.emitApplyCh:
			e.publish(data)
		default:
			drained = true
		}
	}
	if e.emitConn != nil {
		e.emitConn.Flush()
		e.emitConn.Close()
	}

	if e.server != nil {
		e.server.Shutdown()
	}
	e.closed = true
	return nil
}

func (e *streamEmitter) emit(data RepliData) error {
	e.mutex.RLock()
	src := e.src
	closed := e.closed
	e.mutex.RUnlock()

	if src == nil {
		return errors.Errorf("maybe not Start")
	}
	if closed {
		// drop when closed, followers resync from snapshots on restart
		return nil
	}

	// callers hold the buffer lock, so a full emitApplyCh stalls writers of
	// that minor until emitLoop drains it
	e.emitApplyCh <- data
	return nil
}

func (e *streamEmitter) EmitCreate(minor int) error {
	return e.emit(RepliData{Type: RepliCreate, Minor: minor})
}

func (e *streamEmitter) EmitAppend(minor int, seq uint64, frame []byte) error {
	data := make([]byte, len(frame))
	copy(data, frame)
	return e.emit(RepliData{Type: RepliAppend, Minor: minor, Seq: seq, Frame: data})
}

func (e *streamEmitter) EmitControl(minor int, seq uint64, cmd uint8) error {
	return e.emit(RepliData{Type: RepliControl, Minor: minor, Seq: seq, Command: cmd})
}

func (e *streamEmitter) publishReply(conn *nats.Conn, subj string, res interface{}) {
	pool := e.ctx.Buffer().ScratchPool()
	buf := pool.Get()
	defer pool.Put(buf)

	buf.Reset()
	if err := gob.NewEncoder(buf).Encode(res); err != nil {
		e.logger.WithError(err).Error("encode reply")
		return
	}
	if err := conn.Publish(subj, buf.Bytes()); err != nil {
		e.logger.WithError(err).Errorf("publish %s", subj)
		return
	}
	conn.Flush()
}

func (e *streamEmitter) replyMinors(conn *nats.Conn, src Source) nats.MsgHandler {
	return func(msg *nats.Msg) {
		req := RequestMinors{}
		if err := gob.NewDecoder(bytes.NewReader(msg.Data)).Decode(&req); err != nil {
			e.publishReply(conn, msg.Reply, ResponseMinors{
				Minors: nil,
				Err:    err.Error(),
			})
			return
		}

		e.publishReply(conn, msg.Reply, ResponseMinors{
			Minors: src.Minors(),
			Err:    "",
		})
	}
}

func (e *streamEmitter) replySnapshot(conn *nats.Conn, src Source) nats.MsgHandler {
	chunkSize := int(e.maxPayload) - reservedSnapshotSpace

	return func(msg *nats.Msg) {
		req := RequestSnapshot{}
		if err := gob.NewDecoder(bytes.NewReader(msg.Data)).Decode(&req); err != nil {
			e.publishReply(conn, msg.Reply, ResponseSnapshot{Err: err.Error()})
			return
		}

		s, found := src.Snapshot(req.Minor)
		if found != true {
			e.publishReply(conn, msg.Reply, ResponseSnapshot{Found: false})
			return
		}
		if req.Offset < 0 || len(s.Data) < req.Offset {
			e.publishReply(conn, msg.Reply, ResponseSnapshot{
				Err: fmt.Sprintf("offset %d out of range %d", req.Offset, len(s.Data)),
			})
			return
		}

		end := req.Offset + chunkSize
		if len(s.Data) < end {
			end = len(s.Data)
		}
		e.publishReply(conn, msg.Reply, ResponseSnapshot{
			Found:       true,
			Seq:         s.Seq,
			Capacity:    s.Capacity,
			ReadCursor:  s.ReadCursor,
			WriteCursor: s.WriteCursor,
			Offset:      req.Offset,
			Data:        s.Data[req.Offset:end],
			Err:         "",
		})
	}
}

func NewStreamEmitter(ctx runtime.Context, logger logrus.FieldLogger, maxPayload int32) *streamEmitter {
	if ctx == nil {
		ctx = runtime.DefaultContext()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if maxPayload < 1 || int(maxPayload) <= reservedSnapshotSpace {
		maxPayload = defaultMaxPayload
	}
	return &streamEmitter{
		mutex:       new(sync.RWMutex),
		ctx:         ctx,
		logger:      logger,
		maxPayload:  maxPayload,
		emitApplyCh: make(chan RepliData, 1024),
		done:        make(chan struct{}),
		closed:      false,
		src:         nil,
		server:      nil,
		emitConn:    nil,
		replyConn:   nil,
		subs:        nil,
	}
}

type streamReceiver struct {
	mutex          *sync.Mutex
	ctx            runtime.Context
	logger         logrus.FieldLogger
	requestTimeout time.Duration
	doneBehind     bool
	pending        []RepliData
	dst            Destination
	client         *nats.Conn
	subs           []*nats.Subscription
}

func (r *streamReceiver) reconnect(conn *nats.Conn) {
	r.logger.Infof("reconnected: %s", conn.ConnectedUrl())

	r.mutex.Lock()
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}
	r.subs = nil
	r.doneBehind = false
	dst := r.dst
	r.mutex.Unlock()

	if err := r.recvStart(dst, conn); err != nil {
		r.logger.WithError(err).Error("reconnect recvStart() failure")
	}
}

func (r *streamReceiver) Start(dst Destination, serverIP string, serverPort int) error {
	natsUrl := fmt.Sprintf("nats://%s:%d", serverIP, serverPort)
	client, err := conn(natsUrl, "client", r.reconnect)
	if err != nil {
		return errors.Wrapf(err, "nats client connect: %s", natsUrl)
	}

	r.mutex.Lock()
	r.dst = dst
	r.client = client
	r.mutex.Unlock()

	if err := r.recvStart(dst, client); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

func (r *streamReceiver) recvStart(dst Destination, conn *nats.Conn) error {
	subRepli, err := conn.Subscribe(SubjectRepli, r.recvRepliData(dst))
	if err != nil {
		return errors.Wrapf(err, "failed to subscribe %s", SubjectRepli)
	}
	conn.Flush()

	r.mutex.Lock()
	r.subs = []*nats.Subscription{
		subRepli,
	}
	r.mutex.Unlock()

	if err := r.requestBehindData(conn, dst); err != nil {
		return errors.Wrap(err, "failed to get behind requests")
	}
	return nil
}

func (r *streamReceiver) Stop() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, sub := range r.subs {
		sub.Unsubscribe()
	}
	r.subs = nil
	if r.client != nil {
		r.client.Drain()
		r.client.Close()
		r.client = nil
	}
	r.doneBehind = false
	r.pending = nil
	return nil
}

func (r *streamReceiver) request(conn *nats.Conn, subj string, req interface{}, res interface{}) error {
	bufPool := r.ctx.Buffer().ScratchPool()
	out := bufPool.Get()
	defer bufPool.Put(out)

	out.Reset()
	if err := gob.NewEncoder(out).Encode(req); err != nil {
		return errors.WithStack(err)
	}

	msg, err := conn.Request(subj, out.Bytes(), r.requestTimeout)
	if err != nil {
		return errors.Wrapf(err, "request %s", subj)
	}
	if err := gob.NewDecoder(bytes.NewReader(msg.Data)).Decode(res); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

func (r *streamReceiver) reqMinors(conn *nats.Conn) ([]int, error) {
	res := ResponseMinors{}
	if err := r.request(conn, SubjectMinors, RequestMinors{}, &res); err != nil {
		return nil, errors.WithStack(err)
	}
	if res.Err != "" {
		return nil, errors.New(res.Err)
	}
	return res.Minors, nil
}

func (r *streamReceiver) reqSnapshotOnce(conn *nats.Conn, minor int) (Snapshot, bool, error) {
	snapshot := Snapshot{Minor: minor}
	data := bytes.NewBuffer(nil)
	for {
		res := ResponseSnapshot{}
		if err := r.request(conn, SubjectSnapshot, RequestSnapshot{Minor: minor, Offset: data.Len()}, &res); err != nil {
			return Snapshot{}, false, errors.WithStack(err)
		}
		if res.Err != "" {
			return Snapshot{}, false, errors.New(res.Err)
		}
		if res.Found != true {
			return Snapshot{}, false, nil
		}
		if data.Len() == 0 {
			snapshot.Seq = res.Seq
			snapshot.Capacity = res.Capacity
			snapshot.ReadCursor = res.ReadCursor
			snapshot.WriteCursor = res.WriteCursor
		} else if snapshot.Seq != res.Seq {
			return Snapshot{}, false, errors.WithStack(errSnapshotChanged)
		}

		data.Write(res.Data)
		if snapshot.WriteCursor <= data.Len() || len(res.Data) == 0 {
			break
		}
	}
	snapshot.Data = data.Bytes()
	return snapshot, true, nil
}

func (r *streamReceiver) reqSnapshot(conn *nats.Conn, minor int) (Snapshot, bool, error) {
	var lastErr error
	for i := 0; i < maxSnapshotFetchRetries; i += 1 {
		s, found, err := r.reqSnapshotOnce(conn, minor)
		if err == nil {
			return s, found, nil
		}
		if errors.Is(err, errSnapshotChanged) != true {
			return Snapshot{}, false, errors.WithStack(err)
		}
		lastErr = err
	}
	return Snapshot{}, false, errors.Wrapf(lastErr, "minor=%d", minor)
}

func (r *streamReceiver) requestBehindData(conn *nats.Conn, dst Destination) error {
	minors, err := r.reqMinors(conn)
	if err != nil {
		return errors.Wrap(err, "failed request minors")
	}

	for _, minor := range minors {
		s, found, err := r.reqSnapshot(conn, minor)
		if err != nil {
			return errors.Wrapf(err, "failed request snapshot: minor=%d", minor)
		}
		if found != true {
			continue
		}
		if err := dst.Restore(s); err != nil {
			return errors.Wrapf(err, "failed restore: minor=%d", minor)
		}
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, data := range r.pending {
		if err := r.takeRepliData(dst, data); err != nil {
			r.logger.WithError(err).WithField("minor", data.Minor).Error("take pending repli data")
		}
	}
	r.pending = nil
	r.doneBehind = true
	return nil
}

func (r *streamReceiver) takeRepliData(dst Destination, data RepliData) error {
	switch data.Type {
	case RepliCreate:
		return dst.Create(data.Minor)
	case RepliAppend:
		return dst.Append(data.Minor, data.Seq, data.Frame)
	case RepliControl:
		return dst.Control(data.Minor, data.Seq, data.Command)
	}
	r.logger.Warnf("unknown repli.type = %v %+v", data.Type, data)
	return nil
}

func (r *streamReceiver) recvRepliData(dst Destination) nats.MsgHandler {
	return func(msg *nats.Msg) {
		data := RepliData{}
		if err := gob.NewDecoder(bytes.NewReader(msg.Data)).Decode(&data); err != nil {
			r.logger.WithError(err).Error("decode repli data")
			return
		}

		r.mutex.Lock()
		defer r.mutex.Unlock()

		if r.doneBehind != true {
			r.pending = append(r.pending, data)
			return
		}
		if err := r.takeRepliData(dst, data); err != nil {
			r.logger.WithError(err).WithField("minor", data.Minor).Error("take repli data")
		}
	}
}

func NewStreamReceiver(ctx runtime.Context, logger logrus.FieldLogger, rto time.Duration) *streamReceiver {
	if ctx == nil {
		ctx = runtime.DefaultContext()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if rto < 1 {
		rto = defaultRequestTimeout
	}
	return &streamReceiver{
		mutex:          new(sync.Mutex),
		ctx:            ctx,
		logger:         logger,
		requestTimeout: rto,
		doneBehind:     false,
		pending:        nil,
		dst:            nil,
		client:         nil,
		subs:           nil,
	}
}

func conn(url string, name string, reconnect nats.ConnHandler) (*nats.Conn, error) {
	return nats.Connect(
		url,
		nats.NoEcho(),
		nats.DontRandomize(),
		nats.Name(name),
		nats.ReconnectJitter(100*time.Millisecond, 300*time.Millisecond),
		nats.ReconnectWait(100*time.Millisecond),
		nats.MaxReconnects(-1),
		nats.PingInterval(10*time.Second),
		nats.ReconnectHandler(reconnect),
	)
}
