package discord

import (
	"compress/zlib"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dg-devloper/mjopen-api-sub001/internal/logging"
	"github.com/dg-devloper/mjopen-api-sub001/internal/redis"
)

const (
	gatewayQuery        = "/?encoding=json&v=9&compress=zlib-stream"
	startLockTimeout    = time.Minute
	gracefulCloseWait   = 5 * time.Second
	loopJoinWait        = time.Second
	connectRetryDelay   = 5 * time.Second
	connectFailWindow   = 5 * time.Minute
	connectFailBudget   = 5
	handshakeTimeout    = 30 * time.Second
)

// LifecycleHooks is how the gateway reports upward without holding a
// reference back into the runtime.
type LifecycleHooks interface {
	// OnSocketSuccess fires exactly once per successful handshake.
	OnSocketSuccess(accountID string)
	// OnEvent delivers a decoded dispatch event.
	OnEvent(ev *Event)
	// OnDisabled fires when the reconnect budget is exhausted.
	OnDisabled(accountID, reason string)
}

type GatewayConfig struct {
	WSSURL       string // gateway base, e.g. wss://gateway.discord.gg
	ResumeWSSURL string // optional reverse-proxy override for resumes
}

// GatewayClient keeps one compressed websocket to the Discord gateway
// for one account and feeds decoded dispatch events to the hooks.
type GatewayClient struct {
	accountID string
	channelID string
	token     string
	userAgent string

	cfg   GatewayConfig
	hooks LifecycleHooks
	redis *redis.Client
	log   *slog.Logger

	// serializes Start; acquired with a one-minute timeout
	startSem chan struct{}

	connMu  sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn

	sessMu           sync.Mutex
	sessionID        string
	resumeGatewayURL string
	sequence         atomic.Int64

	heartbeatMs atomic.Int64
	lastMessage atomic.Int64 // unix ms of the last inbound frame
	latencyMs   atomic.Int64

	hbMu         sync.Mutex
	hbSendTimes  []time.Time
	hbAckPending bool
	hbCancel     context.CancelFunc
	hbDone       chan struct{}

	recvDone chan struct{}

	failMu       sync.Mutex
	connectFails []time.Time

	closing       atomic.Bool
	successMarked atomic.Bool
}

func NewGatewayClient(log *slog.Logger, redisClient *redis.Client, cfg GatewayConfig, hooks LifecycleHooks, accountID, channelID, token, userAgent string) *GatewayClient {
	return &GatewayClient{
		accountID: accountID,
		channelID: channelID,
		token:     token,
		userAgent: userAgent,
		cfg:       cfg,
		hooks:     hooks,
		redis:     redisClient,
		log:       log,
		startSem:  make(chan struct{}, 1),
	}
}

// Start opens the gateway connection. It is idempotent: a second call
// while a socket is open is a no-op. reconnect selects RESUME over
// IDENTIFY when a prior session is available.
func (gc *GatewayClient) Start(ctx context.Context, reconnect bool) error {
	select {
	case gc.startSem <- struct{}{}:
	case <-time.After(startLockTimeout):
		return errors.New("start already in progress")
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-gc.startSem }()

	gc.connMu.Lock()
	open := gc.conn != nil
	gc.connMu.Unlock()
	if open {
		return nil
	}
	gc.closing.Store(false)
	gc.successMarked.Store(false)

	gc.sessMu.Lock()
	sessionID := gc.sessionID
	resumeURL := gc.resumeGatewayURL
	gc.sessMu.Unlock()
	canResume := reconnect && sessionID != "" && gc.sequence.Load() > 0

	base := gc.cfg.WSSURL
	if canResume {
		if gc.cfg.ResumeWSSURL != "" {
			base = gc.cfg.ResumeWSSURL
		} else if resumeURL != "" {
			base = resumeURL
		}
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  handshakeTimeout,
		EnableCompression: true, // negotiates permessage-deflate; client_max_window_bits
	}
	headers := http.Header{}
	ua := gc.userAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	headers.Set("User-Agent", ua)
	headers.Set("Accept-Encoding", "gzip, deflate, br")
	headers.Set("Accept-Language", "en-US,en;q=0.9")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Pragma", "no-cache")

	conn, _, err := dialer.DialContext(ctx, base+gatewayQuery, headers)
	if err != nil {
		return fmt.Errorf("gateway dial: %w", err)
	}

	gc.connMu.Lock()
	gc.conn = conn
	gc.connMu.Unlock()
	gc.lastMessage.Store(time.Now().UnixMilli())

	if canResume {
		err = gc.writeJSON(map[string]any{
			"op": OpResume,
			"d": map[string]any{
				"token":      gc.token,
				"session_id": sessionID,
				"seq":        gc.sequence.Load(),
			},
		})
	} else {
		err = gc.writeJSON(map[string]any{
			"op": OpIdentify,
			"d":  NewAuthData(gc.token, ua),
		})
	}
	if err != nil {
		gc.dropConn()
		return fmt.Errorf("gateway auth send: %w", err)
	}

	gc.recvDone = make(chan struct{})
	pr, pw := io.Pipe()
	go gc.inflateLoop(pr)
	go gc.receiveLoop(conn, pw)

	gc.log.Info("gateway_started",
		"account_id", gc.accountID,
		"channel_id", gc.channelID,
		"token", logging.MaskToken(gc.token),
		"resume", canResume,
	)
	return nil
}

// receiveLoop reads raw frames. Binary frames belong to the shared zlib
// stream and are piped into the inflater; text frames are parsed as-is.
func (gc *GatewayClient) receiveLoop(conn *websocket.Conn, pw *io.PipeWriter) {
	defer close(gc.recvDone)
	defer pw.Close()
	defer func() {
		if r := recover(); r != nil {
			gc.log.Error("panic_in_receive_loop", "account_id", gc.accountID, "panic", r)
		}
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if gc.closing.Load() {
				return
			}
			code := CloseException
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = ce.Code
			}
			gc.log.Warn("gateway_read_failed",
				"account_id", gc.accountID,
				"code", code,
				"error", err,
			)
			gc.handleFailure(code, err.Error())
			return
		}

		switch mt {
		case websocket.BinaryMessage:
			if _, err := pw.Write(data); err != nil {
				return
			}
		case websocket.TextMessage:
			var msg GatewayMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				gc.log.Debug("gateway_frame_malformed", "account_id", gc.accountID, "error", err)
				continue
			}
			gc.handleMessage(&msg)
		}
	}
}

// inflateLoop decodes the continuous zlib stream. zlib.NewReader eats
// the two-byte stream header itself; each gateway frame ends on a sync
// flush so the JSON decoder always sees whole documents.
func (gc *GatewayClient) inflateLoop(pr *io.PipeReader) {
	defer pr.Close()

	zr, err := zlib.NewReader(pr)
	if err != nil {
		if !gc.closing.Load() {
			gc.log.Warn("gateway_inflate_init_failed", "account_id", gc.accountID, "error", err)
			gc.handleFailure(CloseException, "zlib init: "+err.Error())
		}
		return
	}
	defer zr.Close()

	dec := json.NewDecoder(zr)
	for {
		var msg GatewayMessage
		if err := dec.Decode(&msg); err != nil {
			if gc.closing.Load() || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return
			}
			gc.log.Warn("gateway_inflate_failed", "account_id", gc.accountID, "error", err)
			gc.handleFailure(CloseException, "decompress: "+err.Error())
			return
		}
		gc.handleMessage(&msg)
	}
}

func (gc *GatewayClient) handleMessage(msg *GatewayMessage) {
	if msg.S != nil {
		gc.sequence.Store(*msg.S)
	}
	gc.lastMessage.Store(time.Now().UnixMilli())

	switch msg.Op {
	case OpDispatch:
		gc.handleDispatch(msg)
	case OpHeartbeat:
		gc.sendHeartbeat()
	case OpReconnect:
		gc.log.Info("gateway_reconnect_requested", "account_id", gc.accountID)
		gc.handleFailure(CloseReconnect, "server requested reconnect")
	case OpInvalidSess:
		gc.log.Warn("gateway_invalid_session", "account_id", gc.accountID)
		gc.sessMu.Lock()
		gc.sessionID = ""
		gc.resumeGatewayURL = ""
		gc.sessMu.Unlock()
		gc.sequence.Store(0)
		gc.handleFailure(CloseSessionFloor, "invalid session")
	case OpHello:
		var hello HelloData
		if err := json.Unmarshal(msg.D, &hello); err != nil {
			gc.log.Warn("gateway_hello_malformed", "account_id", gc.accountID, "error", err)
			return
		}
		gc.heartbeatMs.Store(hello.HeartbeatInterval)
		gc.startHeartbeat(time.Duration(hello.HeartbeatInterval) * time.Millisecond)
	case OpHeartbeatAck:
		gc.handleHeartbeatAck()
	default:
		gc.log.Debug("gateway_unknown_opcode", "account_id", gc.accountID, "opcode", msg.Op)
	}
}

func (gc *GatewayClient) handleDispatch(msg *GatewayMessage) {
	switch msg.T {
	case EventReady:
		var ready ReadyData
		if err := json.Unmarshal(msg.D, &ready); err != nil {
			gc.log.Warn("gateway_ready_malformed", "account_id", gc.accountID, "error", err)
			return
		}
		gc.sessMu.Lock()
		gc.sessionID = ready.SessionID
		gc.resumeGatewayURL = ready.ResumeGatewayURL
		gc.sessMu.Unlock()
		gc.markSocketSuccess()
		gc.log.Info("gateway_ready",
			"account_id", gc.accountID,
			"session_id", ready.SessionID,
			"user_id", ready.User.ID,
		)
	case EventResumed:
		gc.markSocketSuccess()
		gc.log.Info("gateway_resumed", "account_id", gc.accountID, "seq", gc.sequence.Load())
	default:
		gc.hooks.OnEvent(&Event{
			AccountID: gc.accountID,
			ChannelID: gc.channelID,
			Type:      msg.T,
			Raw:       msg.D,
		})
	}
}

// markSocketSuccess emits the success signal once per handshake and
// clears the failure window.
func (gc *GatewayClient) markSocketSuccess() {
	if !gc.successMarked.CompareAndSwap(false, true) {
		return
	}
	gc.failMu.Lock()
	gc.connectFails = nil
	gc.failMu.Unlock()
	gc.hooks.OnSocketSuccess(gc.accountID)
}

func (gc *GatewayClient) startHeartbeat(interval time.Duration) {
	gc.hbMu.Lock()
	if gc.hbCancel != nil {
		gc.hbCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	gc.hbCancel = cancel
	gc.hbDone = make(chan struct{})
	gc.hbSendTimes = nil
	gc.hbAckPending = false
	done := gc.hbDone
	gc.hbMu.Unlock()

	go gc.heartbeatLoop(ctx, interval, done)
}

func (gc *GatewayClient) heartbeatLoop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	for {
		gc.hbMu.Lock()
		stale := gc.hbAckPending &&
			time.Since(time.UnixMilli(gc.lastMessage.Load())) > interval
		gc.hbMu.Unlock()

		if stale {
			gc.log.Warn("gateway_heartbeat_ack_missed", "account_id", gc.accountID)
			gc.handleFailure(CloseReconnect, "heartbeat ack missed")
			return
		}

		gc.sendHeartbeat()

		// jittered pacing, net of the last observed latency
		sleep := time.Duration(float64(interval) * (0.9 + rand.Float64()*0.1))
		sleep -= time.Duration(gc.latencyMs.Load()) * time.Millisecond
		if sleep < 0 {
			sleep = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

func (gc *GatewayClient) sendHeartbeat() {
	var seq any
	if s := gc.sequence.Load(); s > 0 {
		seq = s
	}

	gc.hbMu.Lock()
	gc.hbSendTimes = append(gc.hbSendTimes, time.Now())
	gc.hbAckPending = true
	gc.hbMu.Unlock()

	if err := gc.writeJSON(map[string]any{"op": OpHeartbeat, "d": seq}); err != nil {
		gc.log.Debug("gateway_heartbeat_send_failed", "account_id", gc.accountID, "error", err)
	}
}

func (gc *GatewayClient) handleHeartbeatAck() {
	gc.hbMu.Lock()
	defer gc.hbMu.Unlock()
	if len(gc.hbSendTimes) == 0 {
		return
	}
	sent := gc.hbSendTimes[0]
	gc.hbSendTimes = gc.hbSendTimes[1:]
	gc.hbAckPending = false
	gc.latencyMs.Store(time.Since(sent).Milliseconds())
}

// Latency is the last heartbeat round trip.
func (gc *GatewayClient) Latency() time.Duration {
	return time.Duration(gc.latencyMs.Load()) * time.Millisecond
}

func (gc *GatewayClient) writeJSON(v any) error {
	gc.connMu.Lock()
	conn := gc.conn
	gc.connMu.Unlock()
	if conn == nil {
		return errors.New("gateway not connected")
	}
	gc.writeMu.Lock()
	defer gc.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// handleFailure is the single funnel for socket failures. 2001 marks a
// resumable drop, 1011 an internal exception; close codes at or above
// 4000 invalidate the session.
func (gc *GatewayClient) handleFailure(code int, reason string) {
	if gc.closing.Load() {
		return
	}
	gc.teardown(code)

	resume := code == CloseReconnect
	if code >= CloseSessionFloor || code == CloseException {
		resume = false
	}
	go gc.reconnect(resume)
}

// teardown stops the heartbeat, closes the socket (4000 for resumable
// drops so the server keeps the session) and joins both loops briefly.
func (gc *GatewayClient) teardown(code int) {
	gc.hbMu.Lock()
	if gc.hbCancel != nil {
		gc.hbCancel()
		gc.hbCancel = nil
	}
	hbDone := gc.hbDone
	gc.hbMu.Unlock()

	gc.connMu.Lock()
	conn := gc.conn
	gc.conn = nil
	gc.connMu.Unlock()

	if conn != nil {
		closeCode := websocket.CloseNormalClosure
		if code == CloseReconnect {
			closeCode = CloseResumeHint
		}
		msg := websocket.FormatCloseMessage(closeCode, "")
		gc.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(gracefulCloseWait))
		gc.writeMu.Unlock()
		_ = conn.Close()
	}

	waitDone(gc.recvDone, loopJoinWait)
	waitDone(hbDone, loopJoinWait)
}

// dropConn discards a socket that never finished its handshake. The
// read loops are not running yet, so unlike teardown there is nothing
// to join.
func (gc *GatewayClient) dropConn() {
	gc.connMu.Lock()
	conn := gc.conn
	gc.conn = nil
	gc.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func waitDone(done chan struct{}, limit time.Duration) {
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(limit):
	}
}

func (gc *GatewayClient) reconnect(resume bool) {
	if resume {
		ctx, cancel := context.WithTimeout(context.Background(), startLockTimeout)
		err := gc.Start(ctx, true)
		cancel()
		if err == nil {
			return
		}
		gc.log.Warn("gateway_resume_failed", "account_id", gc.accountID, "error", err)
	}
	gc.newConnect()
}

// newConnect runs fresh IDENTIFY attempts serialized by a process lock,
// 5 s apart, and disables the account when the failure budget for the
// sliding window is blown.
func (gc *GatewayClient) newConnect() {
	lockKey := "mj:gateway:connect:" + gc.accountID
	lockCtx, lockCancel := context.WithTimeout(context.Background(), 10*time.Second)
	for {
		ok, err := gc.redis.TryLock(lockCtx, lockKey, startLockTimeout)
		if err != nil || ok {
			break
		}
		select {
		case <-lockCtx.Done():
			lockCancel()
			return
		case <-time.After(time.Second):
		}
	}
	lockCancel()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = gc.redis.Unlock(ctx, lockKey)
		cancel()
	}()

	for {
		if gc.closing.Load() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), startLockTimeout)
		err := gc.Start(ctx, false)
		cancel()
		if err == nil {
			return
		}

		gc.log.Warn("gateway_connect_failed", "account_id", gc.accountID, "error", err)
		if gc.recordConnectFailure() {
			reason := fmt.Sprintf("connection closed: repeated gateway failures (%s)", err)
			gc.log.Error("gateway_connect_budget_exhausted", "account_id", gc.accountID)
			gc.hooks.OnDisabled(gc.accountID, reason)
			return
		}
		time.Sleep(connectRetryDelay)
	}
}

// recordConnectFailure returns true once more than the budgeted number
// of failures land inside the sliding window.
func (gc *GatewayClient) recordConnectFailure() bool {
	gc.failMu.Lock()
	defer gc.failMu.Unlock()

	now := time.Now()
	keep := gc.connectFails[:0]
	for _, ts := range gc.connectFails {
		if now.Sub(ts) <= connectFailWindow {
			keep = append(keep, ts)
		}
	}
	gc.connectFails = append(keep, now)
	return len(gc.connectFails) > connectFailBudget
}

// Close shuts the client down for good; no reconnect follows.
func (gc *GatewayClient) Close() {
	if !gc.closing.CompareAndSwap(false, true) {
		return
	}
	gc.teardown(websocket.CloseNormalClosure)
	gc.log.Info("gateway_closed", "account_id", gc.accountID)
}

// Connected reports whether a socket is currently open.
func (gc *GatewayClient) Connected() bool {
	gc.connMu.Lock()
	defer gc.connMu.Unlock()
	return gc.conn != nil
}

// Session exposes the resume coordinates for inspection.
func (gc *GatewayClient) Session() (sessionID, resumeURL string, seq int64) {
	gc.sessMu.Lock()
	defer gc.sessMu.Unlock()
	return gc.sessionID, gc.resumeGatewayURL, gc.sequence.Load()
}
