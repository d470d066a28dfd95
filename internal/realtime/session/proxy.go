// Package session implements the realtime duplex audio/transcript proxy
// (spec §4.5: "handler proxies the duplex connection"): once
// realtime.Router has allocated a worker, Proxy dials that worker's own
// WebSocket endpoint and relays frames between it and the already-
// upgraded client connection until either side closes. Request parsing,
// authentication, and PII/retention configuration are the external
// gateway's job (spec §1 Non-goals) and happen before Handle is called;
// Proxy owns only the allocate → relay → release lifecycle.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/r3e-network/scribeflow/infrastructure/logging"
	"github.com/r3e-network/scribeflow/internal/domain"
	"github.com/r3e-network/scribeflow/internal/realtime"
)

// transcriptFrame is the minimal shape a realtime worker's outbound JSON
// frames are expected to carry; Proxy inspects only "type" and "words" to
// accumulate SessionStats, and forwards every frame byte-for-byte
// regardless of whether it parses.
type transcriptFrame struct {
	Type  string `json:"type"`
	Words int    `json:"words"`
}

// Proxy relays one realtime session's duplex WebSocket traffic.
type Proxy struct {
	router   *realtime.Router
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	log      *logging.Logger
}

// New constructs a Proxy. bufferSize sizes the upgrader's read/write
// buffers; 0 selects gorilla/websocket's own default.
func New(router *realtime.Router, bufferSize int, log *logging.Logger) *Proxy {
	return &Proxy{
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  bufferSize,
			WriteBufferSize: bufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		dialer: websocket.DefaultDialer,
		log:    log,
	}
}

// Handle allocates a worker for req, upgrades w/r to a client WebSocket,
// dials the allocated worker's endpoint, relays frames until the session
// ends, and releases the allocation with the accumulated stats (spec
// §4.5). The caller must have already authenticated the request and
// built req from validated parameters.
func (p *Proxy) Handle(ctx context.Context, w http.ResponseWriter, r *http.Request, req realtime.AllocationRequest) error {
	alloc, err := p.router.Allocate(ctx, req)
	if err != nil {
		return fmt.Errorf("allocate realtime session: %w", err)
	}

	clientConn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade client connection: %w", err)
	}
	defer clientConn.Close()

	workerConn, _, err := p.dialer.DialContext(ctx, alloc.Endpoint, nil)
	if err != nil {
		if releaseErr := p.router.Release(ctx, alloc.SessionID, domain.SessionError, domain.SessionStats{}, "", ""); releaseErr != nil {
			p.logWarn(ctx, releaseErr, "release after dial failure")
		}
		return fmt.Errorf("dial worker %s: %w", alloc.Endpoint, err)
	}
	defer workerConn.Close()

	status, stats := p.relay(ctx, clientConn, workerConn, req)

	if err := p.router.Release(ctx, alloc.SessionID, status, stats, "", ""); err != nil {
		p.logWarn(ctx, err, "release session failed")
	}
	return nil
}

// relay pipes frames in both directions until one side closes or ctx is
// cancelled. It counts bytes of inbound binary audio to derive
// AudioDuration from req's sample rate/encoding, and counts outbound
// "final" transcript frames for UtteranceCount/WordCount — the only
// stats fields a dumb byte relay can observe without decoding audio or
// transcribing anything itself.
func (p *Proxy) relay(ctx context.Context, client, worker *websocket.Conn, req realtime.AllocationRequest) (domain.SessionStatus, domain.SessionStats) {
	type outcome struct {
		status domain.SessionStatus
	}
	done := make(chan outcome, 2)

	var stats domain.SessionStats
	var audioBytes int64

	go func() {
		for {
			mt, data, err := client.ReadMessage()
			if err != nil {
				done <- outcome{status: closeStatus(err)}
				return
			}
			if mt == websocket.BinaryMessage {
				audioBytes += int64(len(data))
			}
			if err := worker.WriteMessage(mt, data); err != nil {
				done <- outcome{status: domain.SessionError}
				return
			}
		}
	}()

	go func() {
		for {
			mt, data, err := worker.ReadMessage()
			if err != nil {
				done <- outcome{status: closeStatus(err)}
				return
			}
			if mt == websocket.TextMessage {
				var frame transcriptFrame
				if json.Unmarshal(data, &frame) == nil && frame.Type == "final" {
					stats.UtteranceCount++
					stats.WordCount += frame.Words
				}
			}
			if err := client.WriteMessage(mt, data); err != nil {
				done <- outcome{status: domain.SessionError}
				return
			}
		}
	}()

	var status domain.SessionStatus
	select {
	case o := <-done:
		status = o.status
	case <-ctx.Done():
		status = domain.SessionInterrupted
	}

	stats.AudioDuration = audioDuration(audioBytes, req.Encoding, req.SampleRate)
	return status, stats
}

// closeStatus classifies a ReadMessage error from gorilla/websocket into
// a session terminal status: a normal/going-away close is a clean
// completion, anything else is treated as an interruption.
func closeStatus(err error) domain.SessionStatus {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return domain.SessionCompleted
	}
	return domain.SessionInterrupted
}

// audioDuration estimates total audio time from a raw PCM byte count;
// encodings this proxy does not recognize contribute no duration rather
// than a guessed one.
func audioDuration(bytesRead int64, encoding string, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	bytesPerSample := 0
	switch encoding {
	case "pcm16", "":
		bytesPerSample = 2
	case "pcm8":
		bytesPerSample = 1
	}
	if bytesPerSample == 0 {
		return 0
	}
	samples := bytesRead / int64(bytesPerSample)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

func (p *Proxy) logWarn(ctx context.Context, err error, msg string) {
	if p.log == nil {
		return
	}
	p.log.WithContext(ctx).WithError(err).Warn(msg)
}
