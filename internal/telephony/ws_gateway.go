// Package telephony implements the two interchangeable media gateways that
// feed a pipeline.Orchestrator: a WebSocket gateway speaking 16 kHz linear
// PCM to cloud telephony, and a UDP/RTP gateway speaking G.711 at 8 kHz to a
// softphone or PBX.
package telephony

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/voxrun/voice-runtime/internal/tts"
)

// bytesPerMS16k is the byte count of one millisecond of 16 kHz mono PCM16.
const bytesPerMS16k = 16000 * 2 / 1000

// ControlMessage is the JSON text-frame envelope exchanged over the
// WebSocket gateway in both directions.
type ControlMessage struct {
	Type    string `json:"type"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// Control message types, per the WebSocket flavour's external interface.
const (
	CtrlSessionStart   = "SESSION_START"
	CtrlSessionEnd     = "SESSION_END"
	CtrlTranscriptPart = "TRANSCRIPT_CHUNK"
	CtrlTurnEnd        = "TURN_END"
	CtrlLLMStart       = "LLM_START"
	CtrlLLMEnd         = "LLM_END"
	CtrlTTSStart       = "TTS_START"
	CtrlTTSEnd         = "TTS_END"
	CtrlError          = "ERROR"
	CtrlPing           = "PING"
	CtrlPong           = "PONG"
	CtrlBargeIn        = "barge_in"
	CtrlTTSInterrupted = "tts_interrupted"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
}

// CallMetadata is everything the gateway recovers from the upgrade request
// before a pipeline.Orchestrator can be constructed for the call.
type CallMetadata struct {
	ExternalCallUUID string
	TenantID         string
	CampaignID       string
	LeadID           string
	CallID           string
	PhoneNumber      string
}

// parseCallMetadata extracts CallMetadata from the upgrade request,
// returning an error naming the first missing required query parameter.
func parseCallMetadata(r *http.Request, externalCallUUID string) (CallMetadata, error) {
	q := r.URL.Query()
	md := CallMetadata{
		ExternalCallUUID: externalCallUUID,
		TenantID:         q.Get("tenant_id"),
		CampaignID:       q.Get("campaign_id"),
		LeadID:           q.Get("lead_id"),
		CallID:           q.Get("call_id"),
		PhoneNumber:      q.Get("phone_number"),
	}
	switch {
	case md.TenantID == "":
		return md, fmt.Errorf("missing required query parameter tenant_id")
	case md.CampaignID == "":
		return md, fmt.Errorf("missing required query parameter campaign_id")
	case md.LeadID == "":
		return md, fmt.Errorf("missing required query parameter lead_id")
	}
	return md, nil
}

// InboundSink is the call's audio ingress, normally a pipeline.Orchestrator.
// Pushing evicts the oldest still-queued chunk on overflow rather than
// dropping the chunk just decoded off the wire, keeping the call real-time
// under backpressure instead of accumulating stale audio.
type InboundSink interface {
	PushInboundAudio(pcm []byte) (evicted bool)
}

// WSSession is one live call's WebSocket-side state: the connection, a
// bridge into the pipeline.Orchestrator's inbound audio sink, and the
// queue of outbound audio/control frames.
type WSSession struct {
	conn    *websocket.Conn
	log     zerolog.Logger
	inbound InboundSink

	writeMu sync.Mutex

	invalidFrameCount int
	overflowCount     int
}

// NewWSSession wraps an upgraded connection. inbound is the Orchestrator
// for this call; the caller owns starting the Orchestrator's Run
// goroutine.
func NewWSSession(conn *websocket.Conn, inbound InboundSink, log zerolog.Logger) *WSSession {
	return &WSSession{conn: conn, inbound: inbound, log: log}
}

// SendAudio implements pipeline.Transport: writes one synthesized chunk as
// a binary frame.
func (s *WSSession) SendAudio(chunk tts.AudioChunk) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, chunk.Data)
}

// Hangup implements pipeline.Transport: sends SESSION_END and closes the
// connection.
func (s *WSSession) Hangup() error {
	_ = s.sendControl(ControlMessage{Type: CtrlSessionEnd})
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}

func (s *WSSession) sendControl(msg ControlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// closeWithError sends close code 4000 and a JSON error frame, matching the
// "missing required query parameters" failure mode.
func closeWithError(conn *websocket.Conn, reason string) {
	data, _ := json.Marshal(ControlMessage{Type: CtrlError, Message: reason})
	_ = conn.WriteMessage(websocket.TextMessage, data)
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4000, reason))
	_ = conn.Close()
}

// validateFrame enforces the PCM16 inbound-frame contract: even length (S16
// mono) and a duration between 10 ms and 1000 ms at 16 kHz.
func validateFrame(frame []byte) bool {
	if len(frame)%2 != 0 {
		return false
	}
	return len(frame) >= 10*bytesPerMS16k && len(frame) <= 1000*bytesPerMS16k
}

// Pump reads frames off the connection until it closes or ctx-equivalent
// shutdown is requested by the caller closing the connection. Binary frames
// are validated and forwarded to inbound; text frames are decoded as
// ControlMessage and PING is answered with PONG. Invalid binary frames are
// dropped and counted, with only the first five logged per session.
func (s *WSSession) Pump() {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			if !validateFrame(data) {
				s.invalidFrameCount++
				if s.invalidFrameCount <= 5 {
					s.log.Warn().Int("bytes", len(data)).Msg("dropping invalid inbound audio frame")
				}
				continue
			}
			if evicted := s.inbound.PushInboundAudio(data); evicted {
				s.overflowCount++
				s.log.Warn().Int("overflow_count", s.overflowCount).Msg("inbound audio queue full, dropped oldest queued chunk")
			}
		case websocket.TextMessage:
			var ctrl ControlMessage
			if err := json.Unmarshal(data, &ctrl); err != nil {
				continue
			}
			if ctrl.Type == CtrlPing {
				_ = s.sendControl(ControlMessage{Type: CtrlPong})
			}
		}
	}
}

// Handler builds the http.HandlerFunc serving /voice/{external_call_uuid}.
// onCall is invoked once per accepted connection with the parsed metadata
// and the upgraded connection; it owns constructing the pipeline.Orchestrator
// (wrapping conn in a WSSession as its Transport, with the Orchestrator
// itself as the WSSession's InboundSink), starting WSSession.Pump, and running the
// Orchestrator to completion. It must block until the call ends.
func Handler(log zerolog.Logger, onCall func(md CallMetadata, conn *websocket.Conn, log zerolog.Logger)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		externalCallUUID := strings.TrimPrefix(r.URL.Path, "/voice/")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error().Err(err).Msg("websocket upgrade failed")
			return
		}

		md, err := parseCallMetadata(r, externalCallUUID)
		if err != nil {
			closeWithError(conn, err.Error())
			return
		}

		sessionLog := log.With().
			Str("external_call_uuid", externalCallUUID).
			Str("tenant_id", md.TenantID).
			Str("campaign_id", md.CampaignID).
			Logger()
		sessionLog.Info().Msg("websocket call session started")

		onCall(md, conn, sessionLog)
	}
}
