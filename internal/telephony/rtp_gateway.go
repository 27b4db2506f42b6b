package telephony

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"

	"github.com/voxrun/voice-runtime/internal/audio"
	"github.com/voxrun/voice-runtime/internal/rtp"
	"github.com/voxrun/voice-runtime/internal/tts"
)

// Custom signalling headers carrying tenant/campaign/lead routing, since a
// bare SIP INVITE has no concept of multi-tenant call metadata and this
// runtime deliberately carries no registrar/PBX (the Non-goal in SPEC_FULL's
// ambient section) to resolve it from a dial plan.
const (
	HeaderTenantID   = "X-Tenant-ID"
	HeaderCampaignID = "X-Campaign-ID"
	HeaderLeadID     = "X-Lead-ID"
	HeaderCallID     = "X-Call-ID"
)

// RTPConfig configures the SIP signalling address and the per-call media
// port range.
type RTPConfig struct {
	ListenAddr   string // e.g. "0.0.0.0:5060"
	Hostname     string
	MediaIP      string
	RTPBasePort  int
	RTPPortRange int
}

// RTPGateway runs the SIP control plane (REGISTER/INVITE/ACK/BYE) and hands
// each accepted call off to onCall as a *RTPSession* implementing
// pipeline.Transport over UDP/RTP.
type RTPGateway struct {
	cfg    RTPConfig
	log    zerolog.Logger
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client
	onCall func(md CallMetadata, sess *RTPSession)

	portCursor uint32 // atomic offset into [RTPBasePort, RTPBasePort+RTPPortRange)

	mu    sync.Mutex
	calls map[string]*RTPSession // keyed by SIP Call-ID
}

// NewRTPGateway builds the SIP UA, server, and client, registering the
// handlers this runtime needs. REGISTER is auto-acknowledged without
// credential validation, matching the "accept calls, nothing more" scope.
func NewRTPGateway(cfg RTPConfig, log zerolog.Logger, onCall func(md CallMetadata, sess *RTPSession)) (*RTPGateway, error) {
	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("voxrun"),
		sipgo.WithUserAgentHostname(cfg.Hostname),
	)
	if err != nil {
		return nil, fmt.Errorf("telephony: creating sip user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("telephony: creating sip server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("telephony: creating sip client: %w", err)
	}

	g := &RTPGateway{
		cfg:    cfg,
		log:    log,
		ua:     ua,
		srv:    srv,
		client: client,
		onCall: onCall,
		calls:  make(map[string]*RTPSession),
	}
	srv.OnInvite(g.handleInvite)
	srv.OnAck(g.handleAck)
	srv.OnBye(g.handleBye)
	srv.OnRegister(g.handleRegister)
	return g, nil
}

// Start listens for SIP traffic until ctx is cancelled.
func (g *RTPGateway) Start(ctx context.Context) error {
	return g.srv.ListenAndServe(ctx, "udp", g.cfg.ListenAddr)
}

// Client returns the SIP client the gateway's server was built from, so an
// outbound SIPDialer can share the same user agent and transport instead of
// opening a second UDP listener.
func (g *RTPGateway) Client() *sipgo.Client { return g.client }

// Close releases the SIP client, server, and user agent.
func (g *RTPGateway) Close() error {
	g.client.Close()
	g.srv.Close()
	return g.ua.Close()
}

func (g *RTPGateway) handleRegister(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
}

func callIDOf(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}

func headerValue(req *sip.Request, name string) string {
	if h := req.GetHeader(name); h != nil {
		return h.Value()
	}
	return ""
}

// allocatePort round-robins through the configured RTP port range.
func (g *RTPGateway) allocatePort() int {
	n := atomic.AddUint32(&g.portCursor, 1) - 1
	if g.cfg.RTPPortRange <= 0 {
		return g.cfg.RTPBasePort
	}
	return g.cfg.RTPBasePort + int(n%uint32(g.cfg.RTPPortRange))
}

func (g *RTPGateway) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	md := CallMetadata{
		ExternalCallUUID: callID,
		TenantID:         headerValue(req, HeaderTenantID),
		CampaignID:       headerValue(req, HeaderCampaignID),
		LeadID:           headerValue(req, HeaderLeadID),
		CallID:           headerValue(req, HeaderCallID),
		PhoneNumber:      req.From().Address.User,
	}
	if md.TenantID == "" || md.CampaignID == "" || md.LeadID == "" {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 400, "Missing required routing headers", nil))
		return
	}

	remoteIP, remotePort, payloadTypes, err := parseOfferedMedia(req.Body())
	if err != nil {
		g.log.Warn().Err(err).Str("call_id", callID).Msg("rejecting invite with unparseable sdp offer")
		_ = tx.Respond(sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil))
		return
	}
	chosenPT, err := chosePayloadType(payloadTypes)
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil))
		return
	}

	localPort := g.allocatePort()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(g.cfg.MediaIP), Port: localPort})
	if err != nil {
		g.log.Error().Err(err).Str("call_id", callID).Msg("allocating rtp media socket")
		_ = tx.Respond(sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil))
		return
	}

	rtpSess, err := rtp.NewSession(callID, chosenPT)
	if err != nil {
		conn.Close()
		_ = tx.Respond(sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil))
		return
	}

	sess := &RTPSession{
		callID:      callID,
		conn:        conn,
		remoteAddr:  &net.UDPAddr{IP: remoteIP, Port: remotePort},
		rtpSess:     rtpSess,
		payloadType: chosenPT,
		client:      g.client,
		inviteReq:   req,
		jitterBuf:   audio.NewJitterBuffer(jitterBufferBytes),
		log:         g.log.With().Str("call_id", callID).Logger(),
	}

	g.mu.Lock()
	g.calls[callID] = sess
	g.mu.Unlock()

	answer := buildAnswerSDP(g.cfg.MediaIP, localPort, chosenPT)
	res := sip.NewResponseFromRequest(req, 200, "OK", answer)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if err := tx.Respond(res); err != nil {
		g.log.Error().Err(err).Str("call_id", callID).Msg("responding to invite")
		sess.closeMedia()
		g.mu.Lock()
		delete(g.calls, callID)
		g.mu.Unlock()
		return
	}

	g.onCall(md, sess)
}

func (g *RTPGateway) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	// ACK carries no response of its own; the dialog is already live once
	// the 200 OK is sent.
}

func (g *RTPGateway) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	g.mu.Lock()
	sess, ok := g.calls[callID]
	delete(g.calls, callID)
	g.mu.Unlock()
	if ok {
		sess.closeMedia()
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
}

// chosePayloadType prefers PCMU over PCMA, matching the SDP offer order in
// §6's "offering PCMU (PT 0) and PCMA (PT 8)".
func chosePayloadType(offered []rtp.PayloadType) (rtp.PayloadType, error) {
	for _, pt := range offered {
		if pt == rtp.PayloadPCMU {
			return rtp.PayloadPCMU, nil
		}
	}
	for _, pt := range offered {
		if pt == rtp.PayloadPCMA {
			return rtp.PayloadPCMA, nil
		}
	}
	return 0, fmt.Errorf("telephony: no supported payload type in offer %v", offered)
}

// parseOfferedMedia extracts the connection address, audio port, and
// RTP/AVP payload types from a minimal SDP offer body. It is intentionally
// narrow — a single "c=" and a single "m=audio" line — matching the
// softphone/PBX test-harness scope this gateway targets.
func parseOfferedMedia(body []byte) (net.IP, int, []rtp.PayloadType, error) {
	var ip net.IP
	var port int
	var payloadTypes []rtp.PayloadType

	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "c=IN IP4 "):
			ip = net.ParseIP(strings.TrimSpace(strings.TrimPrefix(line, "c=IN IP4 ")))
		case strings.HasPrefix(line, "m=audio "):
			fields := strings.Fields(line)
			if len(fields) < 3 {
				return nil, 0, nil, fmt.Errorf("telephony: malformed m=audio line %q", line)
			}
			p, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, 0, nil, fmt.Errorf("telephony: malformed media port in %q: %w", line, err)
			}
			port = p
			for _, f := range fields[3:] {
				n, err := strconv.Atoi(f)
				if err != nil {
					continue
				}
				payloadTypes = append(payloadTypes, rtp.PayloadType(n))
			}
		}
	}
	if ip == nil {
		return nil, 0, nil, fmt.Errorf("telephony: sdp offer missing c=IN IP4 line")
	}
	if port == 0 {
		return nil, 0, nil, fmt.Errorf("telephony: sdp offer missing m=audio line")
	}
	return ip, port, payloadTypes, nil
}

func payloadTypeCodecName(pt rtp.PayloadType) string {
	if pt == rtp.PayloadPCMA {
		return "PCMA"
	}
	return "PCMU"
}

// buildAnswerSDP renders a single-codec SDP answer for the chosen payload
// type at 8 kHz, the only rate this gateway's media leg supports.
func buildAnswerSDP(ip string, port int, pt rtp.PayloadType) []byte {
	codec := payloadTypeCodecName(pt)
	sdp := fmt.Sprintf(
		"v=0\r\no=- 0 0 IN IP4 %s\r\ns=-\r\nc=IN IP4 %s\r\nt=0 0\r\nm=audio %d RTP/AVP %d\r\na=rtpmap:%d %s/8000\r\n",
		ip, ip, port, uint8(pt), uint8(pt), codec,
	)
	return []byte(sdp)
}

// jitterBufferBytes sizes the inbound jitter buffer to 200ms of 8 kHz
// mono PCM16 (8000 samples/sec * 2 bytes * 0.2s), enough to absorb the
// bursty arrival pattern UDP gives RTP without adding noticeable latency.
const jitterBufferBytes = 3200

// jitterFrameBytes is one 20ms frame at 8 kHz PCM16, the unit the jitter
// buffer drains in, matching RTP's own packetisation interval.
const jitterFrameBytes = 320

// RTPSession is one call's UDP/RTP media leg. It implements
// pipeline.Transport, converting 16 kHz PCM16 to 8 kHz G.711 on the way out
// and the reverse on the way in.
type RTPSession struct {
	callID      string
	conn        *net.UDPConn
	remoteAddr  *net.UDPAddr
	rtpSess     *rtp.Session
	payloadType rtp.PayloadType
	client      *sipgo.Client
	inviteReq   *sip.Request
	jitterBuf   *audio.JitterBuffer
	log         zerolog.Logger

	inbound   InboundSink
	closeOnce sync.Once
}

// SetInbound wires the sink decoded caller audio (resampled to 16 kHz) is
// pushed to — normally the call's pipeline.Orchestrator. Must be called
// before ReadLoop.
func (s *RTPSession) SetInbound(inbound InboundSink) {
	s.inbound = inbound
}

// ReadLoop decodes inbound RTP datagrams into 8 kHz PCM16, feeds them
// through a jitter buffer to smooth UDP's bursty arrival pattern into
// steady 20ms frames, resamples each drained frame to 16 kHz, and forwards
// it to the configured inbound channel until the socket closes.
func (s *RTPSession) ReadLoop() {
	buf := make([]byte, 1500)
	frame := make([]byte, jitterFrameBytes)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			return
		}
		parsed, err := rtp.Parse(buf[:n])
		if err != nil {
			continue // short or malformed datagram, per the RTP parser contract
		}
		var pcm8k []byte
		switch parsed.PayloadType {
		case rtp.PayloadPCMA:
			pcm8k = audio.AlawDecode(parsed.Payload)
		default:
			pcm8k = audio.MulawDecode(parsed.Payload)
		}
		if s.jitterBuf.Write(pcm8k) < len(pcm8k) {
			s.log.Warn().Msg("jitter buffer full, dropping inbound audio")
		}

		for s.jitterBuf.Available() >= jitterFrameBytes {
			if n := s.jitterBuf.Read(frame); n < jitterFrameBytes {
				break
			}
			s.emitFrame(frame)
		}
	}
}

// emitFrame resamples one drained jitter-buffer frame to 16 kHz and
// forwards it to the pipeline's inbound sink, evicting the oldest queued
// chunk under backpressure rather than blocking the read loop.
func (s *RTPSession) emitFrame(frame8k []byte) {
	pcm16k, err := audio.Resample(frame8k, 8000, 16000)
	if err != nil {
		return
	}
	if s.inbound == nil {
		return
	}
	if evicted := s.inbound.PushInboundAudio(pcm16k); evicted {
		s.log.Warn().Msg("inbound audio queue full, dropped oldest queued chunk")
	}
}

// SendAudio implements pipeline.Transport: resamples 16 kHz PCM16 to 8 kHz,
// encodes G.711 at the negotiated payload type, packetises into 20 ms RTP
// frames, and writes them to the remote endpoint.
func (s *RTPSession) SendAudio(chunk tts.AudioChunk) error {
	pcm8k, err := audio.Resample(chunk.Data, chunk.SampleRate, 8000)
	if err != nil {
		return fmt.Errorf("telephony: downsampling outbound audio: %w", err)
	}
	var encoded []byte
	if s.payloadType == rtp.PayloadPCMA {
		encoded, err = audio.AlawEncode(pcm8k)
	} else {
		encoded, err = audio.MulawEncode(pcm8k)
	}
	if err != nil {
		return fmt.Errorf("telephony: encoding outbound audio: %w", err)
	}
	packets, err := s.rtpSess.BuildPackets(encoded, rtp.SamplesPerPacket, false)
	if err != nil {
		return fmt.Errorf("telephony: packetising outbound audio: %w", err)
	}
	for _, pkt := range packets {
		if _, err := s.conn.WriteToUDP(pkt, s.remoteAddr); err != nil {
			return fmt.Errorf("telephony: sending rtp packet: %w", err)
		}
	}
	return nil
}

// Hangup implements pipeline.Transport: sends a BYE for this dialog and
// releases the media socket.
func (s *RTPSession) Hangup() error {
	if s.client != nil && s.inviteReq != nil {
		bye := sip.NewRequest(sip.BYE, s.inviteReq.Recipient)
		bye.AppendHeader(sip.NewHeader("Call-ID", s.callID))
		if tx, err := s.client.TransactionRequest(context.Background(), bye); err == nil {
			tx.Terminate()
		}
	}
	s.closeMedia()
	return nil
}

func (s *RTPSession) closeMedia() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}
