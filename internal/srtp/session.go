package srtp

import (
	"fmt"
	"net"
	"sync"

	"github.com/pion/dtls/v3"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	srtplib "github.com/pion/srtp/v3"
)

// rollingBufferSize is the per-SSRC retransmit window, per spec section
// 4.4's "buffer recently sent packets for retransmission" step.
const rollingBufferSize = 1024

// Config collects what Session needs to derive SRTP keying material and
// reach the demultiplexed SRTP/SRTCP endpoints internal/mux produces.
type Config struct {
	DTLSConn      *dtls.Conn
	IsDTLSClient  bool
	RTPConn       net.Conn
	RTCPConn      net.Conn
	LoggerFactory logging.LoggerFactory
}

// Session owns the SRTP/SRTCP protection contexts for one peer connection's
// media plane: it protects and sends outbound RTP, unprotects inbound RTP
// and hands it to the jitter buffer, and handles RTCP feedback (NACK, PLI,
// TWCC) per spec section 4.4.
type Session struct {
	rtpSession  *srtplib.SessionSRTP
	rtcpSession *srtplib.SessionSRTCP

	writeMu        sync.Mutex
	rtpWriteStream *srtplib.WriteStreamSRTP
	rtcpWriteStream *srtplib.WriteStreamSRTCP

	buffersMu sync.Mutex
	buffers   map[uint32]*RollingBuffer
	rtxSeq    map[uint32]uint16

	log logging.LeveledLogger

	onRTP  func(pkt *rtp.Packet)
	onNACK func(pkt *rtcp.TransportLayerNack)
	onPLI  func(mediaSSRC uint32)
	onFIR  func(mediaSSRC uint32)
	onTWCC func(pkt *rtcp.TransportLayerCC)
	onREMB func(pkt *rtcp.ReceiverEstimatedMaximumBitrate)
}

// rtpReadBufferSize is sized generously over the outbound MTU to absorb
// whatever the remote side actually sends, independent of our own send MTU.
const rtpReadBufferSize = 1500

// NewSession derives SRTP keying material from the completed DTLS handshake
// (spec section 4.3's populate_keying_material, section 4.4 step 1) and
// opens SRTP/SRTCP sessions over the endpoints internal/mux produced for
// this peer connection.
func NewSession(cfg Config) (*Session, error) {
	srtpConfig := &srtplib.Config{
		LoggerFactory: cfg.LoggerFactory,
		Profile:       cfg.DTLSConn.ConnectionState().SRTPProtectionProfile,
	}
	if err := srtpConfig.ExtractSessionKeysFromDTLS(cfg.DTLSConn, cfg.IsDTLSClient); err != nil {
		return nil, fmt.Errorf("extract srtp keys from dtls: %w", err)
	}

	rtpSession, err := srtplib.NewSessionSRTP(cfg.RTPConn, srtpConfig)
	if err != nil {
		return nil, fmt.Errorf("open srtp session: %w", err)
	}

	rtcpSession, err := srtplib.NewSessionSRTCP(cfg.RTCPConn, srtpConfig)
	if err != nil {
		return nil, fmt.Errorf("open srtcp session: %w", err)
	}

	s := &Session{
		rtpSession:  rtpSession,
		rtcpSession: rtcpSession,
		buffers:     make(map[uint32]*RollingBuffer),
		rtxSeq:      make(map[uint32]uint16),
		log:         cfg.LoggerFactory.NewLogger("srtp"),
	}

	go s.acceptRTPLoop()
	go s.acceptRTCPLoop()

	return s, nil
}

// OnRTP registers the callback invoked for every unprotected inbound RTP
// packet, destined for the jitter buffer (spec section 4.5).
func (s *Session) OnRTP(f func(pkt *rtp.Packet)) { s.onRTP = f }

// OnPictureLossIndication registers the PLI callback (spec section 4.4,
// "forward picture-loss requests to the media source").
func (s *Session) OnPictureLossIndication(f func(mediaSSRC uint32)) { s.onPLI = f }

// OnFullIntraRequest registers the FIR callback.
func (s *Session) OnFullIntraRequest(f func(mediaSSRC uint32)) { s.onFIR = f }

// OnNACK registers the callback invoked for every received generic NACK
// (RTPFB PT=205 FMT=1) report; the transceiver calls back into
// Session.HandleNACK with its own RTX SSRC/payload-type mapping.
func (s *Session) OnNACK(f func(pkt *rtcp.TransportLayerNack)) { s.onNACK = f }

// OnTransportWideCC registers the TWCC feedback callback driving
// BitrateController.RecordLossSample.
func (s *Session) OnTransportWideCC(f func(pkt *rtcp.TransportLayerCC)) { s.onTWCC = f }

// OnREMB registers the REMB feedback callback.
func (s *Session) OnREMB(f func(pkt *rtcp.ReceiverEstimatedMaximumBitrate)) { s.onREMB = f }

func (s *Session) writeStream() (*srtplib.WriteStreamSRTP, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.rtpWriteStream != nil {
		return s.rtpWriteStream, nil
	}
	ws, err := s.rtpSession.OpenWriteStream()
	if err != nil {
		return nil, err
	}
	s.rtpWriteStream = ws
	return ws, nil
}

func (s *Session) rtcpWriter() (*srtplib.WriteStreamSRTCP, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.rtcpWriteStream != nil {
		return s.rtcpWriteStream, nil
	}
	ws, err := s.rtcpSession.OpenWriteStream()
	if err != nil {
		return nil, err
	}
	s.rtcpWriteStream = ws
	return ws, nil
}

func (s *Session) bufferFor(ssrc uint32) *RollingBuffer {
	s.buffersMu.Lock()
	defer s.buffersMu.Unlock()
	b, ok := s.buffers[ssrc]
	if !ok {
		b, _ = NewRollingBuffer(rollingBufferSize)
		s.buffers[ssrc] = b
	}
	return b
}

// WriteRTP protects and sends one RTP packet, recording it in the per-SSRC
// rolling buffer so a later NACK can trigger a retransmit.
func (s *Session) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	ws, err := s.writeStream()
	if err != nil {
		return 0, err
	}
	n, err := ws.WriteRTP(header, payload)
	if err != nil {
		return n, err
	}
	s.bufferFor(header.SSRC).Add(*header, payload)
	return n, nil
}

// WriteRTCP sends a protected RTCP compound or single packet, e.g. sender
// reports.
func (s *Session) WriteRTCP(pkts []rtcp.Packet) error {
	ws, err := s.rtcpWriter()
	if err != nil {
		return err
	}
	for _, pkt := range pkts {
		if _, err := ws.WriteRTCP(pkt); err != nil {
			return err
		}
	}
	return nil
}

// Retransmit resends a previously sent packet in response to a NACK. If
// rtxPayloadType is nil, or equals the packet's original payload type, the
// packet is resent verbatim with its original sequence number (the common
// case when no dedicated RTX payload type is negotiated). Otherwise it is
// re-wrapped with an RFC 4588 two-byte original-sequence-number prefix,
// a fresh sequence number drawn from the RTX SSRC's own space, and the RTX
// payload type and SSRC, per spec section 4.4.
func (s *Session) Retransmit(mediaSSRC uint32, seq uint16, rtxSSRC uint32, rtxPayloadType *uint8) error {
	header, payload, ok := s.bufferFor(mediaSSRC).Get(seq)
	if !ok {
		return nil // aged out of the window; nothing to retransmit
	}

	if rtxPayloadType == nil || *rtxPayloadType == header.PayloadType {
		ws, err := s.writeStream()
		if err != nil {
			return err
		}
		_, err = ws.WriteRTP(&header, payload)
		return err
	}

	s.buffersMu.Lock()
	nextSeq := s.rtxSeq[rtxSSRC]
	s.rtxSeq[rtxSSRC] = nextSeq + 1
	s.buffersMu.Unlock()

	osnPayload := make([]byte, 2+len(payload))
	osnPayload[0] = byte(seq >> 8)
	osnPayload[1] = byte(seq)
	copy(osnPayload[2:], payload)

	rtxHeader := header
	rtxHeader.SSRC = rtxSSRC
	rtxHeader.PayloadType = *rtxPayloadType
	rtxHeader.SequenceNumber = nextSeq

	ws, err := s.writeStream()
	if err != nil {
		return err
	}
	_, err = ws.WriteRTP(&rtxHeader, osnPayload)
	return err
}

// HandleNACK retransmits every sequence number the feedback names. Per spec
// section 4.4 this is the exact reaction to an RTPFB (PT=205, FMT=1) packet.
func (s *Session) HandleNACK(pkt *rtcp.TransportLayerNack, rtxSSRC uint32, rtxPayloadType *uint8) {
	for _, nack := range pkt.Nacks {
		for _, seq := range nack.PacketList() {
			if err := s.Retransmit(pkt.MediaSSRC, seq, rtxSSRC, rtxPayloadType); err != nil {
				s.log.Warnf("srtp: retransmit seq %d for ssrc %d: %v", seq, pkt.MediaSSRC, err)
			}
		}
	}
}

func (s *Session) acceptRTPLoop() {
	for {
		stream, ssrc, err := s.rtpSession.AcceptStream()
		if err != nil {
			s.log.Debugf("srtp: rtp accept loop ended: %v", err)
			return
		}
		go s.readRTPStream(stream, ssrc)
	}
}

func (s *Session) readRTPStream(stream *srtplib.ReadStreamSRTP, ssrc uint32) {
	buf := make([]byte, rtpReadBufferSize)
	for {
		n, hdr, err := stream.ReadRTP(buf)
		if err != nil {
			s.log.Debugf("srtp: rtp stream %d closed: %v", ssrc, err)
			return
		}
		if s.onRTP == nil {
			continue
		}
		payload := append([]byte(nil), buf[hdr.MarshalSize():n]...)
		s.onRTP(&rtp.Packet{Header: *hdr, Payload: payload})
	}
}

func (s *Session) acceptRTCPLoop() {
	for {
		stream, ssrc, err := s.rtcpSession.AcceptStream()
		if err != nil {
			s.log.Debugf("srtp: rtcp accept loop ended: %v", err)
			return
		}
		go s.readRTCPStream(stream, ssrc)
	}
}

func (s *Session) readRTCPStream(stream *srtplib.ReadStreamSRTCP, ssrc uint32) {
	buf := make([]byte, rtpReadBufferSize)
	for {
		n, err := stream.Read(buf)
		if err != nil {
			s.log.Debugf("srtp: rtcp stream %d closed: %v", ssrc, err)
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			s.log.Warnf("srtp: rtcp unmarshal: %v", err)
			continue
		}
		for _, pkt := range pkts {
			s.dispatchRTCP(pkt)
		}
	}
}

func (s *Session) dispatchRTCP(pkt rtcp.Packet) {
	switch p := pkt.(type) {
	case *rtcp.TransportLayerNack:
		if s.onNACK != nil {
			s.onNACK(p)
		}
	case *rtcp.PictureLossIndication:
		if s.onPLI != nil {
			s.onPLI(p.MediaSSRC)
		}
	case *rtcp.FullIntraRequest:
		if s.onFIR != nil && len(p.FIR) > 0 {
			s.onFIR(p.FIR[0].SSRC)
		}
	case *rtcp.TransportLayerCC:
		if s.onTWCC != nil {
			s.onTWCC(p)
		}
	case *rtcp.ReceiverEstimatedMaximumBitrate:
		if s.onREMB != nil {
			s.onREMB(p)
		}
	case *rtcp.SliceLossIndication:
		if s.onPLI != nil && len(p.SLI) > 0 {
			s.onPLI(p.MediaSSRC)
		}
	case *rtcp.SenderReport, *rtcp.ReceiverReport:
		// Parsed per spec section 4.6 but not acted on by this core; stats
		// plumbing can observe them later via a dedicated callback.
	default:
		s.log.Debugf("srtp: ignoring unhandled rtcp packet %T", pkt)
	}
}

// Close tears down both SRTP and SRTCP sessions.
func (s *Session) Close() error {
	err1 := s.rtpSession.Close()
	err2 := s.rtcpSession.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
