// Package rtc is the pion-backed media engine. It speaks the ORTC object model
// (ICE gatherer, ICE transport, DTLS transport, RTP receivers and senders)
// so the signaling layer can exchange raw transport parameters instead of SDP.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/quasipeer/internal/app/sfu"
	"github.com/dkeye/quasipeer/internal/core"
)

const (
	defaultGatherTimeout  = 5 * time.Second
	defaultConnectTimeout = 10 * time.Second
	// consecutive allocation failures before the engine declares itself dead
	maxAllocFailures = 3
)

var errEngineClosed = errors.New("rtc: engine closed")

type EngineConfig struct {
	ListenIP        string
	AnnouncedIP     string
	UDPPortMin      uint16
	UDPPortMax      uint16
	PreferUDP       bool
	PreferTCP       bool
	InitialBitrate  uint64
	MinBitrate      uint64
	MaxBitrate      uint64
	AdaptiveBitrate bool
	AudioCodecs     []string
	VideoCodecs     []string
	ICEServers      []string
	GatherTimeout   time.Duration
	ConnectTimeout  time.Duration
}

// consumerBitrate is the send cap announced for a new consumer. With adaptive bitrate
// congestion control works up to MaxBitrate, otherwise the initial rate is fixed.
// Both stay within [MinBitrate, MaxBitrate] when bounds are set.
func (c EngineConfig) consumerBitrate() uint64 {
	rate := c.InitialBitrate
	if c.AdaptiveBitrate && c.MaxBitrate > 0 {
		rate = c.MaxBitrate
	}
	if c.MaxBitrate > 0 && rate > c.MaxBitrate {
		rate = c.MaxBitrate
	}
	if rate < c.MinBitrate {
		rate = c.MinBitrate
	}
	return rate
}

type Engine struct {
	cfg        EngineConfig
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	codecs     *codecTable
	relays     *sfu.RelayManager

	tcpListener net.Listener

	ctx    context.Context
	cancel context.CancelFunc

	failures atomic.Int32
	died     chan error
	dieOnce  sync.Once
	closed   atomic.Bool
}

var _ core.MediaEngine = (*Engine)(nil)

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = defaultGatherTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	codecs, err := newCodecTable(cfg.AudioCodecs, cfg.VideoCodecs)
	if err != nil {
		return nil, err
	}
	me := &webrtc.MediaEngine{}
	if err := codecs.register(me); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	tcpListener, err := configureNetwork(&se, cfg)
	if err != nil {
		return nil, err
	}

	ir := &interceptor.Registry{}
	if cfg.AdaptiveBitrate {
		if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
			return nil, fmt.Errorf("rtc: register interceptors: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         cfg,
		api:         webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se), webrtc.WithInterceptorRegistry(ir)),
		iceServers:  iceServers(cfg.ICEServers),
		codecs:      codecs,
		relays:      sfu.NewRelayManager(),
		tcpListener: tcpListener,
		ctx:         ctx,
		cancel:      cancel,
		died:        make(chan error, 1),
	}
	log.Info().Str("module", "rtc.engine").Strs("audio", cfg.AudioCodecs).Strs("video", cfg.VideoCodecs).Bool("tcp", tcpListener != nil).Msg("media engine ready")
	return e, nil
}

func configureNetwork(se *webrtc.SettingEngine, cfg EngineConfig) (net.Listener, error) {
	if cfg.UDPPortMin > 0 && cfg.UDPPortMax >= cfg.UDPPortMin {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("rtc: udp port range: %w", err)
		}
	}
	if ip := net.ParseIP(cfg.ListenIP); ip != nil && !ip.IsUnspecified() {
		se.SetIPFilter(func(candidate net.IP) bool { return candidate.Equal(ip) })
	}
	if cfg.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}

	var networks []webrtc.NetworkType
	if cfg.PreferUDP || !cfg.PreferTCP {
		networks = append(networks, webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6)
	}
	var tcpListener net.Listener
	if cfg.PreferTCP {
		host := cfg.ListenIP
		if host == "" {
			host = "0.0.0.0"
		}
		l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
		if err != nil {
			return nil, fmt.Errorf("rtc: ice tcp listener: %w", err)
		}
		logger := logging.NewDefaultLoggerFactory().NewLogger("ice-tcp")
		se.SetICETCPMux(webrtc.NewICETCPMux(logger, l, 8))
		networks = append(networks, webrtc.NetworkTypeTCP4, webrtc.NetworkTypeTCP6)
		tcpListener = l
	}
	se.SetNetworkTypes(networks)
	return tcpListener, nil
}

func iceServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

func (e *Engine) Capabilities() core.RtpCapabilities { return e.codecs.capabilities() }

func (e *Engine) Died() <-chan error { return e.died }

func (e *Engine) Relays() *sfu.RelayManager { return e.relays }

func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.cancel()
	if e.tcpListener != nil {
		return e.tcpListener.Close()
	}
	return nil
}

// fail reports engine death once. Later calls are ignored.
func (e *Engine) fail(err error) {
	e.dieOnce.Do(func() {
		log.Error().Err(err).Str("module", "rtc.engine").Msg("media engine died")
		e.died <- err
	})
}

// allocFailed counts a failed transport allocation and escalates when the
// engine can no longer allocate at all.
func (e *Engine) allocFailed(err error) {
	if errors.Is(err, net.ErrClosed) || e.failures.Add(1) >= maxAllocFailures {
		e.fail(fmt.Errorf("rtc: transport allocation failing: %w", err))
	}
}

func (e *Engine) CreateTransport(ctx context.Context, opts core.TransportOptions) (core.EngineTransport, error) {
	if e.closed.Load() {
		return nil, errEngineClosed
	}
	gatherer, err := e.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: e.iceServers})
	if err != nil {
		e.allocFailed(err)
		return nil, fmt.Errorf("rtc: new ice gatherer: %w", err)
	}

	gathered := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		e.allocFailed(err)
		return nil, fmt.Errorf("rtc: gather: %w", err)
	}

	timer := time.NewTimer(e.cfg.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		// keep what was gathered so far
		log.Warn().Str("module", "rtc.engine").Str("owner", opts.Owner).Msg("ice gathering timed out")
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, ctx.Err()
	}

	ice := e.api.NewICETransport(gatherer)
	dtls, err := e.api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		e.allocFailed(err)
		return nil, fmt.Errorf("rtc: new dtls transport: %w", err)
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("rtc: local ice parameters: %w", err)
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("rtc: local candidates: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("rtc: local dtls parameters: %w", err)
	}
	e.failures.Store(0)

	t := newTransport(e, opts, gatherer, ice, dtls)
	t.params = core.TransportParameters{
		ID:             t.id,
		ICEParameters:  iceParams,
		ICECandidates:  candidates,
		DTLSParameters: dtlsParams,
	}
	log.Info().Str("module", "rtc.engine").Str("transport", t.id).Str("owner", opts.Owner).Str("direction", opts.Direction).Int("candidates", len(candidates)).Msg("transport created")
	return t, nil
}

// codecTable maps configured codec names onto registered pion codec parameters.
type codecTable struct {
	entries []codecEntry
}

type codecEntry struct {
	kind   core.MediaKind
	params webrtc.RTPCodecParameters
}

var videoFeedback = []webrtc.RTCPFeedback{
	{Type: "goog-remb"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
	{Type: "transport-cc"},
}

var knownCodecs = map[string]codecEntry{
	"opus": {core.KindAudio, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1"},
		PayloadType:        111,
	}},
	"g722": {core.KindAudio, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeG722, ClockRate: 8000},
		PayloadType:        9,
	}},
	"pcmu": {core.KindAudio, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		PayloadType:        0,
	}},
	"vp8": {core.KindVideo, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000, RTCPFeedback: videoFeedback},
		PayloadType:        96,
	}},
	"vp9": {core.KindVideo, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000, SDPFmtpLine: "profile-id=0", RTCPFeedback: videoFeedback},
		PayloadType:        98,
	}},
	"h264": {core.KindVideo, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000, SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f", RTCPFeedback: videoFeedback},
		PayloadType:        102,
	}},
	"av1": {core.KindVideo, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeAV1, ClockRate: 90000, RTCPFeedback: videoFeedback},
		PayloadType:        45,
	}},
}

func newCodecTable(audio, video []string) (*codecTable, error) {
	t := &codecTable{}
	add := func(names []string, kind core.MediaKind) error {
		for _, name := range names {
			entry, ok := knownCodecs[strings.ToLower(strings.TrimSpace(name))]
			if !ok {
				return fmt.Errorf("rtc: unknown codec %q", name)
			}
			if entry.kind != kind {
				return fmt.Errorf("rtc: codec %q is not a %s codec", name, kind)
			}
			t.entries = append(t.entries, entry)
		}
		return nil
	}
	if err := add(audio, core.KindAudio); err != nil {
		return nil, err
	}
	if err := add(video, core.KindVideo); err != nil {
		return nil, err
	}
	if len(t.entries) == 0 {
		return nil, errors.New("rtc: no codecs configured")
	}
	return t, nil
}

func (t *codecTable) register(me *webrtc.MediaEngine) error {
	for _, e := range t.entries {
		if err := me.RegisterCodec(e.params, codecType(e.kind)); err != nil {
			return fmt.Errorf("rtc: register %s: %w", e.params.MimeType, err)
		}
	}
	return nil
}

func (t *codecTable) capabilities() core.RtpCapabilities {
	caps := core.RtpCapabilities{Codecs: make([]core.RtpCodec, 0, len(t.entries))}
	for _, e := range t.entries {
		caps.Codecs = append(caps.Codecs, toCoreCodec(e.params))
	}
	return caps
}

// lookup resolves a client codec against the table. Mime type and payload type must both match.
func (t *codecTable) lookup(kind core.MediaKind, c core.RtpCodec) (webrtc.RTPCodecParameters, error) {
	for _, e := range t.entries {
		if e.kind != kind || !strings.EqualFold(e.params.MimeType, c.MimeType) {
			continue
		}
		if webrtc.PayloadType(c.PayloadType) != e.params.PayloadType {
			return webrtc.RTPCodecParameters{}, fmt.Errorf("rtc: %s uses payload type %d, got %d", c.MimeType, e.params.PayloadType, c.PayloadType)
		}
		return e.params, nil
	}
	return webrtc.RTPCodecParameters{}, fmt.Errorf("rtc: %s codec %q not enabled", kind, c.MimeType)
}

func codecType(kind core.MediaKind) webrtc.RTPCodecType {
	if kind == core.KindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

func toCoreCodec(p webrtc.RTPCodecParameters) core.RtpCodec {
	return core.RtpCodec{
		MimeType:    p.MimeType,
		PayloadType: uint8(p.PayloadType),
		ClockRate:   p.ClockRate,
		Channels:    p.Channels,
		SDPFmtpLine: p.SDPFmtpLine,
	}
}
