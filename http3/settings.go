package http3

import "github.com/sirupsen/logrus"

// Well-known SETTINGS identifiers (RFC 9114 §7.2.4 + masque H3_DATAGRAM).
const (
	settingMaxFieldSectionSize   uint64 = 0x6
	settingQpackMaxTableCapacity uint64 = 0x1
	settingQpackBlockedStreams   uint64 = 0x7
	settingEnableConnectProto    uint64 = 0x8
	settingH3Datagram            uint64 = 0x33
)

var forbiddenAdditionalSettings = map[uint64]bool{
	settingQpackMaxTableCapacity: true,
	settingMaxFieldSectionSize:   true,
	settingQpackBlockedStreams:   true,
	settingEnableConnectProto:    true,
	settingH3Datagram:            true,
	0x276:                        true, // H3_DATAGRAM_00 (draft)
}

// AdditionalSetting is one application-supplied (id, value) SETTINGS entry
// beyond the well-known ones Config exposes directly.
type AdditionalSetting struct {
	ID    uint64
	Value uint64
}

// Config holds the opaque, validated settings that feed the initial
// SETTINGS frame. Construct with NewConfig and mutate with the Set*/Enable*
// methods; it is not safe for concurrent mutation.
type Config struct {
	maxFieldSectionSize   uint64
	qpackMaxTableCapacity uint64
	qpackBlockedStreams   uint64
	connectProtocolEnable bool
	h3Datagram            bool
	additionalSettings    []AdditionalSetting
	grease                bool

	// Logger receives an Error-level entry from the connection engine each
	// time it closes the connection on a protocol error. Defaults to
	// logrus.StandardLogger() when nil, so callers never need a nil check
	// before logging.
	Logger logrus.FieldLogger
}

// NewConfig returns a Config with QPACK dynamic tables disabled by
// default: both QPACK settings advertise zero, since this implementation
// does not maintain a dynamic table.
func NewConfig() *Config {
	return &Config{
		qpackMaxTableCapacity: 0,
		qpackBlockedStreams:   0,
		grease:                true,
		Logger:                logrus.StandardLogger(),
	}
}

// SetMaxFieldSectionSize caps the decompressed size of any single header
// or trailer section this endpoint is willing to accept.
func (c *Config) SetMaxFieldSectionSize(n uint64) { c.maxFieldSectionSize = n }

// SetQpackMaxTableCapacity is accepted for API completeness; the core does
// not implement QPACK dynamic tables, so this is always advertised as 0
// regardless of the value set here.
func (c *Config) SetQpackMaxTableCapacity(n uint64) { c.qpackMaxTableCapacity = n }

// SetQpackBlockedStreams mirrors SetQpackMaxTableCapacity: accepted, never
// advertised as nonzero.
func (c *Config) SetQpackBlockedStreams(n uint64) { c.qpackBlockedStreams = n }

// EnableExtendedConnect advertises ENABLE_CONNECT_PROTOCOL=1.
func (c *Config) EnableExtendedConnect(enabled bool) { c.connectProtocolEnable = enabled }

// EnableDatagrams advertises H3_DATAGRAM=1 in the local SETTINGS frame.
// The setting is sent whenever this flag is set; the local QUIC
// transport's DATAGRAM support is not checked before sending it.
func (c *Config) EnableDatagrams(enabled bool) { c.h3Datagram = enabled }

// SetGrease toggles emission of GREASE frames/streams/settings. Enabled by
// default.
func (c *Config) SetGrease(enabled bool) { c.grease = enabled }

// SetAdditionalSettings installs extra SETTINGS entries beyond the
// well-known ones. Forbidden (well-known or duplicate) ids are rejected
// eagerly here rather than deferred to connection setup, so application
// code gets the error where it made the mistake.
func (c *Config) SetAdditionalSettings(settings []AdditionalSetting) error {
	seen := make(map[uint64]bool, len(settings))
	var errs *multiErrorList
	for _, s := range settings {
		if forbiddenAdditionalSettings[s.ID] {
			errs = errs.add(newErr(KindSettingsError, "additional setting %#x duplicates a well-known setting", s.ID))
			continue
		}
		if seen[s.ID] {
			errs = errs.add(newErr(KindSettingsError, "duplicate additional setting %#x", s.ID))
			continue
		}
		seen[s.ID] = true
	}
	if err := errs.errOrNil(); err != nil {
		return err
	}
	c.additionalSettings = append([]AdditionalSetting(nil), settings...)
	return nil
}

func (c *Config) logger() logrus.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.StandardLogger()
}

// localSettingsFrame builds the initial SETTINGS frame payload, including
// the well-known settings, any application additional settings, and (if
// enabled) one GREASE entry.
func (c *Config) localSettingsFrame() []byte {
	pairs := []settingPair{
		{ID: settingMaxFieldSectionSize, Value: c.effectiveMaxFieldSectionSize()},
		{ID: settingQpackMaxTableCapacity, Value: 0},
		{ID: settingQpackBlockedStreams, Value: 0},
	}
	if c.connectProtocolEnable {
		pairs = append(pairs, settingPair{ID: settingEnableConnectProto, Value: 1})
	}
	if c.h3Datagram {
		pairs = append(pairs, settingPair{ID: settingH3Datagram, Value: 1})
	}
	for _, s := range c.additionalSettings {
		pairs = append(pairs, settingPair{ID: s.ID, Value: s.Value})
	}
	if c.grease {
		pairs = append(pairs, settingPair{ID: greaseSettingID(), Value: greaseValue()})
	}
	return encodeSettings(pairs)
}

// defaultMaxFieldSectionSize matches net/http2's MAX_HEADER_LIST_SIZE
// default, used when the application hasn't set one explicitly.
const defaultMaxFieldSectionSize = 16 << 20

func (c *Config) effectiveMaxFieldSectionSize() uint64 {
	if c.maxFieldSectionSize > 0 {
		return c.maxFieldSectionSize
	}
	return defaultMaxFieldSectionSize
}

// Settings is the parsed, validated state of a peer's SETTINGS frame.
// Missing well-known fields are represented by their zero value; Raw
// preserves the original wire order for PeerSettingsRaw().
type Settings struct {
	MaxFieldSectionSize   uint64
	QpackMaxTableCapacity uint64
	QpackBlockedStreams   uint64
	ConnectProtocolEnable bool
	H3Datagram            bool
	AdditionalSettings    []AdditionalSetting
	Raw                   []AdditionalSetting // every (id, value) pair as received, in order
}

// parsePeerSettings validates and interprets a decoded SETTINGS payload.
// datagramSupportedByTransport gates whether H3_DATAGRAM=1 is accepted.
func parsePeerSettings(pairs []settingPair, datagramSupportedByTransport bool, previous *Settings) (Settings, error) {
	if err := validateSettingsPairs(pairs); err != nil {
		return Settings{}, err
	}
	var s Settings
	known := map[uint64]bool{
		settingMaxFieldSectionSize:   true,
		settingQpackMaxTableCapacity: true,
		settingQpackBlockedStreams:   true,
		settingEnableConnectProto:    true,
		settingH3Datagram:            true,
	}
	for _, p := range pairs {
		s.Raw = append(s.Raw, AdditionalSetting{ID: p.ID, Value: p.Value})
		switch p.ID {
		case settingMaxFieldSectionSize:
			s.MaxFieldSectionSize = p.Value
		case settingQpackMaxTableCapacity:
			s.QpackMaxTableCapacity = p.Value
		case settingQpackBlockedStreams:
			s.QpackBlockedStreams = p.Value
		case settingEnableConnectProto:
			s.ConnectProtocolEnable = p.Value != 0
		case settingH3Datagram:
			s.H3Datagram = p.Value != 0
		default:
			if !known[p.ID] {
				s.AdditionalSettings = append(s.AdditionalSettings, AdditionalSetting{ID: p.ID, Value: p.Value})
			}
		}
	}
	if s.H3Datagram && !datagramSupportedByTransport {
		return Settings{}, newErr(KindSettingsError, "H3_DATAGRAM=1 without QUIC DATAGRAM support")
	}
	// A peer may not downgrade H3_DATAGRAM from 1 to 0 once advertised.
	if previous != nil && previous.H3Datagram && !s.H3Datagram {
		return Settings{}, newErr(KindSettingsError, "peer downgraded H3_DATAGRAM from 1 to 0")
	}
	return s, nil
}

// multiErrorList is a tiny accumulator around hashicorp/go-multierror,
// used by validators that check several independent conditions before
// reporting (currently SetAdditionalSettings). A nil *multiErrorList
// behaves like an empty one.
type multiErrorList struct{ errs []error }

func (m *multiErrorList) add(err error) *multiErrorList {
	if m == nil {
		m = &multiErrorList{}
	}
	m.errs = append(m.errs, err)
	return m
}

func (m *multiErrorList) errOrNil() error {
	if m == nil || len(m.errs) == 0 {
		return nil
	}
	return multierrorWrap(m.errs)
}
