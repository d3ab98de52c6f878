package milter

import (
	"github.com/sendproof/milterwire/internal/wire"
)

// Phase is one point in a milter session's lifecycle. A Session advances
// through phases only by accepting legal messages; an illegal message
// leaves the phase untouched and returns an error.
type Phase int

const (
	PhasePreNegotiate Phase = iota
	PhaseNegotiated
	PhaseConnected
	PhaseGreeted
	PhaseEnvelope
	PhaseData
	PhaseHeaders
	PhaseBody
	PhaseAwaitingEom
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhasePreNegotiate:
		return "PreNegotiate"
	case PhaseNegotiated:
		return "Negotiated"
	case PhaseConnected:
		return "Connected"
	case PhaseGreeted:
		return "Greeted"
	case PhaseEnvelope:
		return "Envelope"
	case PhaseData:
		return "Data"
	case PhaseHeaders:
		return "Headers"
	case PhaseBody:
		return "Body"
	case PhaseAwaitingEom:
		return "AwaitingEom"
	case PhaseClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Session tracks one milter session's negotiated parameters and its current
// phase, and decides whether a given Message is legal to send or receive
// right now. It touches no socket and runs no timer; the caller feeds it
// Messages decoded (or about to be encoded) elsewhere.
//
// The zero value is not usable; create one with NewSession.
type Session struct {
	phase Phase

	desiredVersion  uint32
	desiredActions  ActionFlags
	desiredProtocol ProtocolFlags
	macroRequests   macroRequests
	negotiationHook NegotiationPolicy

	version  uint32
	actions  ActionFlags
	protocol ProtocolFlags
	maxData  DataSize

	macros         *macrosStages
	recipientCount int
	pendingOffer   *Negotiate
}

// NewSession creates an empty Session in PhasePreNegotiate, configured with
// the actions/protocol/macro requests this side of the conversation wants.
func NewSession(opts ...Option) *Session {
	o := &options{maxVersion: MaxProtocolVersion}
	for _, opt := range opts {
		opt(o)
	}
	return &Session{
		phase:           PhasePreNegotiate,
		desiredVersion:  o.maxVersion,
		desiredActions:  o.actions,
		desiredProtocol: o.protocol,
		macroRequests:   o.macrosByStage,
		negotiationHook: o.negotiationPolicy,
		macros:          newMacroStages(),
	}
}

// Phase returns the session's current phase.
func (s *Session) Phase() Phase { return s.phase }

// Negotiated reports whether negotiation has completed.
func (s *Session) Negotiated() bool { return s.phase != PhasePreNegotiate }

// Actions returns the negotiated ActionFlags. Calling this before
// negotiation completes returns the zero value.
func (s *Session) Actions() ActionFlags { return s.actions }

// Protocol returns the negotiated ProtocolFlags. Calling this before
// negotiation completes returns the zero value.
func (s *Session) Protocol() ProtocolFlags { return s.protocol }

// Version returns the negotiated protocol version.
func (s *Session) Version() uint32 { return s.version }

// MaxDataSize returns the negotiated maximum frame payload size.
func (s *Session) MaxDataSize() DataSize { return s.maxData }

// RecipientCount returns the number of EnvelopeRecipient messages accepted
// in the current transaction. It resets to zero at each EnvelopeFrom.
func (s *Session) RecipientCount() int { return s.recipientCount }

// Macros returns a read view over every macro value attached to the
// session so far, most specific stage first.
func (s *Session) Macros() Macros { return &macroReader{macrosStages: s.macros} }

// NegotiationPolicy overrides how a Session resolves an MTA's Negotiate
// offer against the filter's desired ActionFlags/ProtocolFlags/version. The
// default policy, in feedNegotiate, is a strict intersection: it fails with
// a *NegotiationError if the MTA does not offer every flag the filter
// requires.
type NegotiationPolicy func(mtaVersion, desiredVersion uint32, mtaActions, desiredActions ActionFlags, mtaProtocol, desiredProtocol ProtocolFlags) (version uint32, actions ActionFlags, protocol ProtocolFlags, err error)

// FeedInbound advances the session with a message received from the MTA:
// Negotiate, Macro, or one of the event messages. It returns
// *UnexpectedMessage if msg is illegal in the current phase or direction,
// *NegotiationError if a Negotiate could not be reconciled, or
// ErrNotNegotiated for a Macro that arrives before negotiation. It does not
// check payloads; that belongs to the codec.
func (s *Session) FeedInbound(msg Message) error {
	switch m := msg.(type) {
	case *Negotiate:
		return s.feedNegotiate(m)
	case *Macro:
		return s.feedMacro(m)
	default:
		switch msg.Family() {
		case FamilyEvent:
			return s.feedEvent(msg)
		case FamilyMisc:
			return s.unexpected(msg.Tag(), "misc/reserved messages are not accepted by default")
		default:
			return s.unexpected(msg.Tag(), "not a message the MTA sends")
		}
	}
}

// FeedOutbound advances the session with a message the filter sends back:
// a response or a modification. It returns ErrNotNegotiated before
// negotiation completes, and *UnexpectedMessage for an illegal phase,
// direction, or missing ActionFlags bit.
func (s *Session) FeedOutbound(msg Message) error {
	if s.phase == PhasePreNegotiate {
		return ErrNotNegotiated
	}
	switch msg.Family() {
	case FamilyResponse:
		return s.feedResponse(msg)
	case FamilyModification:
		return s.feedModification(msg)
	default:
		return s.unexpected(msg.Tag(), "not a message the filter sends")
	}
}

func (s *Session) unexpected(tag byte, reason string) *UnexpectedMessage {
	return &UnexpectedMessage{Phase: s.phase, Tag: tag, Message: reason}
}

// feedNegotiate resolves the MTA's offer against the filter's desired
// configuration, recording the intersection as the session's immutable
// negotiated parameters. See BuildNegotiateResponse for turning the result
// back into a wire message.
func (s *Session) feedNegotiate(mta *Negotiate) error {
	if s.phase != PhasePreNegotiate {
		return s.unexpected(mta.Tag(), "negotiation already completed")
	}
	maxData := DataSize64K
	if uint32(mta.Protocol)&protoMDS1M == protoMDS1M {
		maxData = DataSize1M
	} else if uint32(mta.Protocol)&protoMDS256K == protoMDS256K {
		maxData = DataSize256K
	}
	mtaProtocol := mta.Protocol &^ ProtocolFlags(protoInternal)

	var version uint32
	var actions ActionFlags
	var protocol ProtocolFlags
	var err error
	if s.negotiationHook != nil {
		version, actions, protocol, err = s.negotiationHook(mta.Version, s.desiredVersion, mta.Actions, s.desiredActions, mtaProtocol, s.desiredProtocol)
		if err != nil {
			return newNegotiationError("negotiation callback: %v", err)
		}
		if version < 2 {
			return newNegotiationError("unsupported protocol version %d", version)
		}
	} else {
		// The filter's own version ceiling never exceeds the MTA's offer:
		// the accepted version is the minimum of what both sides support.
		version = mta.Version
		if s.desiredVersion != 0 && s.desiredVersion < version {
			version = s.desiredVersion
		}
		if version < 2 {
			return newNegotiationError("unsupported protocol version %d", version)
		}
		if s.desiredActions&mta.Actions != s.desiredActions {
			return newNegotiationError("MTA does not offer required actions: offered %#x wanted %#x", mta.Actions, s.desiredActions)
		}
		actions = s.desiredActions & mta.Actions
		if s.desiredProtocol&mtaProtocol != s.desiredProtocol {
			return newNegotiationError("MTA does not offer required protocol options: offered %#x wanted %#x", mtaProtocol, s.desiredProtocol)
		}
		protocol = s.desiredProtocol & mtaProtocol
	}

	s.version = version
	s.actions = actions
	s.protocol = protocol
	s.maxData = maxData
	s.phase = PhaseNegotiated
	s.pendingOffer = mta
	return nil
}

// BuildNegotiateResponse returns the Negotiate message the filter should
// send back after a successful FeedInbound of the MTA's offer, including
// the macro table built from the stages configured with WithMacroRequest.
// It returns false if negotiation has not yet completed.
func (s *Session) BuildNegotiateResponse() (*Negotiate, bool) {
	if s.phase == PhasePreNegotiate {
		return nil, false
	}
	resp := &Negotiate{Version: s.version, Actions: s.actions, Protocol: s.protocol}
	if s.macroRequests != nil && s.pendingOffer != nil && s.pendingOffer.Actions.Has(ActionSetSymbolList) {
		table := make(MacroTable)
		for st := 0; st < int(StageEndMarker) && st < len(s.macroRequests); st++ {
			if len(s.macroRequests[st]) > 0 {
				table[MacroStage(st)] = s.macroRequests[st]
			}
		}
		if len(table) > 0 {
			resp.Macros = table
		}
	} else if s.macroRequests != nil {
		LogWarning("milter could not request macros since the MTA does not support SetSymbolList")
	}
	return resp, true
}

func (s *Session) feedMacro(m *Macro) error {
	if s.phase == PhasePreNegotiate {
		return ErrNotNegotiated
	}
	stage, ok := StageForCode(m.Event)
	if !ok {
		LogWarning("MTA sent macro for %q, which this session does not track; ignoring", m.Event)
		return nil
	}
	s.macros.DelStageAndAbove(stage)
	if len(m.Pairs) > 0 {
		kv := make([]string, 0, len(m.Pairs)*2)
		for _, p := range m.Pairs {
			kv = append(kv, p.Name, p.Value)
		}
		s.macros.SetStage(stage, kv...)
	}
	return nil
}

// eventRule describes the phases in which an event tag may legally be
// received and the phase it transitions to; negative values are sentinels
// meaning "no phase change".
type eventRule struct {
	legal []Phase
	next  Phase
	flag  ProtocolFlags // no-send bit; if negotiated, this event is illegal
}

func (s *Session) eventRules() map[byte]eventRule {
	return map[byte]eventRule{
		byte(wire.CodeConn):        {[]Phase{PhaseNegotiated}, PhaseConnected, ProtocolNoConnect},
		byte(wire.CodeHelo):        {[]Phase{PhaseConnected, PhaseGreeted}, PhaseGreeted, ProtocolNoHelo},
		byte(wire.CodeQuitNewConn): {[]Phase{PhaseConnected, PhaseGreeted}, PhaseEnvelope, ProtocolNoMailFrom}, // EnvelopeFrom
		byte(wire.CodeRcpt):        {[]Phase{PhaseEnvelope}, PhaseEnvelope, ProtocolNoRcptTo},
		byte(wire.CodeData):        {[]Phase{PhaseEnvelope}, PhaseData, ProtocolNoData},
		byte(wire.CodeHeader):      {[]Phase{PhaseData, PhaseHeaders}, PhaseHeaders, ProtocolNoHeaders},
		byte(wire.CodeEOH):         {[]Phase{PhaseData, PhaseHeaders}, PhaseBody, ProtocolNoEOH},
		byte(wire.CodeBody):        {[]Phase{PhaseBody}, PhaseBody, ProtocolNoBody},
		byte(wire.CodeEOB):         {[]Phase{PhaseBody}, PhaseAwaitingEom, 0},
		byte(wire.CodeUnknown):     {[]Phase{PhaseConnected, PhaseGreeted, PhaseEnvelope, PhaseData, PhaseHeaders, PhaseBody, PhaseAwaitingEom}, -1, ProtocolNoUnknown},
		byte(wire.CodeAbort):       {[]Phase{PhaseEnvelope, PhaseData, PhaseHeaders, PhaseBody, PhaseAwaitingEom}, PhaseGreeted, 0},
	}
}

func (s *Session) feedEvent(msg Message) error {
	if msg.Tag() == byte(wire.CodeQuit) {
		s.phase = PhaseClosed
		return nil
	}
	rule, ok := s.eventRules()[msg.Tag()]
	if !ok {
		return s.unexpected(msg.Tag(), "unrecognized event tag")
	}
	if rule.flag != 0 && s.protocol.Has(rule.flag) {
		return s.unexpected(msg.Tag(), "MTA was asked not to send this event")
	}
	if !phaseIn(s.phase, rule.legal) {
		return s.unexpected(msg.Tag(), "illegal in phase "+s.phase.String())
	}
	if (rule.next == PhaseEnvelope && msg.Tag() == byte(wire.CodeQuitNewConn)) || msg.Tag() == byte(wire.CodeAbort) {
		s.recipientCount = 0
	}
	if msg.Tag() == byte(wire.CodeRcpt) {
		s.recipientCount++
	}
	if rule.next >= 0 {
		s.phase = rule.next
	}
	// Macros attached at a regular stage stay visible for later events;
	// command-level macros at StageEndMarker cover only this one event.
	if stage, ok := StageForCode(msg.Tag()); ok && stage == StageEndMarker {
		s.macros.DelStageAndAbove(StageEndMarker)
	}
	return nil
}

func phaseIn(p Phase, phases []Phase) bool {
	for _, x := range phases {
		if x == p {
			return true
		}
	}
	return false
}

func (s *Session) feedResponse(msg Message) error {
	if !phaseIn(s.phase, []Phase{PhaseConnected, PhaseGreeted, PhaseEnvelope, PhaseData, PhaseHeaders, PhaseBody, PhaseAwaitingEom}) {
		return s.unexpected(msg.Tag(), "no event is outstanding")
	}
	if _, isSkip := msg.(*Skip); isSkip {
		if s.phase != PhaseBody {
			return s.unexpected(msg.Tag(), "Skip is only legal from the Body phase")
		}
		if !s.protocol.Has(ProtocolSkip) {
			return s.unexpected(msg.Tag(), "Skip was not negotiated")
		}
	}
	if s.phase == PhaseAwaitingEom {
		s.phase = PhaseGreeted
	}
	return nil
}

var modificationFlags = map[byte]ActionFlags{
	byte(wire.ActAddHeader):    ActionAddHeader,
	byte(wire.ActChangeHeader): ActionChangeHeader,
	byte(wire.ActInsertHeader): ActionAddHeader,
	byte(wire.ActChangeFrom):   ActionChangeSender,
	byte(wire.ActAddRcpt):      ActionAddRecipient,
	byte(wire.ActAddRcptPar):   ActionAddRecipientArgs,
	byte(wire.ActDelRcpt):      ActionRemoveRecipient,
	byte(wire.ActReplBody):     ActionChangeBody,
	byte(wire.ActQuarantine):   ActionQuarantine,
}

func (s *Session) feedModification(msg Message) error {
	if s.phase != PhaseAwaitingEom {
		return s.unexpected(msg.Tag(), "modifications are only legal within AwaitingEom")
	}
	if need, ok := modificationFlags[msg.Tag()]; ok && !s.actions.Has(need) {
		return s.unexpected(msg.Tag(), "ActionFlags does not permit this modification")
	}
	return nil
}
