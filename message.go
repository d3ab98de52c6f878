package milter

import (
	"github.com/sendproof/milterwire/internal/wire"
)

// Message is the closed, tagged sum of every value that can cross the
// milter wire: negotiation, macros, MTA->filter events, filter->MTA
// responses, and filter->MTA modifications.
//
// Concrete types implement Message by value of their tag byte and family;
// Encode (in codec.go) does the actual byte-level serialization.
type Message interface {
	// Tag returns this message's one-byte wire discriminator.
	Tag() byte
	// Family classifies the message for the session state machine.
	Family() Family
}

// ---- Setup family ------------------------------------------------------

// MacroTable maps a macro-bearing stage to the symbol names the sender
// wants delivered at that stage. It is carried inside Negotiate.
type MacroTable map[MacroStage][]string

// Negotiate is the first message of every session, sent by the MTA and
// answered by the filter with the intersection of requested capabilities.
type Negotiate struct {
	Version  uint32
	Actions  ActionFlags
	Protocol ProtocolFlags
	Macros   MacroTable
}

func (m *Negotiate) Tag() byte   { return byte(wire.CodeOptNeg) }
func (m *Negotiate) Family() Family { return FamilySetup }

// MacroPair is one name/value entry of a Macro message's string table.
type MacroPair struct {
	Name  string
	Value string
}

// Macro carries out-of-band symbol values the MTA attaches ahead of a
// specific event. Event identifies which event's tag the macros belong to.
type Macro struct {
	Event byte
	Pairs []MacroPair
}

func (m *Macro) Tag() byte      { return byte(wire.CodeMacro) }
func (m *Macro) Family() Family { return FamilySetup }

// Get returns the value of the first pair named name, and whether it was found.
func (m *Macro) Get(name string) (string, bool) {
	for _, p := range m.Pairs {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// ---- Event family (MTA -> filter) --------------------------------------

// Connect reports a new SMTP client connection.
type Connect struct {
	Hostname string
	Address  ConnectAddress
}

func (m *Connect) Tag() byte      { return byte(wire.CodeConn) }
func (m *Connect) Family() Family { return FamilyEvent }

// Helo reports the argument of a HELO/EHLO command.
type Helo struct {
	Name string
}

func (m *Helo) Tag() byte      { return byte(wire.CodeHelo) }
func (m *Helo) Family() Family { return FamilyEvent }

// EnvelopeFrom reports a MAIL FROM command. Sender already carries its <>
// envelope delimiters; Args holds the ESMTP parameters, one per entry.
//
// EnvelopeFrom decodes from and encodes to tag 'K', not the 'M' a reader
// used to the wider milter ecosystem might expect: see the package doc for
// why this implementation follows the normative tag table's assignment of
// 'K' rather than the historical one.
type EnvelopeFrom struct {
	Sender string
	Args   []string
}

func (m *EnvelopeFrom) Tag() byte      { return byte(wire.CodeQuitNewConn) }
func (m *EnvelopeFrom) Family() Family { return FamilyEvent }

// EnvelopeRecipient reports one RCPT TO command. A transaction has one or
// more of these between EnvelopeFrom and Data.
type EnvelopeRecipient struct {
	Recipient string
	Args      []string
}

func (m *EnvelopeRecipient) Tag() byte      { return byte(wire.CodeRcpt) }
func (m *EnvelopeRecipient) Family() Family { return FamilyEvent }

// Data reports the start of the DATA command. It carries no payload.
type Data struct{}

func (m *Data) Tag() byte      { return byte(wire.CodeData) }
func (m *Data) Family() Family { return FamilyEvent }

// Unknown reports an SMTP command the MTA did not otherwise recognize.
type Unknown struct {
	Line string
}

func (m *Unknown) Tag() byte      { return byte(wire.CodeUnknown) }
func (m *Unknown) Family() Family { return FamilyEvent }

// Header reports one message header field.
type Header struct {
	Name  string
	Value string
}

func (m *Header) Tag() byte      { return byte(wire.CodeHeader) }
func (m *Header) Family() Family { return FamilyEvent }

// EndOfHeaders marks the end of the header block. It carries no payload.
type EndOfHeaders struct{}

func (m *EndOfHeaders) Tag() byte      { return byte(wire.CodeEOH) }
func (m *EndOfHeaders) Family() Family { return FamilyEvent }

// Body carries one raw, unterminated chunk of the message body.
type Body struct {
	Chunk []byte
}

func (m *Body) Tag() byte      { return byte(wire.CodeBody) }
func (m *Body) Family() Family { return FamilyEvent }

// EndOfMessage marks the end of the message body and carries any final body
// bytes that arrived in the same frame. A Session accepts it from the Body
// phase whether or not a Skip response preceded it, and does not interpret
// Final.
type EndOfMessage struct {
	Final []byte
}

func (m *EndOfMessage) Tag() byte      { return byte(wire.CodeEOB) }
func (m *EndOfMessage) Family() Family { return FamilyEvent }

// Abort tells the filter to discard all state for the current transaction;
// the session returns to the Greeted phase without going through a response.
type Abort struct{}

func (m *Abort) Tag() byte      { return byte(wire.CodeAbort) }
func (m *Abort) Family() Family { return FamilyEvent }

// Close tells the filter the MTA is done with this connection.
type Close struct{}

func (m *Close) Tag() byte      { return byte(wire.CodeQuit) }
func (m *Close) Family() Family { return FamilyEvent }

// QuitNewConnection names the historical "close this connection, a new one
// is about to start" message. Its tag 'K' is claimed by EnvelopeFrom in this
// protocol's tag table (see the package doc), leaving QuitNewConnection with
// no wire representation of its own; it exists only so the type is nameable.
// Encode rejects it and decode never produces it.
type QuitNewConnection struct{}

func (m *QuitNewConnection) Tag() byte      { return 0 }
func (m *QuitNewConnection) Family() Family { return FamilyEvent }

// ---- Response family (filter -> MTA) ------------------------------------

// Continue tells the MTA to proceed to the next event.
type Continue struct{}

func (m *Continue) Tag() byte      { return byte(wire.ActContinue) }
func (m *Continue) Family() Family { return FamilyResponse }

// Reject tells the MTA to hard-reject the current transaction.
type Reject struct{}

func (m *Reject) Tag() byte      { return byte(wire.ActReject) }
func (m *Reject) Family() Family { return FamilyResponse }

// Discard tells the MTA to silently discard the current transaction.
type Discard struct{}

func (m *Discard) Tag() byte      { return byte(wire.ActDiscard) }
func (m *Discard) Family() Family { return FamilyResponse }

// Accept tells the MTA to accept the current transaction without further events.
type Accept struct{}

func (m *Accept) Tag() byte      { return byte(wire.ActAccept) }
func (m *Accept) Family() Family { return FamilyResponse }

// TemporaryFailure tells the MTA to soft-reject the current transaction.
type TemporaryFailure struct{}

func (m *TemporaryFailure) Tag() byte      { return byte(wire.ActTempFail) }
func (m *TemporaryFailure) Family() Family { return FamilyResponse }

// Skip tells the MTA it does not need to send further events of the same
// kind as the one just answered. Only legal from the Body phase, and only
// when ProtocolSkip was negotiated.
type Skip struct{}

func (m *Skip) Tag() byte      { return byte(wire.ActSkip) }
func (m *Skip) Family() Family { return FamilyResponse }

// ReplyCode tells the MTA to respond to the SMTP client with a specific
// three-digit code and text. Use BuildReplyCode to construct one from a
// code and a freeform reason with correct canonicalization.
type ReplyCode struct {
	Code uint16
	Text string
}

func (m *ReplyCode) Tag() byte      { return byte(wire.ActReplyCode) }
func (m *ReplyCode) Family() Family { return FamilyResponse }

// ---- Modification family (filter -> MTA, AwaitingEom only) --------------

// AddHeader appends a new header field at the end of the message.
type AddHeader struct {
	Name  string
	Value string
}

func (m *AddHeader) Tag() byte      { return byte(wire.ActAddHeader) }
func (m *AddHeader) Family() Family { return FamilyModification }

// ChangeHeader replaces (or, with an empty Value, deletes) the Index-th
// occurrence (1-based, per canonical header name) of a header field.
type ChangeHeader struct {
	Index uint32
	Name  string
	Value string
}

func (m *ChangeHeader) Tag() byte      { return byte(wire.ActChangeHeader) }
func (m *ChangeHeader) Family() Family { return FamilyModification }

// InsertHeader inserts a header field after the Index-th header overall
// (Index == 0 means "at the very beginning").
type InsertHeader struct {
	Index uint32
	Name  string
	Value string
}

func (m *InsertHeader) Tag() byte      { return byte(wire.ActInsertHeader) }
func (m *InsertHeader) Family() Family { return FamilyModification }

// ChangeSender replaces the envelope sender. Args is optional ESMTP
// parameter text; an empty Args with HasArgs false encodes without the
// second field at all (distinguishing "no args" from "empty args").
type ChangeSender struct {
	Address  string
	Args     string
	HasArgs  bool
}

func (m *ChangeSender) Tag() byte      { return byte(wire.ActChangeFrom) }
func (m *ChangeSender) Family() Family { return FamilyModification }

// AddRecipient appends a new envelope recipient with no ESMTP parameters.
type AddRecipient struct {
	Address string
}

func (m *AddRecipient) Tag() byte      { return byte(wire.ActAddRcpt) }
func (m *AddRecipient) Family() Family { return FamilyModification }

// AddRecipientPar appends a new envelope recipient together with ESMTP
// parameters. Requires ActionAddRecipientArgs.
type AddRecipientPar struct {
	Address string
	Args    string
}

func (m *AddRecipientPar) Tag() byte      { return byte(wire.ActAddRcptPar) }
func (m *AddRecipientPar) Family() Family { return FamilyModification }

// RemoveRecipient removes an envelope recipient previously added by the MTA.
type RemoveRecipient struct {
	Address string
}

func (m *RemoveRecipient) Tag() byte      { return byte(wire.ActDelRcpt) }
func (m *RemoveRecipient) Family() Family { return FamilyModification }

// ReplaceBody replaces a chunk of the message body. The MTA concatenates
// every ReplaceBody chunk sent during one EndOfMessage window.
type ReplaceBody struct {
	Chunk []byte
}

func (m *ReplaceBody) Tag() byte      { return byte(wire.ActReplBody) }
func (m *ReplaceBody) Family() Family { return FamilyModification }

// Progress asks the MTA to reset its read timeout for this milter, without
// otherwise affecting the transaction. It carries no payload.
type Progress struct{}

func (m *Progress) Tag() byte      { return byte(wire.ActProgress) }
func (m *Progress) Family() Family { return FamilyModification }

// Quarantine holds the message for later inspection instead of delivering
// it, with Reason recorded as the cause. Only meaningful alongside Accept.
type Quarantine struct {
	Reason string
}

func (m *Quarantine) Tag() byte      { return byte(wire.ActQuarantine) }
func (m *Quarantine) Family() Family { return FamilyModification }

// ---- Misc / reserved family ----------------------------------------------

// Misc is the catch-all for the reserved tags (Shutdown, ConnectionFail,
// SetSymbolList) that carry no documented payload shape, and for any other
// tag byte the decoder does not otherwise recognize. The decoder never
// errors on an unrecognized tag; it decodes to a Misc with RawTag set and
// Payload holding the frame's bytes unexamined.
type Misc struct {
	RawTag  byte
	Payload []byte
}

func (m *Misc) Tag() byte      { return m.RawTag }
func (m *Misc) Family() Family { return FamilyMisc }
