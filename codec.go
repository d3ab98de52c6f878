package milter

import (
	"encoding/binary"
	"net"
	"strconv"
	"strings"

	"github.com/sendproof/milterwire/internal/wire"
)

// Decoder turns a stream of bytes into a sequence of Messages. It does not
// read from anything itself: the caller Feeds it bytes as they arrive (from
// a socket, a test fixture, whatever) and pulls messages back out.
//
// A Decoder is not safe for concurrent use. The zero value is not usable;
// use NewDecoder.
type Decoder struct {
	buf          []byte
	off          int
	maxFrameSize uint32
}

// NewDecoder returns a Decoder that rejects frames declaring a size (tag
// byte plus payload) larger than maxFrameSize. A maxFrameSize of 0 uses
// wire.DefaultMaxFrameSize.
func NewDecoder(maxFrameSize uint32) *Decoder {
	if maxFrameSize == 0 {
		maxFrameSize = wire.DefaultMaxFrameSize
	}
	return &Decoder{maxFrameSize: maxFrameSize}
}

// Feed appends b to the decoder's internal buffer. It never blocks and
// never fails; b is copied, so the caller may reuse its storage afterward.
func (d *Decoder) Feed(b []byte) {
	if d.off > 0 && d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
	}
	d.buf = append(d.buf, b...)
}

// ReadOne attempts to pop one complete message from the internal buffer.
// It returns wire.ErrNeedMore if the buffer does not yet hold a whole
// frame; the caller should Feed more bytes and retry. Any other error is
// terminal for the session the bytes came from.
func (d *Decoder) ReadOne() (Message, error) {
	tag, payload, n, err := wire.ReadFrame(d.buf[d.off:], d.maxFrameSize)
	if err != nil {
		return nil, err
	}
	msg, err := decodeMessage(tag, payload)
	d.off += n
	if d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
	} else if d.off > 64*1024 {
		// compact occasionally so a long-lived decoder does not retain
		// every byte it has ever seen
		d.buf = append(d.buf[:0], d.buf[d.off:]...)
		d.off = 0
	}
	return msg, err
}

// ReadMany drains every complete message currently buffered, stopping at
// the first wire.ErrNeedMore. It returns the messages decoded so far and
// the first terminal error encountered, if any (ErrNeedMore itself is not
// returned as an error here - an empty, nil-error result at end of input
// is the expected outcome of an exhausted buffer).
func (d *Decoder) ReadMany() ([]Message, error) {
	var out []Message
	for {
		msg, err := d.ReadOne()
		if err == wire.ErrNeedMore {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, msg)
	}
}

// Encoder serializes Messages to their wire representation. It holds no
// state, and its methods never consult a Session: legality checking belongs
// to Session, not the codec.
type Encoder struct{}

// NewEncoder returns a ready-to-use Encoder.
func NewEncoder() *Encoder { return &Encoder{} }

// Encode appends the wire representation of msg to dst and returns the
// extended slice, like append does. It fails only if msg is malformed in a
// way its Go type should have prevented (an empty EnvelopeFrom sender or
// EnvelopeRecipient recipient, an out-of-range ReplyCode, a Connect with an
// unrecognized address family, the tagless QuitNewConnection, or a type
// outside this package's Message set), or if the encoded frame would exceed
// wire.HardMaxFrameSize.
func (e *Encoder) Encode(dst []byte, msg Message) ([]byte, error) {
	payload, err := encodePayload(msg)
	if err != nil {
		return dst, err
	}
	return wire.AppendFrame(dst, msg.Tag(), payload)
}

// ---- decode ---------------------------------------------------------------

func decodeMessage(tag byte, payload []byte) (Message, error) {
	switch wire.Code(tag) {
	case wire.CodeOptNeg:
		return decodeNegotiate(payload)
	case wire.CodeMacro:
		return decodeMacro(payload)
	case wire.CodeConn:
		return decodeConnect(payload)
	case wire.CodeHelo:
		return decodeHelo(payload)
	case wire.CodeQuitNewConn: // EnvelopeFrom's tag in this protocol's table
		return decodeEnvelopeFrom(payload)
	case wire.CodeRcpt:
		return decodeEnvelopeRecipient(payload)
	case wire.CodeData:
		if len(payload) != 0 {
			return nil, newFramingError(tag, "Data: unexpected payload of %d bytes", len(payload))
		}
		return &Data{}, nil
	case wire.CodeUnknown:
		return &Unknown{Line: wire.ReadCString(payload)}, nil
	case wire.CodeHeader:
		return decodeHeader(payload)
	case wire.CodeEOH:
		if len(payload) != 0 {
			return nil, newFramingError(tag, "EndOfHeaders: unexpected payload of %d bytes", len(payload))
		}
		return &EndOfHeaders{}, nil
	case wire.CodeBody:
		return &Body{Chunk: append([]byte(nil), payload...)}, nil
	case wire.CodeEOB:
		return &EndOfMessage{Final: append([]byte(nil), payload...)}, nil
	case wire.CodeAbort:
		if len(payload) != 0 {
			return nil, newFramingError(tag, "Abort: unexpected payload of %d bytes", len(payload))
		}
		return &Abort{}, nil
	case wire.CodeQuit:
		if len(payload) != 0 {
			return nil, newFramingError(tag, "Close: unexpected payload of %d bytes", len(payload))
		}
		return &Close{}, nil
	case wire.Code(wire.ActContinue):
		return emptyResponse(tag, payload, &Continue{})
	case wire.Code(wire.ActReject):
		return emptyResponse(tag, payload, &Reject{})
	case wire.Code(wire.ActDiscard):
		return emptyResponse(tag, payload, &Discard{})
	case wire.Code(wire.ActAccept):
		return emptyResponse(tag, payload, &Accept{})
	case wire.Code(wire.ActTempFail):
		return emptyResponse(tag, payload, &TemporaryFailure{})
	case wire.Code(wire.ActSkip):
		return emptyResponse(tag, payload, &Skip{})
	case wire.Code(wire.ActReplyCode):
		return decodeReplyCode(payload)
	case wire.Code(wire.ActAddHeader):
		return decodeAddHeader(payload)
	case wire.Code(wire.ActChangeHeader):
		return decodeIndexedHeader(tag, payload, func(idx uint32, n, v string) Message {
			return &ChangeHeader{Index: idx, Name: n, Value: v}
		})
	case wire.Code(wire.ActInsertHeader):
		return decodeIndexedHeader(tag, payload, func(idx uint32, n, v string) Message {
			return &InsertHeader{Index: idx, Name: n, Value: v}
		})
	case wire.Code(wire.ActChangeFrom):
		return decodeChangeSender(payload)
	case wire.Code(wire.ActAddRcpt):
		return &AddRecipient{Address: wire.ReadCString(payload)}, nil
	case wire.Code(wire.ActAddRcptPar):
		return decodeAddRecipientPar(payload)
	case wire.Code(wire.ActDelRcpt):
		return &RemoveRecipient{Address: wire.ReadCString(payload)}, nil
	case wire.Code(wire.ActReplBody):
		return &ReplaceBody{Chunk: append([]byte(nil), payload...)}, nil
	case wire.Code(wire.ActProgress):
		if len(payload) != 0 {
			return nil, newFramingError(tag, "Progress: unexpected payload of %d bytes", len(payload))
		}
		return &Progress{}, nil
	case wire.Code(wire.ActQuarantine):
		return &Quarantine{Reason: wire.ReadCString(payload)}, nil
	default:
		return &Misc{RawTag: tag, Payload: append([]byte(nil), payload...)}, nil
	}
}

func emptyResponse(tag byte, payload []byte, msg Message) (Message, error) {
	if len(payload) != 0 {
		return nil, newFramingError(tag, "%T: unexpected payload of %d bytes", msg, len(payload))
	}
	return msg, nil
}

func decodeNegotiate(payload []byte) (Message, error) {
	if len(payload) < 12 {
		return nil, newFramingError(byte(wire.CodeOptNeg), "Negotiate: need at least 12 bytes, got %d", len(payload))
	}
	version, _ := wire.ReadUint32(payload[0:4])
	actions, _ := wire.ReadUint32(payload[4:8])
	protocol, _ := wire.ReadUint32(payload[8:12])
	msg := &Negotiate{Version: version, Actions: ActionFlags(actions), Protocol: ProtocolFlags(protocol)}
	rest := payload[12:]
	if len(rest) == 0 {
		return msg, nil
	}
	table := make(MacroTable)
	for len(rest) >= 4 {
		stage, _ := wire.ReadUint32(rest[0:4])
		rest = rest[4:]
		names, tail, err := wire.ReadCStringStrict(rest)
		if err != nil {
			return nil, newFramingError(byte(wire.CodeOptNeg), "Negotiate: malformed macro table: %v", err)
		}
		rest = tail
		table[MacroStage(stage)] = removeDuplicates(parseRequestedMacros(names))
	}
	if len(rest) != 0 {
		return nil, newFramingError(byte(wire.CodeOptNeg), "Negotiate: %d trailing bytes in macro table", len(rest))
	}
	if len(table) > 0 {
		msg.Macros = table
	}
	return msg, nil
}

func decodeMacro(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return nil, newFramingError(byte(wire.CodeMacro), "Macro: empty payload")
	}
	event := payload[0]
	fields := wire.DecodeCStrings(payload[1:])
	if len(fields)%2 != 0 {
		return nil, newFramingError(byte(wire.CodeMacro), "Macro: odd number of strings in table: %d", len(fields))
	}
	msg := &Macro{Event: event}
	for i := 0; i < len(fields); i += 2 {
		msg.Pairs = append(msg.Pairs, MacroPair{Name: fields[i], Value: fields[i+1]})
	}
	return msg, nil
}

func decodeConnect(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return nil, newFramingError(byte(wire.CodeConn), "Connect: empty payload")
	}
	hostname, rest, err := wire.ReadCStringStrict(payload)
	if err != nil {
		return nil, newFramingError(byte(wire.CodeConn), "Connect: hostname: %v", err)
	}
	if len(rest) == 0 {
		return nil, newFramingError(byte(wire.CodeConn), "Connect: missing address family byte")
	}
	family := AddressFamily(rest[0])
	rest = rest[1:]
	addr := ConnectAddress{Family: family}
	switch family {
	case FamilyUnknown:
		if len(rest) != 0 {
			return nil, newFramingError(byte(wire.CodeConn), "Connect: unexpected trailing bytes for unknown family")
		}
	case FamilyUnix, FamilyInet, FamilyInet6:
		if len(rest) < 2 {
			return nil, newFramingError(byte(wire.CodeConn), "Connect: need 2 bytes for port, got %d", len(rest))
		}
		addr.Port = binary.BigEndian.Uint16(rest[:2])
		address, tail, err := wire.ReadCStringStrict(rest[2:])
		if err != nil {
			return nil, newFramingError(byte(wire.CodeConn), "Connect: address: %v", err)
		}
		if len(tail) != 0 {
			return nil, newFramingError(byte(wire.CodeConn), "Connect: %d trailing bytes after address", len(tail))
		}
		switch family {
		case FamilyInet:
			ip := net.ParseIP(address)
			if ip == nil || ip.To4() == nil {
				return nil, newFramingError(byte(wire.CodeConn), "Connect: invalid IPv4 address %q", address)
			}
			address = ip.String()
		case FamilyInet6:
			a := strings.TrimPrefix(address, "IPv6:")
			if len(a) > 2 && a[0] == '[' && a[len(a)-1] == ']' {
				a = a[1 : len(a)-1]
			}
			ip := net.ParseIP(a)
			if ip == nil {
				return nil, newFramingError(byte(wire.CodeConn), "Connect: invalid IPv6 address %q", address)
			}
			address = ip.String()
		}
		addr.Address = address
	default:
		return nil, newFramingError(byte(wire.CodeConn), "Connect: unrecognized address family %q", family)
	}
	return &Connect{Hostname: hostname, Address: addr}, nil
}

func decodeHelo(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return nil, newFramingError(byte(wire.CodeHelo), "Helo: empty payload")
	}
	name, rest, err := wire.ReadCStringStrict(payload)
	if err != nil {
		return nil, newFramingError(byte(wire.CodeHelo), "Helo: %v", err)
	}
	if len(rest) != 0 {
		return nil, newFramingError(byte(wire.CodeHelo), "Helo: %d trailing bytes", len(rest))
	}
	return &Helo{Name: name}, nil
}

func decodeEnvelopeFrom(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return nil, newFramingError(byte(wire.CodeQuitNewConn), "EnvelopeFrom: empty payload")
	}
	sender, rest, err := wire.ReadCStringStrict(payload)
	if err != nil {
		return nil, newFramingError(byte(wire.CodeQuitNewConn), "EnvelopeFrom: sender: %v", err)
	}
	return &EnvelopeFrom{Sender: sender, Args: wire.DecodeCStrings(rest)}, nil
}

func decodeEnvelopeRecipient(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return nil, newFramingError(byte(wire.CodeRcpt), "EnvelopeRecipient: empty payload")
	}
	recipient, rest, err := wire.ReadCStringStrict(payload)
	if err != nil {
		return nil, newFramingError(byte(wire.CodeRcpt), "EnvelopeRecipient: recipient: %v", err)
	}
	return &EnvelopeRecipient{Recipient: recipient, Args: wire.DecodeCStrings(rest)}, nil
}

func decodeHeader(payload []byte) (Message, error) {
	fields := wire.DecodeCStrings(payload)
	if len(fields) != 2 {
		return nil, newFramingError(byte(wire.CodeHeader), "Header: expected 2 strings, got %d", len(fields))
	}
	if !validName(fields[0]) {
		return nil, newFramingError(byte(wire.CodeHeader), "Header: invalid field name %q", fields[0])
	}
	return &Header{Name: fields[0], Value: fields[1]}, nil
}

func decodeReplyCode(payload []byte) (Message, error) {
	text, rest, err := wire.ReadCStringStrict(payload)
	if err != nil {
		return nil, newFramingError(byte(wire.ActReplyCode), "ReplyCode: %v", err)
	}
	if len(rest) != 0 {
		return nil, newFramingError(byte(wire.ActReplyCode), "ReplyCode: %d trailing bytes", len(rest))
	}
	if len(text) < 4 || text[3] != ' ' && text[3] != '-' {
		return nil, newFramingError(byte(wire.ActReplyCode), "ReplyCode: malformed response %q", text)
	}
	for i := 0; i < 3; i++ {
		if text[i] < '0' || text[i] > '9' {
			return nil, newFramingError(byte(wire.ActReplyCode), "ReplyCode: non-numeric code in %q", text)
		}
	}
	if text[0] != '4' && text[0] != '5' {
		return nil, newFramingError(byte(wire.ActReplyCode), "ReplyCode: code %q is not in 4xx/5xx", text[:3])
	}
	code, _ := strconv.ParseUint(text[:3], 10, 16)
	return &ReplyCode{Code: uint16(code), Text: text}, nil
}

func decodeAddHeader(payload []byte) (Message, error) {
	fields := wire.DecodeCStrings(payload)
	if len(fields) != 2 {
		return nil, newFramingError(byte(wire.ActAddHeader), "AddHeader: expected 2 strings, got %d", len(fields))
	}
	if !validName(fields[0]) {
		return nil, newFramingError(byte(wire.ActAddHeader), "AddHeader: invalid field name %q", fields[0])
	}
	return &AddHeader{Name: fields[0], Value: fields[1]}, nil
}

func decodeIndexedHeader(tag byte, payload []byte, build func(idx uint32, name, value string) Message) (Message, error) {
	if len(payload) < 4 {
		return nil, newFramingError(tag, "need 4 bytes for index, got %d", len(payload))
	}
	idx, _ := wire.ReadUint32(payload[:4])
	fields := wire.DecodeCStrings(payload[4:])
	if len(fields) != 2 {
		return nil, newFramingError(tag, "expected 2 strings after index, got %d", len(fields))
	}
	if !validName(fields[0]) {
		return nil, newFramingError(tag, "invalid field name %q", fields[0])
	}
	return build(idx, fields[0], fields[1]), nil
}

func decodeChangeSender(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return nil, newFramingError(byte(wire.ActChangeFrom), "ChangeSender: empty payload")
	}
	address, rest, err := wire.ReadCStringStrict(payload)
	if err != nil {
		return nil, newFramingError(byte(wire.ActChangeFrom), "ChangeSender: %v", err)
	}
	if len(rest) == 0 {
		return &ChangeSender{Address: address}, nil
	}
	args, tail, err := wire.ReadCStringStrict(rest)
	if err != nil {
		return nil, newFramingError(byte(wire.ActChangeFrom), "ChangeSender: args: %v", err)
	}
	if len(tail) != 0 {
		return nil, newFramingError(byte(wire.ActChangeFrom), "ChangeSender: %d trailing bytes", len(tail))
	}
	return &ChangeSender{Address: address, Args: args, HasArgs: true}, nil
}

func decodeAddRecipientPar(payload []byte) (Message, error) {
	address, rest, err := wire.ReadCStringStrict(payload)
	if err != nil {
		return nil, newFramingError(byte(wire.ActAddRcptPar), "AddRecipientPar: address: %v", err)
	}
	args := wire.ReadCString(rest)
	return &AddRecipientPar{Address: address, Args: args}, nil
}

// ---- encode -----------------------------------------------------------

func encodePayload(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *Negotiate:
		return encodeNegotiate(m), nil
	case *Macro:
		return encodeMacro(m), nil
	case *Connect:
		return encodeConnect(m)
	case *Helo:
		return wire.AppendCString(nil, m.Name), nil
	case *EnvelopeFrom:
		if m.Sender == "" {
			return nil, newFramingError(m.Tag(), "EnvelopeFrom: empty sender")
		}
		buf := wire.AppendCString(nil, m.Sender)
		return appendCStrings(buf, m.Args), nil
	case *EnvelopeRecipient:
		if m.Recipient == "" {
			return nil, newFramingError(m.Tag(), "EnvelopeRecipient: empty recipient")
		}
		buf := wire.AppendCString(nil, m.Recipient)
		return appendCStrings(buf, m.Args), nil
	case *Data, *EndOfHeaders, *Abort, *Close, *Continue, *Reject, *Discard, *Accept, *TemporaryFailure, *Skip, *Progress:
		return nil, nil
	case *Unknown:
		return wire.AppendCString(nil, m.Line), nil
	case *Header:
		buf := wire.AppendCString(nil, m.Name)
		return wire.AppendCString(buf, m.Value), nil
	case *Body:
		return m.Chunk, nil
	case *EndOfMessage:
		return m.Final, nil
	case *QuitNewConnection:
		return nil, newFramingError(0, "QuitNewConnection has no wire representation; its tag is claimed by EnvelopeFrom")
	case *ReplyCode:
		if len(m.Text) < 4 || (m.Text[0] != '4' && m.Text[0] != '5') {
			return nil, newFramingError(m.Tag(), "ReplyCode: %q is not a well-formed 4xx/5xx response", m.Text)
		}
		return wire.AppendCString(nil, m.Text), nil
	case *AddHeader:
		buf := wire.AppendCString(nil, m.Name)
		return wire.AppendCString(buf, m.Value), nil
	case *ChangeHeader:
		return encodeIndexedHeader(m.Index, m.Name, m.Value), nil
	case *InsertHeader:
		return encodeIndexedHeader(m.Index, m.Name, m.Value), nil
	case *ChangeSender:
		buf := wire.AppendCString(nil, m.Address)
		if m.HasArgs {
			buf = wire.AppendCString(buf, m.Args)
		}
		return buf, nil
	case *AddRecipient:
		return wire.AppendCString(nil, m.Address), nil
	case *AddRecipientPar:
		buf := wire.AppendCString(nil, m.Address)
		return wire.AppendCString(buf, m.Args), nil
	case *RemoveRecipient:
		return wire.AppendCString(nil, m.Address), nil
	case *ReplaceBody:
		return m.Chunk, nil
	case *Quarantine:
		return wire.AppendCString(nil, m.Reason), nil
	case *Misc:
		return m.Payload, nil
	default:
		return nil, newFramingError(msg.Tag(), "unencodable message type %T", msg)
	}
}

func appendCStrings(dst []byte, fields []string) []byte {
	if len(fields) == 0 {
		return dst
	}
	return wire.AppendCString(dst, strings.Join(fields, string([]byte{0})))
}

func encodeNegotiate(m *Negotiate) []byte {
	buf := wire.AppendUint32(nil, m.Version)
	buf = wire.AppendUint32(buf, uint32(m.Actions))
	buf = wire.AppendUint32(buf, uint32(m.Protocol))
	for stage := MacroStage(0); stage <= StageEndMarker; stage++ {
		names, ok := m.Macros[stage]
		if !ok || len(names) == 0 {
			continue
		}
		buf = wire.AppendUint32(buf, uint32(stage))
		buf = wire.AppendCString(buf, strings.Join(names, " "))
	}
	return buf
}

func encodeMacro(m *Macro) []byte {
	buf := []byte{m.Event}
	for _, p := range m.Pairs {
		buf = wire.AppendCString(buf, p.Name)
		buf = wire.AppendCString(buf, p.Value)
	}
	return buf
}

func encodeConnect(m *Connect) ([]byte, error) {
	buf := wire.AppendCString(nil, m.Hostname)
	buf = append(buf, byte(m.Address.Family))
	switch m.Address.Family {
	case FamilyUnknown:
		return buf, nil
	case FamilyUnix, FamilyInet, FamilyInet6:
		buf = append(buf, byte(m.Address.Port>>8), byte(m.Address.Port))
		return wire.AppendCString(buf, m.Address.Address), nil
	default:
		return nil, newFramingError(m.Tag(), "Connect: unrecognized address family %q", m.Address.Family)
	}
}

func encodeIndexedHeader(idx uint32, name, value string) []byte {
	buf := wire.AppendUint32(nil, idx)
	buf = wire.AppendCString(buf, name)
	return wire.AppendCString(buf, value)
}
