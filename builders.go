package milter

import (
	"github.com/sendproof/milterwire/internal/wire"
	"github.com/sendproof/milterwire/milterutil"
)

// hasAngle reports whether str is already wrapped in <...>.
func hasAngle(str string) bool {
	return len(str) > 1 && str[0] == '<' && str[len(str)-1] == '>'
}

// AddAngle wraps str in <> if it is not already wrapped. Envelope addresses
// on the wire carry their angle brackets explicitly; this package does not
// add or remove them on decode, so callers building EnvelopeFrom,
// ChangeSender, AddRecipient, AddRecipientPar and similar messages by hand
// should apply it themselves.
func AddAngle(str string) string {
	if hasAngle(str) {
		return str
	}
	return "<" + str + ">"
}

// RemoveAngle strips a wrapping <> from str, or returns str unchanged if it
// is not wrapped.
func RemoveAngle(str string) string {
	if hasAngle(str) {
		return str[1 : len(str)-1]
	}
	return str
}

// validName reports whether name is a syntactically valid header field name:
// non-empty, printable ASCII, no colon.
func validName(name string) bool {
	if len(name) == 0 {
		return false
	}
	for _, r := range []byte(name) {
		if r <= ' ' || r >= '\x7F' || r == ':' {
			return false
		}
	}
	return true
}

// BuildReplyCode constructs a ReplyCode response for smtpCode/reason,
// canonicalizing line endings, escaping literal '%' (some MTAs treat it as
// a format specifier when relaying the text), and wrapping long or
// multi-line reasons into a proper multi-line SMTP response. smtpCode must
// be in 400..599; see milterutil.FormatResponse for the exact formatting
// rules.
func BuildReplyCode(smtpCode uint16, reason string) (*ReplyCode, error) {
	if smtpCode < 400 || smtpCode > 599 {
		return nil, newFramingError(byte(wire.ActReplyCode), "BuildReplyCode: code %d is not in 4xx/5xx", smtpCode)
	}
	text, err := milterutil.FormatResponse(smtpCode, reason)
	if err != nil {
		return nil, err
	}
	return &ReplyCode{Code: smtpCode, Text: text}, nil
}

// BuildAddHeader returns an AddHeader message with value's line endings
// canonicalized to bare LF, matching what the MTA expects on the wire. It
// rejects a name that is not a syntactically valid header field name.
func BuildAddHeader(name, value string) (*AddHeader, error) {
	if !validName(name) {
		return nil, newFramingError(byte(wire.ActAddHeader), "BuildAddHeader: invalid header name %q", name)
	}
	return &AddHeader{Name: name, Value: milterutil.CrLfToLf(value)}, nil
}

// BuildChangeHeader returns a ChangeHeader message with value's line
// endings canonicalized. An empty value deletes the index-th occurrence of
// name. It rejects a name that is not a syntactically valid header field
// name.
func BuildChangeHeader(index uint32, name, value string) (*ChangeHeader, error) {
	if !validName(name) {
		return nil, newFramingError(byte(wire.ActChangeHeader), "BuildChangeHeader: invalid header name %q", name)
	}
	return &ChangeHeader{Index: index, Name: name, Value: milterutil.CrLfToLf(value)}, nil
}

// BuildInsertHeader returns an InsertHeader message with value's line
// endings canonicalized. It rejects a name that is not a syntactically valid
// header field name.
func BuildInsertHeader(index uint32, name, value string) (*InsertHeader, error) {
	if !validName(name) {
		return nil, newFramingError(byte(wire.ActInsertHeader), "BuildInsertHeader: invalid header name %q", name)
	}
	return &InsertHeader{Index: index, Name: name, Value: milterutil.CrLfToLf(value)}, nil
}

// BuildChangeSender returns a ChangeSender message with address wrapped in
// <> and esmtpArgs (if non-empty) canonicalized to a single line.
func BuildChangeSender(address, esmtpArgs string) *ChangeSender {
	m := &ChangeSender{Address: AddAngle(milterutil.NewlineToSpace(address))}
	if esmtpArgs != "" {
		m.Args = milterutil.NewlineToSpace(esmtpArgs)
		m.HasArgs = true
	}
	return m
}

// BuildAddRecipient returns an AddRecipient message with address wrapped in <>.
func BuildAddRecipient(address string) *AddRecipient {
	return &AddRecipient{Address: AddAngle(milterutil.NewlineToSpace(address))}
}

// BuildAddRecipientPar returns an AddRecipientPar message with address
// wrapped in <> and esmtpArgs canonicalized to a single line.
func BuildAddRecipientPar(address, esmtpArgs string) *AddRecipientPar {
	return &AddRecipientPar{Address: AddAngle(milterutil.NewlineToSpace(address)), Args: milterutil.NewlineToSpace(esmtpArgs)}
}

// BuildRemoveRecipient returns a RemoveRecipient message with address
// wrapped in <>.
func BuildRemoveRecipient(address string) *RemoveRecipient {
	return &RemoveRecipient{Address: AddAngle(milterutil.NewlineToSpace(address))}
}

// BuildQuarantine returns a Quarantine message with reason canonicalized to
// a single line.
func BuildQuarantine(reason string) *Quarantine {
	return &Quarantine{Reason: milterutil.NewlineToSpace(reason)}
}
