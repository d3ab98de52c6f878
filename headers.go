package milter

import (
	"github.com/emersion/go-message/textproto"
)

// HeaderEventsFromTextproto flattens hdr into the Header...EndOfHeaders event
// sequence a Session would see for that header block, in field order. It
// performs no I/O; hdr is expected to already be fully parsed (for example by
// github.com/emersion/go-message). The caller feeds the returned Messages
// into a Session (or an Encoder) itself.
func HeaderEventsFromTextproto(hdr textproto.Header) []Message {
	var events []Message
	for f := hdr.Fields(); f.Next(); {
		events = append(events, &Header{Name: f.Key(), Value: f.Value()})
	}
	return append(events, &EndOfHeaders{})
}

// TextprotoFromHeaderEvents folds a sequence of Header messages, collected in
// the order a Session received them, back into a textproto.Header suitable
// for further MIME processing with github.com/emersion/go-message. Any
// non-Header message in events (typically the trailing EndOfHeaders) is
// ignored.
func TextprotoFromHeaderEvents(events []Message) textproto.Header {
	var hdr textproto.Header
	// textproto.Header.Add inserts at the top, so add the fields last to
	// first to keep them in the order they were received.
	for i := len(events) - 1; i >= 0; i-- {
		if h, ok := events[i].(*Header); ok {
			hdr.Add(h.Name, h.Value)
		}
	}
	return hdr
}
