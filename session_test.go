package milter

import (
	"errors"
	"testing"
)

// negotiatedSession returns a Session that has already completed
// negotiation, requiring (and being offered) every ActionFlags/ProtocolFlags
// bit the table-driven tests in this file exercise, unless opts override
// what the session requires.
func negotiatedSession(t *testing.T, opts ...Option) *Session {
	t.Helper()
	wanted := ActionAddHeader | ActionChangeBody | ActionAddRecipient | ActionChangeSender | ActionQuarantine
	if len(opts) == 0 {
		opts = []Option{WithActions(wanted), WithProtocol(ProtocolSkip)}
	}
	s := NewSession(opts...)
	offer := &Negotiate{
		Version:  6,
		Actions:  wanted | ActionAddRecipientArgs,
		Protocol: ProtocolSkip,
	}
	if err := s.FeedInbound(offer); err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	return s
}

func TestSession_feedNegotiate(t *testing.T) {
	tests := []struct {
		name         string
		opts         []Option
		offer        *Negotiate
		wantErr      bool
		wantVersion  uint32
		wantActions  ActionFlags
		wantProtocol ProtocolFlags
	}{
		{
			name:         "plain intersection",
			opts:         []Option{WithAction(ActionAddHeader), WithProtocol(ProtocolSkip)},
			offer:        &Negotiate{Version: 6, Actions: ActionAddHeader | ActionChangeBody, Protocol: ProtocolSkip | ProtocolNoBody},
			wantVersion:  6,
			wantActions:  ActionAddHeader,
			wantProtocol: ProtocolSkip,
		},
		{
			name:    "missing required action",
			opts:    []Option{WithAction(ActionChangeSender)},
			offer:   &Negotiate{Version: 6, Actions: ActionAddHeader},
			wantErr: true,
		},
		{
			name:    "missing required protocol flag",
			opts:    []Option{WithProtocol(ProtocolSkip)},
			offer:   &Negotiate{Version: 6, Actions: 0, Protocol: 0},
			wantErr: true,
		},
		{
			name:        "version takes the minimum of offered and desired",
			opts:        []Option{WithMaximumVersion(2)},
			offer:       &Negotiate{Version: 6},
			wantVersion: 2,
		},
		{
			name:        "version takes the minimum, MTA offers lower",
			opts:        []Option{WithMaximumVersion(6)},
			offer:       &Negotiate{Version: 2},
			wantVersion: 2,
		},
		{
			name:    "unsupported version",
			opts:    nil,
			offer:   &Negotiate{Version: 1},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ltt := tt
			t.Parallel()
			s := NewSession(ltt.opts...)
			err := s.FeedInbound(ltt.offer)
			if (err != nil) != ltt.wantErr {
				t.Fatalf("FeedInbound() error = %v, wantErr %v", err, ltt.wantErr)
			}
			if ltt.wantErr {
				var negErr *NegotiationError
				if !errors.As(err, &negErr) {
					t.Fatalf("error = %v, want *NegotiationError", err)
				}
				return
			}
			if s.Version() != ltt.wantVersion {
				t.Errorf("Version() = %d, want %d", s.Version(), ltt.wantVersion)
			}
			if s.Actions() != ltt.wantActions {
				t.Errorf("Actions() = %#x, want %#x", s.Actions(), ltt.wantActions)
			}
			if s.Protocol() != ltt.wantProtocol {
				t.Errorf("Protocol() = %#x, want %#x", s.Protocol(), ltt.wantProtocol)
			}
			if s.Phase() != PhaseNegotiated {
				t.Errorf("Phase() = %v, want %v", s.Phase(), PhaseNegotiated)
			}
		})
	}
}

func TestSession_feedNegotiate_twice(t *testing.T) {
	s := negotiatedSession(t)
	err := s.FeedInbound(&Negotiate{Version: 6})
	var unexpected *UnexpectedMessage
	if !errors.As(err, &unexpected) {
		t.Fatalf("second negotiate error = %v, want *UnexpectedMessage", err)
	}
}

func TestSession_BuildNegotiateResponse(t *testing.T) {
	s := NewSession(WithMacroRequest(StageEnvelopeFrom, []string{"i", "{mail_addr}"}))
	if _, ok := s.BuildNegotiateResponse(); ok {
		t.Fatalf("BuildNegotiateResponse() before negotiation should report not-ready")
	}
	if err := s.FeedInbound(&Negotiate{Version: 6, Actions: ActionSetSymbolList}); err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	resp, ok := s.BuildNegotiateResponse()
	if !ok {
		t.Fatalf("BuildNegotiateResponse() not ready after negotiation")
	}
	names, ok := resp.Macros[StageEnvelopeFrom]
	if !ok || len(names) != 2 {
		t.Fatalf("Macros[StageEnvelopeFrom] = %v, want 2 names", names)
	}
}

func TestSession_eventOrdering(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(s *Session) error
		final   Message
		wantErr bool
	}{
		{
			name:    "Connect before negotiation",
			prepare: func(s *Session) error { return nil },
			final:   &Connect{Hostname: "h"},
			wantErr: true,
		},
		{
			name: "Connect after negotiation",
			prepare: func(s *Session) error {
				return s.FeedInbound(&Negotiate{Version: 6})
			},
			final: &Connect{Hostname: "h", Address: ConnectAddress{Family: FamilyUnknown}},
		},
		{
			name: "EnvelopeFrom before Connect",
			prepare: func(s *Session) error {
				return s.FeedInbound(&Negotiate{Version: 6})
			},
			final:   &EnvelopeFrom{Sender: "<a@b>"},
			wantErr: true,
		},
		{
			name: "EnvelopeFrom after Helo",
			prepare: func(s *Session) error {
				if err := s.FeedInbound(&Negotiate{Version: 6}); err != nil {
					return err
				}
				if err := s.FeedInbound(&Connect{Address: ConnectAddress{Family: FamilyUnknown}}); err != nil {
					return err
				}
				return s.FeedInbound(&Helo{Name: "x"})
			},
			final: &EnvelopeFrom{Sender: "<a@b>"},
		},
		{
			name: "AddHeader outside AwaitingEom",
			prepare: func(s *Session) error {
				return s.FeedInbound(&Negotiate{Version: 6, Actions: ActionAddHeader})
			},
			final:   &AddHeader{Name: "X", Value: "y"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ltt := tt
			t.Parallel()
			s := NewSession()
			if err := ltt.prepare(s); err != nil {
				t.Fatalf("prepare: %v", err)
			}
			var err error
			if ltt.final.Family() == FamilyModification || ltt.final.Family() == FamilyResponse {
				err = s.FeedOutbound(ltt.final)
			} else {
				err = s.FeedInbound(ltt.final)
			}
			if (err != nil) != ltt.wantErr {
				t.Fatalf("feed %T error = %v, wantErr %v", ltt.final, err, ltt.wantErr)
			}
		})
	}
}

func TestSession_fullTransaction(t *testing.T) {
	s := negotiatedSession(t)
	steps := []Message{
		&Connect{Hostname: "mx.example", Address: ConnectAddress{Family: FamilyInet, Port: 25, Address: "192.0.2.1"}},
		&Helo{Name: "mx.example"},
		&EnvelopeFrom{Sender: "<a@example.com>"},
		&EnvelopeRecipient{Recipient: "<b@example.com>"},
		&Data{},
		&Header{Name: "Subject", Value: "hi"},
		&EndOfHeaders{},
		&Body{Chunk: []byte("hello")},
		&EndOfMessage{},
	}
	for _, m := range steps {
		if err := s.FeedInbound(m); err != nil {
			t.Fatalf("feed %T: %v", m, err)
		}
	}
	if s.Phase() != PhaseAwaitingEom {
		t.Fatalf("Phase() = %v, want %v", s.Phase(), PhaseAwaitingEom)
	}
	if got := s.RecipientCount(); got != 1 {
		t.Fatalf("RecipientCount() = %d, want 1", got)
	}
	hdr, err := BuildAddHeader("X-Checked", "yes")
	if err != nil {
		t.Fatalf("BuildAddHeader: %v", err)
	}
	if err := s.FeedOutbound(hdr); err != nil {
		t.Fatalf("AddHeader: %v", err)
	}
	if err := s.FeedOutbound(&Accept{}); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if s.Phase() != PhaseGreeted {
		t.Fatalf("Phase() after terminal response = %v, want %v", s.Phase(), PhaseGreeted)
	}
}

func TestSession_skipGating(t *testing.T) {
	t.Run("Skip without SKIP negotiated", func(t *testing.T) {
		s := NewSession()
		mustNegotiate(t, s, &Negotiate{Version: 6})
		advanceToBody(t, s)
		err := s.FeedOutbound(&Skip{})
		var unexpected *UnexpectedMessage
		if !errors.As(err, &unexpected) {
			t.Fatalf("error = %v, want *UnexpectedMessage", err)
		}
	})
	t.Run("Skip with SKIP negotiated, wrong phase", func(t *testing.T) {
		s := NewSession(WithProtocol(ProtocolSkip))
		mustNegotiate(t, s, &Negotiate{Version: 6, Protocol: ProtocolSkip})
		if err := s.FeedOutbound(&Skip{}); err == nil {
			t.Fatalf("Skip before Body phase should fail")
		}
	})
	t.Run("Skip with SKIP negotiated, Body phase", func(t *testing.T) {
		s := NewSession(WithProtocol(ProtocolSkip))
		mustNegotiate(t, s, &Negotiate{Version: 6, Protocol: ProtocolSkip})
		advanceToBody(t, s)
		if err := s.FeedOutbound(&Skip{}); err != nil {
			t.Fatalf("Skip() = %v, want nil", err)
		}
	})
}

func TestSession_modificationFlagGating(t *testing.T) {
	s := negotiatedSession(t)
	advanceToBody(t, s)
	if err := s.FeedInbound(&EndOfMessage{}); err != nil {
		t.Fatalf("EndOfMessage: %v", err)
	}
	if err := s.FeedOutbound(&AddRecipientPar{Address: "<c@example.com>"}); err == nil {
		t.Fatalf("AddRecipientPar without ActionAddRecipientArgs should fail")
	}
	if err := s.FeedOutbound(&ChangeSender{Address: "<new@example.com>"}); err != nil {
		t.Fatalf("ChangeSender: %v", err)
	}
}

func TestSession_abortResetsToGreeted(t *testing.T) {
	s := negotiatedSession(t)
	advanceToEnvelope(t, s)
	if err := s.FeedInbound(&Abort{}); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if s.Phase() != PhaseGreeted {
		t.Fatalf("Phase() after Abort = %v, want %v", s.Phase(), PhaseGreeted)
	}
	// a fresh envelope must be startable after an abort.
	if err := s.FeedInbound(&EnvelopeFrom{Sender: "<a@example.com>"}); err != nil {
		t.Fatalf("EnvelopeFrom after Abort: %v", err)
	}
}

func TestSession_macroAttach(t *testing.T) {
	s := negotiatedSession(t)
	if err := s.FeedInbound(&Macro{Event: 'C', Pairs: []MacroPair{{Name: "j", Value: "mx.example"}}}); err != nil {
		t.Fatalf("Macro: %v", err)
	}
	if got := s.Macros().Get("j"); got != "mx.example" {
		t.Fatalf("Macros().Get(j) = %q, want mx.example", got)
	}
	if err := s.FeedInbound(&Connect{Address: ConnectAddress{Family: FamilyUnknown}}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.FeedInbound(&Macro{Event: 'H', Pairs: []MacroPair{{Name: "{daemon_name}", Value: "mx1"}}}); err != nil {
		t.Fatalf("Macro: %v", err)
	}
	if got := s.Macros().Get("{daemon_name}"); got != "mx1" {
		t.Fatalf("Macros().Get({daemon_name}) = %q, want mx1", got)
	}
}

func TestSession_macroUnrecognizedEventIsTolerated(t *testing.T) {
	s := negotiatedSession(t)
	if err := s.FeedInbound(&Macro{Event: 'Z', Pairs: []MacroPair{{Name: "x", Value: "y"}}}); err != nil {
		t.Fatalf("Macro with unrecognized event should be tolerated, got %v", err)
	}
}

func TestSession_notNegotiated(t *testing.T) {
	s := NewSession()
	if err := s.FeedOutbound(&Continue{}); !errors.Is(err, ErrNotNegotiated) {
		t.Fatalf("FeedOutbound before negotiation = %v, want ErrNotNegotiated", err)
	}
}

func mustNegotiate(t *testing.T, s *Session, offer *Negotiate) {
	t.Helper()
	if err := s.FeedInbound(offer); err != nil {
		t.Fatalf("negotiate: %v", err)
	}
}

func advanceToEnvelope(t *testing.T, s *Session) {
	t.Helper()
	for _, m := range []Message{
		&Connect{Address: ConnectAddress{Family: FamilyUnknown}},
		&Helo{Name: "mx.example"},
		&EnvelopeFrom{Sender: "<a@example.com>"},
	} {
		if err := s.FeedInbound(m); err != nil {
			t.Fatalf("feed %T: %v", m, err)
		}
	}
}

func advanceToBody(t *testing.T, s *Session) {
	t.Helper()
	advanceToEnvelope(t, s)
	for _, m := range []Message{
		&EnvelopeRecipient{Recipient: "<b@example.com>"},
		&Data{},
		&EndOfHeaders{},
	} {
		if err := s.FeedInbound(m); err != nil {
			t.Fatalf("feed %T: %v", m, err)
		}
	}
}

func TestPhase_String(t *testing.T) {
	tests := []struct {
		phase Phase
		want  string
	}{
		{PhasePreNegotiate, "PreNegotiate"},
		{PhaseGreeted, "Greeted"},
		{PhaseAwaitingEom, "AwaitingEom"},
		{PhaseClosed, "Closed"},
		{Phase(99), "Unknown"},
	}
	for _, tt := range tests {
		ltt := tt
		t.Run(ltt.want, func(t *testing.T) {
			t.Parallel()
			if got := ltt.phase.String(); got != ltt.want {
				t.Errorf("String() = %q, want %q", got, ltt.want)
			}
		})
	}
}
