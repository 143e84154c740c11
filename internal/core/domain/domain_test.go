package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestParseCallID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "short", input: "abc123"},
		{name: "uuid", input: "0f8fad5b-d9cb-469f-a165-70867728950e"},
		{name: "underscore", input: "call_1"},
		{name: "empty", input: "", wantErr: true},
		{name: "leading dash", input: "-abc", wantErr: true},
		{name: "slash", input: "calls/abc", wantErr: true},
		{name: "space", input: "abc 123", wantErr: true},
		{name: "too long", input: strings.Repeat("a", maxCallIDLength+1), wantErr: true},
		{name: "max length", input: strings.Repeat("a", maxCallIDLength)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			id, err := ParseCallID(tc.input)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidCallID) {
					t.Fatalf("expected ErrInvalidCallID, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if id.String() != tc.input {
				t.Errorf("expected %q, got %q", tc.input, id)
			}
		})
	}
}

func TestNewCallIDIsValidAndUnique(t *testing.T) {
	seen := make(map[CallID]bool)
	for i := 0; i < 100; i++ {
		id := NewCallID()
		if _, err := ParseCallID(id.String()); err != nil {
			t.Fatalf("minted id %q does not parse: %v", id, err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestCallRecordMerge(t *testing.T) {
	offer := &SessionDescription{Type: SDPTypeOffer, SDP: "OFFER_SDP"}
	answer := &SessionDescription{Type: SDPTypeAnswer, SDP: "ANSWER_SDP"}

	base := CallRecord{Offer: offer}
	merged := base.Merge(CallRecord{Answer: answer})

	if !merged.HasOffer() || merged.Offer.SDP != "OFFER_SDP" {
		t.Fatalf("offer lost in merge: %+v", merged)
	}
	if !merged.HasAnswer() || merged.Answer.SDP != "ANSWER_SDP" {
		t.Fatalf("answer not merged: %+v", merged)
	}

	merged.Offer.SDP = "mutated"
	if offer.SDP != "OFFER_SDP" {
		t.Error("merge result aliases the original offer")
	}
}

func TestNegotiationErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := error(&NegotiationError{Kind: ErrStore, Stage: StageCreateRecord, Err: cause})

	if !errors.Is(err, ErrStore) {
		t.Error("expected kind to match")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to match")
	}
	if errors.Is(err, ErrTransport) {
		t.Error("unexpected kind match")
	}

	stage, ok := StageOf(err)
	if !ok || stage != StageCreateRecord {
		t.Errorf("expected stage %q, got %q (ok=%v)", StageCreateRecord, stage, ok)
	}
	if got := err.Error(); got != "create-record: store error: boom" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestNegotiationErrorMessageAvoidsRepeatingKind(t *testing.T) {
	_, cause := ParseCallID("")
	err := &NegotiationError{Kind: ErrInvalidCallID, Stage: StageResolve, Err: cause}
	if got := err.Error(); got != "resolve: invalid call id: empty" {
		t.Errorf("unexpected message %q", got)
	}
}
