package relayevent

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func TestClassOf(t *testing.T) {
	cases := []struct {
		kind int
		want Class
	}{
		{0, Replaceable},
		{3, Replaceable},
		{1, Regular},
		{7, Regular},
		{4, Regular},
		{44, Regular},
		{9999, Regular},
		{10000, Replaceable},
		{19999, Replaceable},
		{20000, Ephemeral},
		{29999, Ephemeral},
		{30000, Addressable},
		{39999, Addressable},
		{40000, Regular},
	}
	for _, tc := range cases {
		if got := ClassOf(tc.kind); got != tc.want {
			t.Errorf("ClassOf(%d) = %v, want %v", tc.kind, got, tc.want)
		}
	}
}

func TestDValueDefaultsEmpty(t *testing.T) {
	evt := &nostr.Event{Tags: nostr.Tags{{"e", "x"}}}
	if got := DValue(evt); got != "" {
		t.Errorf("DValue = %q, want empty", got)
	}
	evt2 := &nostr.Event{Tags: nostr.Tags{{"d", "my-article"}}}
	if got := DValue(evt2); got != "my-article" {
		t.Errorf("DValue = %q, want my-article", got)
	}
}

func TestWinsTieBreak(t *testing.T) {
	older := &nostr.Event{ID: "bbbb", CreatedAt: 100}
	newer := &nostr.Event{ID: "aaaa", CreatedAt: 200}
	if !Wins(newer, older) {
		t.Errorf("higher created_at should win")
	}
	if Wins(older, newer) {
		t.Errorf("lower created_at should lose")
	}

	sameTimeHigherID := &nostr.Event{ID: "zzzz", CreatedAt: 100}
	sameTimeLowerID := &nostr.Event{ID: "aaaa", CreatedAt: 100}
	if Wins(sameTimeHigherID, sameTimeLowerID) {
		t.Errorf("higher id should lose tie-break")
	}
	if !Wins(sameTimeLowerID, sameTimeHigherID) {
		t.Errorf("lower id should win tie-break")
	}

	if !Wins(older, nil) {
		t.Errorf("any candidate wins against no incumbent")
	}
}
