package provider

import (
	"testing"
	"time"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want domain.EmailAddress
	}{
		{
			name: "name and address",
			raw:  `"Kim Lee" <kim@example.com>`,
			want: domain.EmailAddress{Name: "Kim Lee", Email: "kim@example.com"},
		},
		{
			name: "bare address",
			raw:  "kim@example.com",
			want: domain.EmailAddress{Email: "kim@example.com"},
		},
		{
			name: "unparseable kept as raw email",
			raw:  "Totally Broken <<x",
			want: domain.EmailAddress{Email: "Totally Broken <<x"},
		},
		{
			name: "empty",
			raw:  "  ",
			want: domain.EmailAddress{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseAddress(tt.raw); got != tt.want {
				t.Fatalf("ParseAddress(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNormalizePage(t *testing.T) {
	kst := time.FixedZone("KST", 9*3600)
	received := time.Date(2025, 6, 1, 18, 0, 0, 0, kst)

	page := &out.FetchPage{
		Messages: []*domain.CanonicalMessage{
			{ProviderMessageID: "m1", ReceivedAt: received},
			{ProviderMessageID: "m2"},
			{ProviderMessageID: "m1"}, // in-page duplicate
			{ProviderMessageID: ""},   // no id
			nil,
		},
		Bodies: []*domain.MessageBody{
			{ProviderMessageID: "m1", TextBody: "hello"},
			{ProviderMessageID: "m9", TextBody: "orphan"}, // no matching message
		},
		NextCursor: "c1",
	}

	got := NormalizePage(42, page)

	if len(got.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(got.Messages))
	}
	if got.Messages[0].ProviderMessageID != "m1" || got.Messages[1].ProviderMessageID != "m2" {
		t.Fatalf("provider order not kept: %s, %s",
			got.Messages[0].ProviderMessageID, got.Messages[1].ProviderMessageID)
	}
	for _, msg := range got.Messages {
		if msg.AccountID != 42 {
			t.Errorf("message %s missing account stamp", msg.ProviderMessageID)
		}
	}
	if loc := got.Messages[0].ReceivedAt.Location(); loc != time.UTC {
		t.Errorf("timestamp not normalized to UTC: %v", loc)
	}
	if !got.Messages[0].ReceivedAt.Equal(received) {
		t.Error("UTC normalization changed the instant")
	}

	if len(got.Bodies) != 1 || got.Bodies[0].ProviderMessageID != "m1" {
		t.Fatalf("bodies = %+v, want only m1", got.Bodies)
	}
	if got.Bodies[0].AccountID != 42 {
		t.Error("body missing account stamp")
	}
}

func TestNormalizePage_Nil(t *testing.T) {
	if NormalizePage(1, nil) != nil {
		t.Fatal("nil page should stay nil")
	}
}
