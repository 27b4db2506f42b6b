package telephony

import "testing"

func TestBuildInviteRecipientFormatsUserHostPort(t *testing.T) {
	recipient, err := buildInviteRecipient("+15551234567", "trunk.example.com", 5060)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if recipient.User != "+15551234567" {
		t.Errorf("user = %q, want the dialed number", recipient.User)
	}
	if recipient.Host != "trunk.example.com" {
		t.Errorf("host = %q, want the trunk host", recipient.Host)
	}
	if recipient.Port != 5060 {
		t.Errorf("port = %d, want 5060", recipient.Port)
	}
}

func TestBuildInviteRecipientUsesSIPScheme(t *testing.T) {
	recipient, err := buildInviteRecipient("5551234567", "10.0.0.9", 5080)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if recipient.Scheme != "sip" {
		t.Errorf("scheme = %q, want sip", recipient.Scheme)
	}
}
