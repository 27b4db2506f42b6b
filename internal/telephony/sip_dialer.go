package telephony

import (
	"context"
	"fmt"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SIPDialer places outbound calls by sending a SIP INVITE through the same
// user agent the RTP gateway answers on, satisfying dialer.CallPlacer. The
// outbound recipient is built from a dial-plan trunk address configured at
// startup; the custom X-Tenant-ID/X-Campaign-ID/X-Lead-ID headers carry the
// routing metadata the inbound INVITE would otherwise have gotten from a
// PBX extension.
type SIPDialer struct {
	client     *sipgo.Client
	trunkHost  string
	trunkPort  int
	sourceUser string
	log        zerolog.Logger
}

// NewSIPDialer builds a dialer that sends INVITEs to host:port, identifying
// itself as sourceUser in the From header.
func NewSIPDialer(client *sipgo.Client, trunkHost string, trunkPort int, sourceUser string, log zerolog.Logger) *SIPDialer {
	return &SIPDialer{client: client, trunkHost: trunkHost, trunkPort: trunkPort, sourceUser: sourceUser, log: log}
}

// buildInviteRecipient builds the sip: URI an outbound INVITE dials, the
// trunk standing in for a carrier that owns the real PSTN routing.
func buildInviteRecipient(phoneNumber, trunkHost string, trunkPort int) (sip.Uri, error) {
	recipientStr := fmt.Sprintf("sip:%s@%s:%d", phoneNumber, trunkHost, trunkPort)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return sip.Uri{}, fmt.Errorf("telephony: parsing dial recipient %q: %w", recipientStr, err)
	}
	return recipient, nil
}

// PlaceCall implements dialer.CallPlacer: it sends an INVITE carrying an
// empty SDP offer (the callee, i.e. this runtime's own RTP gateway acting
// as UAS on the answering leg in the common softphone-bridge topology,
// supplies media) and returns the generated Call-ID as the external call
// identifier once a provisional or final response arrives.
func (d *SIPDialer) PlaceCall(ctx context.Context, tenantID, campaignID, leadID, phoneNumber, voiceID string) (string, error) {
	recipient, err := buildInviteRecipient(phoneNumber, d.trunkHost, d.trunkPort)
	if err != nil {
		return "", err
	}

	callID := uuid.NewString()
	req := sip.NewRequest(sip.INVITE, recipient)
	req.AppendHeader(sip.NewHeader("Call-ID", callID))
	req.AppendHeader(sip.NewHeader(HeaderTenantID, tenantID))
	req.AppendHeader(sip.NewHeader(HeaderCampaignID, campaignID))
	req.AppendHeader(sip.NewHeader(HeaderLeadID, leadID))

	from := &sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: d.sourceUser, Host: d.trunkHost},
	}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)

	tx, err := d.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return "", fmt.Errorf("telephony: sending invite for lead %s: %w", leadID, err)
	}

	for {
		select {
		case <-ctx.Done():
			tx.Terminate()
			return "", ctx.Err()
		case <-tx.Done():
			tx.Terminate()
			if txErr := tx.Err(); txErr != nil {
				return "", fmt.Errorf("telephony: invite transaction error for lead %s: %w", leadID, txErr)
			}
			return "", fmt.Errorf("telephony: invite transaction ended without response for lead %s", leadID)
		case res := <-tx.Responses():
			switch {
			case res.StatusCode == 100:
				continue
			case res.StatusCode < 300:
				// Ringing, or answered outright: the call is in progress and
				// the async completion path (webhook/event) drives the rest.
				d.log.Info().Str("call_id", callID).Str("lead_id", leadID).Int("status", res.StatusCode).Msg("outbound invite accepted")
				return callID, nil
			default:
				tx.Terminate()
				return "", fmt.Errorf("telephony: invite to %s rejected: %d %s", phoneNumber, res.StatusCode, res.Reason)
			}
		}
	}
}
