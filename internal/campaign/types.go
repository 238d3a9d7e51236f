package campaign

// EmailAddress is an address plus optional display name.
type EmailAddress struct {
	Address     string `json:"address"`
	DisplayName string `json:"display_name,omitempty"`
}

// Recipients groups the destination fields of one send request.
// Batching mode fills BCC; one-request-per-recipient mode fills To.
type Recipients struct {
	To  []EmailAddress `json:"to,omitempty"`
	CC  []EmailAddress `json:"cc,omitempty"`
	BCC []EmailAddress `json:"bcc,omitempty"`
}

// All returns every recipient across To/CC/BCC.
func (r Recipients) All() []EmailAddress {
	out := make([]EmailAddress, 0, len(r.To)+len(r.CC)+len(r.BCC))
	out = append(out, r.To...)
	out = append(out, r.CC...)
	out = append(out, r.BCC...)
	return out
}

// Count returns the total number of recipients.
func (r Recipients) Count() int {
	return len(r.To) + len(r.CC) + len(r.BCC)
}

// Content is the email payload shared by every recipient of a campaign.
type Content struct {
	Subject   string `json:"subject"`
	HTML      string `json:"html"`
	PlainText string `json:"plain_text"`
}

// AddressEnvelope is the queue payload for one recipient awaiting
// aggregation (batching mode).
type AddressEnvelope struct {
	CampaignID string       `json:"campaign_id"`
	Recipient  EmailAddress `json:"recipient"`
}

// RequestEnvelope is the queue payload for a fully-formed send request.
// OperationID is the idempotency key correlating the send attempt (and any
// retries) with status records; it is assigned once and never changes.
type RequestEnvelope struct {
	CampaignID  string     `json:"campaign_id"`
	Recipients  Recipients `json:"recipients"`
	OperationID string     `json:"operation_id"`
}
