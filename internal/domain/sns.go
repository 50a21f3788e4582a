package domain

// SNSMessageTypeHeader carries the envelope kind on webhook requests.
const SNSMessageTypeHeader = "x-amz-sns-message-type"

// SNS envelope kinds.
const (
	SNSTypeSubscriptionConfirmation = "SubscriptionConfirmation"
	SNSTypeNotification             = "Notification"
	SNSTypeUnsubscribeConfirmation  = "UnsubscribeConfirmation"
)

// SNSEnvelope is the outer Amazon SNS message wrapping every SES
// notification delivered to the webhook endpoint.
type SNSEnvelope struct {
	Type             string `json:"Type"`
	MessageID        string `json:"MessageId"`
	Token            string `json:"Token,omitempty"`
	TopicARN         string `json:"TopicArn"`
	Subject          string `json:"Subject,omitempty"`
	Message          string `json:"Message"`
	Timestamp        string `json:"Timestamp"`
	SignatureVersion string `json:"SignatureVersion"`
	Signature        string `json:"Signature"`
	SigningCertURL   string `json:"SigningCertURL"`
	SubscribeURL     string `json:"SubscribeURL,omitempty"`
	UnsubscribeURL   string `json:"UnsubscribeURL,omitempty"`
}
