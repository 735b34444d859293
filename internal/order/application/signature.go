package application

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignatureVerifier checks the two HMAC-SHA256 signatures the gateway
// produces. The two sites share the algorithm but not the secret or the
// canonical input, and both comparisons are constant time.
type SignatureVerifier struct {
	keySecret     string
	webhookSecret string
}

func NewSignatureVerifier(keySecret, webhookSecret string) *SignatureVerifier {
	return &SignatureVerifier{keySecret: keySecret, webhookSecret: webhookSecret}
}

// VerifyPayment checks the client-submitted signature over
// gatewayOrderID + "|" + gatewayPaymentID, keyed with the key secret.
func (v *SignatureVerifier) VerifyPayment(gatewayOrderID, gatewayPaymentID, signature string) bool {
	expected := hmacHex([]byte(gatewayOrderID+"|"+gatewayPaymentID), v.keySecret)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// VerifyWebhook checks the header-supplied signature over the raw,
// unparsed request body, keyed with the webhook secret.
func (v *SignatureVerifier) VerifyWebhook(body []byte, signature string) bool {
	expected := hmacHex(body, v.webhookSecret)
	return hmac.Equal([]byte(signature), []byte(expected))
}

func hmacHex(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
