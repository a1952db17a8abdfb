package payment

import (
	"bytes"
	"crypto/md5"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Notification is the body the gateway POSTs to the notify URL once a
// transaction settles.  SessionID is the external id we registered.
type Notification struct {
	MerchantID   int    `json:"merchantId"`
	PosID        int    `json:"posId"`
	SessionID    string `json:"sessionId"`
	Amount       int64  `json:"amount"`
	OriginAmount int64  `json:"originAmount"`
	Currency     string `json:"currency"`
	OrderID      int64  `json:"orderId"`
	MethodID     int    `json:"methodId"`
	Statement    string `json:"statement"`
	Sign         string `json:"sign"`
}

// Variant names one canonical form of the notification signature.
type Variant string

const (
	VariantJSONSHA384 Variant = "json-sha384"
	VariantPipeSHA384 Variant = "pipe-sha384"
	VariantPipeMD5    Variant = "pipe-md5"
	VariantNone       Variant = "none"
)

// SignatureMatch is the tagged result of VerifySignature.  Tried lists
// the variants evaluated, in order, for diagnostics.
type SignatureMatch struct {
	Variant Variant
	Tried   []Variant
}

func (m SignatureMatch) OK() bool { return m.Variant != VariantNone }

type canonicalForm struct {
	variant Variant
	digest  func(n Notification, crc string) string
}

// The gateway's documented format drifted between integrations; forms are
// tried in this order and the first match wins.
var canonicalForms = []canonicalForm{
	{VariantJSONSHA384, Sign},
	{VariantPipeSHA384, func(n Notification, crc string) string {
		return sha384Hex([]byte(pipeJoined(n, crc)))
	}},
	{VariantPipeMD5, func(n Notification, crc string) string {
		sum := md5.Sum([]byte(pipeJoined(n, crc)))
		return hex.EncodeToString(sum[:])
	}},
}

func pipeJoined(n Notification, crc string) string {
	return strings.Join([]string{
		n.SessionID,
		fmt.Sprintf("%d", n.OrderID),
		fmt.Sprintf("%d", n.Amount),
		n.Currency,
		crc,
	}, "|")
}

// VerifySignature evaluates the canonical forms in order and reports
// which one matched.  Comparison is constant time.
func VerifySignature(n Notification, crc string) SignatureMatch {
	got := []byte(strings.ToLower(strings.TrimSpace(n.Sign)))
	res := SignatureMatch{Variant: VariantNone}
	if len(got) == 0 {
		return res
	}
	for _, f := range canonicalForms {
		res.Tried = append(res.Tried, f.variant)
		if subtle.ConstantTimeCompare(got, []byte(f.digest(n, crc))) == 1 {
			res.Variant = f.variant
			return res
		}
	}
	return res
}

// Sign computes the primary (json-sha384) signature of a notification,
// the first form VerifySignature tries.
func Sign(n Notification, crc string) string {
	return sha384Hex(mustCanonicalJSON(struct {
		MerchantID   int    `json:"merchantId"`
		PosID        int    `json:"posId"`
		SessionID    string `json:"sessionId"`
		Amount       int64  `json:"amount"`
		OriginAmount int64  `json:"originAmount"`
		Currency     string `json:"currency"`
		OrderID      int64  `json:"orderId"`
		MethodID     int    `json:"methodId"`
		Statement    string `json:"statement"`
		CRC          string `json:"crc"`
	}{n.MerchantID, n.PosID, n.SessionID, n.Amount, n.OriginAmount, n.Currency, n.OrderID, n.MethodID, n.Statement, crc}))
}

func sha384Hex(b []byte) string {
	sum := sha512.Sum384(b)
	return hex.EncodeToString(sum[:])
}

// mustCanonicalJSON encodes v without HTML escaping, matching the
// gateway's serializer.  v is always a flat struct of strings and
// numbers, so encoding cannot fail.
func mustCanonicalJSON(v any) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		panic(err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n")
}
