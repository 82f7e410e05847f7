package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// FieldSet is one canonical field ordering covered by a MoMo signature.
type FieldSet []string

// IPNFieldSets are the orderings MoMo has used for callback signatures, tried in order.
var IPNFieldSets = []FieldSet{
	{"accessKey", "amount", "extraData", "message", "orderId", "orderInfo", "orderType",
		"partnerCode", "payType", "requestId", "responseTime", "resultCode", "transId"},
	{"accessKey", "amount", "extraData", "message", "orderId", "orderInfo",
		"partnerCode", "requestId", "requestType", "responseTime", "resultCode", "transId"},
}

var CreateFieldSet = FieldSet{"accessKey", "amount", "extraData", "ipnUrl", "orderId",
	"orderInfo", "partnerCode", "redirectUrl", "requestId", "requestType"}

// Raw joins the fields as k=v pairs with '&'; missing values are empty.
func (fs FieldSet) Raw(values map[string]string) string {
	var b strings.Builder
	for i, f := range fs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(f)
		b.WriteByte('=')
		b.WriteString(values[f])
	}
	return b.String()
}

type Signer struct {
	AccessKey string
	SecretKey string
}

// Sign returns hex(HMAC-SHA256(secret, raw)) over the field set. The access
// key is always taken from the signer.
func (s Signer) Sign(fs FieldSet, values map[string]string) string {
	vals := make(map[string]string, len(values)+1)
	for k, v := range values {
		vals[k] = v
	}
	vals["accessKey"] = s.AccessKey
	mac := hmac.New(sha256.New, []byte(s.SecretKey))
	mac.Write([]byte(fs.Raw(vals)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify accepts the signature if any of the field sets produces it.
func (s Signer) Verify(sets []FieldSet, values map[string]string, signature string) bool {
	if signature == "" {
		return false
	}
	got := []byte(strings.ToLower(signature))
	for _, fs := range sets {
		if hmac.Equal([]byte(s.Sign(fs, values)), got) {
			return true
		}
	}
	return false
}
