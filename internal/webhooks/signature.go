package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nemtdispatch/internal/store"
)

// EventRunDispatched is the event type sent to the live dispatch endpoint.
const EventRunDispatched = "ids.run.dispatched"

// Headers set on every live dispatch delivery.
const (
	HeaderEvent     = "X-IDS-Event"
	HeaderDelivery  = "X-IDS-Delivery"
	HeaderPartition = "X-IDS-Partition"
	HeaderTimestamp = "X-IDS-Timestamp"
	HeaderSignature = "X-IDS-Signature"
)

// signatureVersion prefixes the hex digest so the scheme can change
// without breaking receivers that pin a version.
const signatureVersion = "v1="

// SignRun signs a dispatch payload. The MAC covers "<unix ts>.<body>" so a
// captured delivery cannot be replayed under a fresh timestamp.
func SignRun(secret string, ts int64, body []byte) string {
	return signatureVersion + hex.EncodeToString(runMAC(secret, ts, body))
}

// VerifyRun checks a signature produced by SignRun. A zero maxAge skips the
// timestamp age check.
func VerifyRun(secret string, ts int64, body []byte, sig string, now time.Time, maxAge time.Duration) bool {
	digest, ok := strings.CutPrefix(sig, signatureVersion)
	if !ok {
		return false
	}
	b, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}
	if maxAge > 0 && now.Sub(time.Unix(ts, 0)).Abs() > maxAge {
		return false
	}
	return hmac.Equal(runMAC(secret, ts, body), b)
}

// VerifyRequest reads the IDS headers from a received delivery and checks
// its signature against body.
func VerifyRequest(secret string, h http.Header, body []byte, now time.Time, maxAge time.Duration) bool {
	ts, err := strconv.ParseInt(h.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return false
	}
	return VerifyRun(secret, ts, body, h.Get(HeaderSignature), now, maxAge)
}

func runMAC(secret string, ts int64, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return mac.Sum(nil)
}

// setDeliveryHeaders stamps a queued delivery onto its outgoing request.
// Deliveries queued without a secret go out unsigned.
func setDeliveryHeaders(req *http.Request, d store.WebhookDelivery, now time.Time) {
	ts := now.Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, d.EventType)
	req.Header.Set(HeaderDelivery, d.ID)
	req.Header.Set(HeaderPartition, d.PartitionKey)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	if d.Secret != "" {
		req.Header.Set(HeaderSignature, SignRun(d.Secret, ts, d.Payload))
	}
}
