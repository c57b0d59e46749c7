package stripe

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
)

// DefaultTolerance is the maximum accepted distance between a signed
// payload's timestamp and the local clock.
const DefaultTolerance = webhook.DefaultTolerance

// Verifier authenticates webhook payloads and decodes them into Events.
type Verifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier returns a Verifier for the endpoint secret. A non-positive
// tolerance selects DefaultTolerance.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secret: strings.TrimSpace(secret), tolerance: tolerance, now: time.Now}
}

// Configured reports whether an endpoint secret is set.
func (v *Verifier) Configured() bool {
	return v != nil && v.secret != ""
}

// VerifyAndParse checks the HMAC signature in sigHeader against the raw
// payload and returns the decoded event. The payload must be the exact bytes
// received; any mutation fails verification.
func (v *Verifier) VerifyAndParse(payload []byte, sigHeader string) (Event, error) {
	if strings.TrimSpace(sigHeader) == "" {
		return nil, ErrMissingSignature
	}
	if !v.Configured() {
		return nil, fmt.Errorf("%w: endpoint secret not configured", ErrInvalidSignature)
	}
	// The provider library only rejects timestamps that are too old.
	if ts, ok := signatureTimestamp(sigHeader); ok && ts.After(v.now().Add(v.tolerance)) {
		return nil, fmt.Errorf("%w: signature timestamp %s is in the future", ErrInvalidSignature, ts.Format(time.RFC3339))
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if event.Data == nil {
		return nil, fmt.Errorf("%w: event has no data", ErrInvalidSignature)
	}

	meta := EventMeta{
		ID:       event.ID,
		Type:     string(event.Type),
		Created:  time.Unix(event.Created, 0).UTC(),
		Livemode: event.Livemode,
	}
	ev, err := decodeEvent(meta, event.Data.Raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return ev, nil
}

// signatureTimestamp extracts the t= element of a Stripe-Signature header.
func signatureTimestamp(header string) (time.Time, bool) {
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found || key != "t" {
			continue
		}
		secs, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(secs, 0), true
	}
	return time.Time{}, false
}
