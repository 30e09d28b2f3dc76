// Package classifier contains clients for the external classification
// service. The service is opaque: it either returns a structured record for a
// notice or fails.
package classifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/notam-pipeline/internal/notice"
)

var (
	// ErrEmptyResponse reports a call that succeeded but produced no record.
	// It is transient.
	ErrEmptyResponse = errors.New("classifier: empty response")
	// ErrPermanent marks failures that retrying cannot fix, such as a rejected request.
	ErrPermanent = errors.New("classifier: permanent failure")
)

// Request is the input handed to the classification service.
type Request struct {
	Number   string `json:"notice_number,omitempty"`
	Text     string `json:"message_text"`
	IssuedAt string `json:"issued_at"`
}

// RequestFor builds the request for a pending notice.
func RequestFor(p notice.Pending) Request {
	return Request{Number: p.Number, Text: p.Text, IssuedAt: p.IssuedAt}
}

// Classifier classifies one notice.
type Classifier interface {
	Classify(ctx context.Context, req Request) (*notice.Classification, error)
}

// Func adapts a function to the Classifier interface.
type Func func(ctx context.Context, req Request) (*notice.Classification, error)

// Classify calls f.
func (f Func) Classify(ctx context.Context, req Request) (*notice.Classification, error) {
	return f(ctx, req)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return err != nil && !errors.Is(err, ErrPermanent)
}

func permanent(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermanent, fmt.Sprintf(format, args...))
}

// validate rejects records that carry nothing usable.
func validate(rec *notice.Classification) (*notice.Classification, error) {
	if rec == nil {
		return nil, ErrEmptyResponse
	}
	if rec.NotamSummary == "" && rec.SeverityLevel == "" && rec.NotamCategory == "" {
		return nil, ErrEmptyResponse
	}
	return rec, nil
}
