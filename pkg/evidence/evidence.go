// Package evidence defines the immutable evidence records consumed by the scoring engine.
package evidence

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Source identifies who produced a piece of evidence.
type Source string

const (
	SourceSupervisor Source = "supervisor"
	SourcePeer       Source = "peer"
	SourceExternal   Source = "external"
	SourceSynthetic  Source = "synthetic"
)

// Kind identifies what a piece of evidence asserts.
type Kind string

const (
	KindReview       Kind = "review"
	KindVerification Kind = "verification"
	KindDispute      Kind = "dispute"
	KindFraudSignal  Kind = "fraud_signal"
)

// Weight bounds. Negative weights are adverse evidence.
const (
	MinWeight = -10.0
	MaxWeight = 10.0
)

// Review is a single evidence item. Items are never mutated after creation; a
// correction is expressed as removal by ID followed by a new item.
type Review struct {
	ID         string  `json:"id" validate:"required,max=128"`
	Source     Source  `json:"source" validate:"required,oneof=supervisor peer external synthetic"`
	Kind       Kind    `json:"kind,omitempty" validate:"omitempty,oneof=review verification dispute fraud_signal"`
	ReviewerID string  `json:"reviewer_id,omitempty" validate:"max=128"`
	Weight     float64 `json:"weight" validate:"finite,gte=-10,lte=10"`
	Timestamp  int64   `json:"timestamp" validate:"gte=0"`
}

// EffectiveKind returns the kind with the review default applied.
func (r Review) EffectiveKind() Kind {
	if r.Kind == "" {
		return KindReview
	}
	return r.Kind
}

// Adverse reports whether the kind can only count against a subject.
func (k Kind) Adverse() bool { return k == KindDispute || k == KindFraudSignal }

// SignedWeight returns the weight with the sign its kind implies. Disputes and
// fraud signals always count as adverse evidence.
func (r Review) SignedWeight() float64 {
	if r.Kind.Adverse() {
		return -math.Abs(r.Weight)
	}
	return r.Weight
}

// IsSynthetic reports whether the review was produced by simulation.
func (r Review) IsSynthetic() bool { return r.Source == SourceSynthetic }

// Reviewer returns the normalized reviewer identity, falling back to the review ID
// when no reviewer is attached.
func (r Review) Reviewer() string {
	if r.ReviewerID == "" {
		return "anon:" + r.ID
	}
	return NormalizeReviewer(r.ReviewerID)
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func instance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("finite", func(fl validator.FieldLevel) bool {
			if fl.Field().Kind() != reflect.Float64 && fl.Field().Kind() != reflect.Float32 {
				return false
			}
			f := fl.Field().Float()
			return !math.IsNaN(f) && !math.IsInf(f, 0)
		})
		validate.RegisterStructValidation(func(sl validator.StructLevel) {
			r := sl.Current().Interface().(Review)
			if r.Kind.Adverse() && r.Weight > 0 {
				sl.ReportError(r.Weight, "Weight", "weight", "adverse_kind", string(r.Kind))
			}
		}, Review{})
	})
	return validate
}

// Validate checks a single review against the shape rules.
func Validate(r Review) error {
	if err := instance().Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("review %q: field %s fails %q (value %v)", r.ID, fe.Field(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("review %q: %w", r.ID, err)
	}
	return nil
}

// ValidateAll validates every review, stopping at the first failure.
func ValidateAll(rs []Review) error {
	for _, r := range rs {
		if err := Validate(r); err != nil {
			return err
		}
	}
	return nil
}

// NormalizeReviewer collapses visually equivalent reviewer identities
// (compatibility forms, case variants, surrounding space) to one key.
func NormalizeReviewer(id string) string {
	s := norm.NFKC.String(strings.TrimSpace(id))
	// Casers hold transform state and are not safe for concurrent use.
	return cases.Fold().String(s)
}

// SortByID sorts reviews in place by ID.
func SortByID(rs []Review) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
}

// Clone returns an independent copy of rs.
func Clone(rs []Review) []Review {
	if rs == nil {
		return nil
	}
	out := make([]Review, len(rs))
	copy(out, rs)
	return out
}
