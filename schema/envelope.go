package schema

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidPayload is returned when an envelope fails structural validation.
var ErrInvalidPayload = errors.New("invalid settings payload")

// UserSettings is the attribute set carried by a settings record. All fields
// are optional; a nil pointer means the field is absent from the payload.
type UserSettings struct {
	Language    *string `json:"language,omitempty" bson:"language,omitempty"`
	Timezone    *string `json:"timezone,omitempty" bson:"timezone,omitempty"`
	Avatar      *string `json:"avatar,omitempty" bson:"avatar,omitempty" validate:"omitempty,url"`
	LastName    *string `json:"last_name,omitempty" bson:"last_name,omitempty"`
	FirstName   *string `json:"first_name,omitempty" bson:"first_name,omitempty"`
	Email       *string `json:"email,omitempty" bson:"email,omitempty" validate:"omitempty,email"`
	Phone       *string `json:"phone,omitempty" bson:"phone,omitempty" validate:"omitempty,e164"`
	MatrixID    *string `json:"matrix_id,omitempty" bson:"matrix_id,omitempty"`
	DisplayName *string `json:"display_name,omitempty" bson:"display_name,omitempty"`
}

// IsEmpty reports whether no field of the payload is set.
func (u UserSettings) IsEmpty() bool {
	return u.Language == nil && u.Timezone == nil && u.Avatar == nil &&
		u.LastName == nil && u.FirstName == nil && u.Email == nil &&
		u.Phone == nil && u.MatrixID == nil && u.DisplayName == nil
}

// Envelope is the message exchanged over the broker for settings operations.
// Timestamp is producer emission time in unix milliseconds and is
// informational only; ordering decisions are made on Version alone.
type Envelope struct {
	Source    string       `json:"source" validate:"required"`
	Nickname  string       `json:"nickname" validate:"required,nickname"`
	RequestID string       `json:"request_id" validate:"required"`
	Timestamp int64        `json:"timestamp" validate:"required,gt=0"`
	Version   int          `json:"version" validate:"required,gte=1"`
	Payload   UserSettings `json:"payload"`
}

var nicknameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,62}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Nicknames are opaque but must at least be lowercase, start alphanumeric
	// and stay within LDAP uid length limits.
	_ = v.RegisterValidation("nickname", func(fl validator.FieldLevel) bool {
		return nicknameRe.MatchString(fl.Field().String())
	})
	return v
}

// ValidateUpdate checks an incremental update envelope. The payload must
// carry at least one field to merge.
func ValidateUpdate(env *Envelope) error {
	if err := validate.Struct(env); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if env.Payload.IsEmpty() {
		return fmt.Errorf("%w: at least one setting must be provided", ErrInvalidPayload)
	}
	return nil
}

// ValidateFull checks a full-record envelope (creation or broadcast). An
// empty payload is allowed here; a user may have no settings populated yet.
func ValidateFull(env *Envelope) error {
	if err := validate.Struct(env); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// NewNotification builds a full-state broadcast envelope for a record's
// current settings.
func NewNotification(source, nickname, requestID string, version int, payload UserSettings, now time.Time) *Envelope {
	return &Envelope{
		Source:    source,
		Nickname:  nickname,
		RequestID: requestID,
		Timestamp: now.UnixMilli(),
		Version:   version,
		Payload:   payload,
	}
}
