package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// DedupWindow is the createdAt tolerance inside which two messages with the
// same body and room are considered the same provisional message.
const DedupWindow = 50 * time.Millisecond

// Attachment is a file reference carried by a forum message.
type Attachment struct {
	URL      string `json:"url"`
	FileType string `json:"fileType"`
	FileName string `json:"fileName"`
}

// Validate checks the attachment has a location.
func (a Attachment) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.URL, validation.Required, validation.Length(1, 2048)),
	)
}

// Attachments is stored as a JSONB column.
type Attachments []Attachment

// Value implements driver.Valuer.
func (a Attachments) Value() (driver.Value, error) {
	if a == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(a)
}

// Scan implements sql.Scanner.
func (a *Attachments) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*a = Attachments{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("attachments: unsupported scan type %T", src)
	}
	if len(raw) == 0 {
		*a = Attachments{}
		return nil
	}
	return json.Unmarshal(raw, a)
}

// Message is a forum chat message. IDs handed out by the client before a
// flush are provisional; ids returned by the server are settled.
type Message struct {
	ID          int64       `db:"id" json:"id"`
	Body        string      `db:"body" json:"body"`
	RoomID      int64       `db:"forum_id" json:"roomId"`
	SenderID    string      `db:"sender_id" json:"senderId"`
	Attachments Attachments `db:"attachments" json:"attachments"`
	CreatedAt   time.Time   `db:"created_at" json:"createdAt"`
}

// Validate enforces the required fields of a message. The body may be empty
// only when at least one attachment is present.
func (m Message) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.ID, validation.Min(int64(0))),
		validation.Field(&m.RoomID, validation.Required, validation.Min(int64(1))),
		validation.Field(&m.SenderID, validation.Required),
		validation.Field(&m.CreatedAt, validation.Required),
		validation.Field(&m.Body, validation.When(len(m.Attachments) == 0,
			validation.Required, validation.By(notBlank))),
		validation.Field(&m.Attachments),
	)
}

func notBlank(value interface{}) error {
	s, _ := value.(string)
	if strings.TrimSpace(s) == "" {
		return errors.New("must not be blank")
	}
	return nil
}

// IsFuzzyDuplicate reports whether a and b are the same provisional message:
// same body and room, createdAt less than DedupWindow apart.
func IsFuzzyDuplicate(a, b Message) bool {
	if a.Body != b.Body || a.RoomID != b.RoomID {
		return false
	}
	d := a.CreatedAt.Sub(b.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d < DedupWindow
}

// ContainsDuplicate reports whether msgs already holds m, by id or by the
// fuzzy rule.
func ContainsDuplicate(msgs []Message, m Message) bool {
	for _, existing := range msgs {
		if existing.ID == m.ID || IsFuzzyDuplicate(existing, m) {
			return true
		}
	}
	return false
}
