package notification

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/aws/aws-lambda-go/events"
)

const s3TestEvent = "s3:TestEvent"

// FromS3Event converts every record of an S3 event.
func FromS3Event(ev events.S3Event) ([]Notification, error) {
	if len(ev.Records) == 0 {
		return nil, ErrNoRecords
	}
	out := make([]Notification, 0, len(ev.Records))
	for _, r := range ev.Records {
		key := r.S3.Object.URLDecodedKey
		if key == "" {
			decoded, err := url.QueryUnescape(r.S3.Object.Key)
			if err != nil {
				return nil, fmt.Errorf("decode object key %q: %w", r.S3.Object.Key, err)
			}
			key = decoded
		}
		out = append(out, Notification{
			Bucket:    r.S3.Bucket.Name,
			Key:       key,
			Size:      r.S3.Object.Size,
			ETag:      r.S3.Object.ETag,
			EventName: r.EventName,
			EventTime: r.EventTime,
		})
	}
	return out, nil
}

// FromSQSEvent decodes the body of every message as an S3 event document.
// Messages holding the s3:TestEvent sent when a notification is first
// configured contribute nothing.
func FromSQSEvent(ev events.SQSEvent) ([]Notification, error) {
	if len(ev.Records) == 0 {
		return nil, ErrNoRecords
	}
	var out []Notification
	for _, msg := range ev.Records {
		notes, err := Decode([]byte(msg.Body))
		if err != nil {
			return nil, fmt.Errorf("sqs message %s: %w", msg.MessageId, err)
		}
		out = append(out, notes...)
	}
	return out, nil
}

// envelope holds the fields used to tell the supported payload shapes
// apart.
type envelope struct {
	Records []json.RawMessage `json:"Records"`

	// s3:TestEvent
	Event string `json:"Event"`

	// SNS notification delivered raw to SQS or HTTP.
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

// Decode parses a raw payload. It accepts an S3 event document (the shape
// MinIO also publishes), an SQS event whose bodies are S3 event documents,
// and an SNS envelope wrapping either. A test event returns no
// notifications and no error.
func Decode(data []byte) ([]Notification, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}

	switch {
	case env.Event == s3TestEvent:
		return nil, nil
	case env.Type == "Notification" && env.Message != "":
		return Decode([]byte(env.Message))
	case env.Records == nil:
		return nil, ErrUnrecognized
	case len(env.Records) == 0:
		return nil, ErrNoRecords
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(env.Records[0], &probe); err != nil {
		return nil, fmt.Errorf("decode notification record: %w", err)
	}
	if _, ok := probe["body"]; ok {
		var ev events.SQSEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode sqs event: %w", err)
		}
		return FromSQSEvent(ev)
	}
	if _, ok := probe["s3"]; !ok {
		return nil, ErrUnrecognized
	}

	var ev events.S3Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode s3 event: %w", err)
	}
	return FromS3Event(ev)
}
