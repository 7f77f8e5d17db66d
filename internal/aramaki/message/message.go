// Package message defines the wire structures exchanged with the platform:
// the outer encrypted envelope, the decrypted inbound message in its two
// flavours (tag-delimited XML and key/value JSON), and the reply payloads.
//
// Both decoders normalize into one strict internal record; unknown fields are
// ignored, missing required fields are a decode error rather than a crash.
package message

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"strconv"
)

// ErrMalformed is returned when a body or decrypted payload cannot be decoded
// into the expected structure. Handlers map it to a client-input error.
var ErrMalformed = errors.New("message: malformed payload")

// Inbound message types the gateway dispatches on.
const (
	TypeText   = "text"
	TypeStream = "stream"
	TypeEvent  = "event"
)

// Event types that may trigger a welcome message.
const (
	EventSubscribe = "subscribe"
	EventEnterChat = "enter_chat"
)

// Envelope is the outer wire structure of a delivery request: the encrypted
// payload plus the signature tuple. Fields found inside the body take
// precedence over same-named URL query parameters.
type Envelope struct {
	Encrypt   string
	Signature string
	Timestamp string
	Nonce     string
}

// xmlEnvelope is the tag-delimited body flavour.
type xmlEnvelope struct {
	XMLName   xml.Name `xml:"xml"`
	Encrypt   string   `xml:"Encrypt"`
	Signature string   `xml:"MsgSignature"`
	Timestamp string   `xml:"TimeStamp"`
	Nonce     string   `xml:"Nonce"`
}

// jsonEnvelope is the key/value body flavour. Timestamp may arrive as either
// a JSON string or number.
type jsonEnvelope struct {
	Encrypt   string     `json:"encrypt"`
	Signature string     `json:"msgsignature"`
	Timestamp flexString `json:"timestamp"`
	Nonce     string     `json:"nonce"`
}

// flexString accepts a JSON string or number and stores it as a string.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// ParseEnvelope decodes a delivery request body, sniffing between the XML and
// JSON flavours, and fills any missing signature fields from the URL query
// (msg_signature, timestamp, nonce). An envelope without a complete signature
// tuple or without ciphertext is malformed.
func ParseEnvelope(body []byte, query url.Values) (*Envelope, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}

	var env Envelope
	if trimmed[0] == '<' {
		var x xmlEnvelope
		if err := xml.Unmarshal(trimmed, &x); err != nil {
			return nil, fmt.Errorf("%w: xml: %v", ErrMalformed, err)
		}
		env = Envelope{Encrypt: x.Encrypt, Signature: x.Signature, Timestamp: x.Timestamp, Nonce: x.Nonce}
	} else {
		var j jsonEnvelope
		if err := json.Unmarshal(trimmed, &j); err != nil {
			return nil, fmt.Errorf("%w: json: %v", ErrMalformed, err)
		}
		env = Envelope{Encrypt: j.Encrypt, Signature: j.Signature, Timestamp: string(j.Timestamp), Nonce: j.Nonce}
	}

	// Query parameters are the fallback for fields absent from the body.
	if env.Signature == "" {
		env.Signature = query.Get("msg_signature")
	}
	if env.Timestamp == "" {
		env.Timestamp = query.Get("timestamp")
	}
	if env.Nonce == "" {
		env.Nonce = query.Get("nonce")
	}

	if env.Encrypt == "" {
		return nil, fmt.Errorf("%w: missing encrypt field", ErrMalformed)
	}
	if env.Signature == "" || env.Timestamp == "" || env.Nonce == "" {
		return nil, fmt.Errorf("%w: incomplete signature tuple", ErrMalformed)
	}
	return &env, nil
}

// Inbound is the normalized decrypted message record.
type Inbound struct {
	// Type is the platform message type: text, stream (a poll for a
	// previously issued placeholder), event, or any other platform type.
	Type string
	// MsgID is the platform delivery ID used for retry deduplication.
	// Empty for polls and most events.
	MsgID string
	// Content is the text body for content messages.
	Content string
	// FromUser identifies the sending user when present.
	FromUser string
	// ChatID identifies the conversation when present.
	ChatID string
	// StreamID is the placeholder ID being polled when Type is stream.
	StreamID string
	// Event is the event subtype when Type is event.
	Event string
}

type xmlInbound struct {
	XMLName  xml.Name `xml:"xml"`
	MsgType  string   `xml:"MsgType"`
	MsgID    string   `xml:"MsgId"`
	Content  string   `xml:"Content"`
	FromUser string   `xml:"FromUserName"`
	Event    string   `xml:"Event"`
}

type jsonInbound struct {
	MsgType string `json:"msgtype"`
	MsgID   string `json:"msgid"`
	ChatID  string `json:"chatid"`
	Text    struct {
		Content string `json:"content"`
	} `json:"text"`
	Stream struct {
		ID string `json:"id"`
	} `json:"stream"`
	From struct {
		UserID string `json:"userid"`
	} `json:"from"`
	Event struct {
		EventType string `json:"eventtype"`
	} `json:"event"`
}

// DecodeInbound parses a decrypted plaintext, again sniffing XML vs JSON,
// into one normalized Inbound record. A payload without a message type is
// malformed.
func DecodeInbound(plaintext []byte) (*Inbound, error) {
	trimmed := bytes.TrimSpace(plaintext)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformed)
	}

	if trimmed[0] == '<' {
		var x xmlInbound
		if err := xml.Unmarshal(trimmed, &x); err != nil {
			return nil, fmt.Errorf("%w: xml: %v", ErrMalformed, err)
		}
		in := &Inbound{
			Type:     x.MsgType,
			MsgID:    x.MsgID,
			Content:  x.Content,
			FromUser: x.FromUser,
			Event:    x.Event,
		}
		if in.Type == "" {
			return nil, fmt.Errorf("%w: missing MsgType", ErrMalformed)
		}
		return in, nil
	}

	var j jsonInbound
	if err := json.Unmarshal(trimmed, &j); err != nil {
		return nil, fmt.Errorf("%w: json: %v", ErrMalformed, err)
	}
	in := &Inbound{
		Type:     j.MsgType,
		MsgID:    j.MsgID,
		Content:  j.Text.Content,
		FromUser: j.From.UserID,
		ChatID:   j.ChatID,
		StreamID: j.Stream.ID,
		Event:    j.Event.EventType,
	}
	if in.Type == "" {
		return nil, fmt.Errorf("%w: missing msgtype", ErrMalformed)
	}
	return in, nil
}

// StreamReply is the plaintext reply carrying accumulated generation output
// and a continuation token. Finish=false instructs the platform to poll
// again with the same stream ID.
type StreamReply struct {
	ID      string
	Finish  bool
	Content string
}

// EncodeStreamReply renders a StreamReply as the platform's key/value
// plaintext shape.
func EncodeStreamReply(r StreamReply) ([]byte, error) {
	payload := struct {
		MsgType string `json:"msgtype"`
		Stream  struct {
			ID      string `json:"id"`
			Finish  bool   `json:"finish"`
			Content string `json:"content"`
		} `json:"stream"`
	}{MsgType: TypeStream}
	payload.Stream.ID = r.ID
	payload.Stream.Finish = r.Finish
	payload.Stream.Content = r.Content

	out, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("message: encode stream reply: %w", err)
	}
	return out, nil
}

// EncryptedReply is the key/value response body wrapping an encrypted reply
// plaintext; its field set and names are fixed by the platform contract.
type EncryptedReply struct {
	Encrypt      string `json:"encrypt"`
	MsgSignature string `json:"msgsignature"`
	Timestamp    string `json:"timestamp"`
	Nonce        string `json:"nonce"`
}

// NewEncryptedReply assembles the response envelope for an already encrypted
// payload, signing the (token, timestamp, nonce, ciphertext) tuple with sign.
func NewEncryptedReply(ciphertext string, unixTime int64, nonce string, sign func(timestamp, nonce, ciphertext string) string) EncryptedReply {
	ts := strconv.FormatInt(unixTime, 10)
	return EncryptedReply{
		Encrypt:      ciphertext,
		MsgSignature: sign(ts, nonce, ciphertext),
		Timestamp:    ts,
		Nonce:        nonce,
	}
}
