package message_test

import (
	"encoding/json"
	"errors"
	"net/url"
	"testing"

	"github.com/section9-dev/aramaki/internal/aramaki/message"
)

func TestParseEnvelope_JSONBody(t *testing.T) {
	body := []byte(`{"encrypt":"CIPHER","msgsignature":"sig","timestamp":1700000000,"nonce":"n1"}`)
	env, err := message.ParseEnvelope(body, url.Values{})
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Encrypt != "CIPHER" || env.Signature != "sig" || env.Timestamp != "1700000000" || env.Nonce != "n1" {
		t.Errorf("unexpected envelope: %+v", env)
	}
}

func TestParseEnvelope_XMLBodyWithQueryFallback(t *testing.T) {
	body := []byte(`<xml><ToUserName><![CDATA[wx1]]></ToUserName><Encrypt><![CDATA[CIPHER]]></Encrypt></xml>`)
	query := url.Values{
		"msg_signature": {"qsig"},
		"timestamp":     {"1700000000"},
		"nonce":         {"qnonce"},
	}
	env, err := message.ParseEnvelope(body, query)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Encrypt != "CIPHER" {
		t.Errorf("Encrypt = %q", env.Encrypt)
	}
	if env.Signature != "qsig" || env.Timestamp != "1700000000" || env.Nonce != "qnonce" {
		t.Errorf("query fallback not applied: %+v", env)
	}
}

func TestParseEnvelope_BodyFieldsWinOverQuery(t *testing.T) {
	body := []byte(`{"encrypt":"CIPHER","msgsignature":"bodysig","timestamp":"111","nonce":"bodynonce"}`)
	query := url.Values{
		"msg_signature": {"querysig"},
		"timestamp":     {"222"},
		"nonce":         {"querynonce"},
	}
	env, err := message.ParseEnvelope(body, query)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Signature != "bodysig" || env.Timestamp != "111" || env.Nonce != "bodynonce" {
		t.Errorf("body fields should take precedence: %+v", env)
	}
}

func TestParseEnvelope_Malformed(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		query url.Values
	}{
		{"empty body", "", url.Values{}},
		{"bad json", "{not json", url.Values{}},
		{"bad xml", "<xml><unclosed>", url.Values{}},
		{"missing encrypt", `{"msgsignature":"s","timestamp":"1","nonce":"n"}`, url.Values{}},
		{"incomplete signature tuple", `{"encrypt":"C"}`, url.Values{"timestamp": {"1"}}},
	}
	for _, tc := range cases {
		if _, err := message.ParseEnvelope([]byte(tc.body), tc.query); !errors.Is(err, message.ErrMalformed) {
			t.Errorf("%s: expected ErrMalformed, got %v", tc.name, err)
		}
	}
}

func TestDecodeInbound_JSONText(t *testing.T) {
	plain := []byte(`{"msgtype":"text","msgid":"m1","chatid":"c1","from":{"userid":"u1"},"text":{"content":"hello"},"ignored":"field"}`)
	in, err := message.DecodeInbound(plain)
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if in.Type != message.TypeText || in.MsgID != "m1" || in.Content != "hello" || in.FromUser != "u1" || in.ChatID != "c1" {
		t.Errorf("unexpected record: %+v", in)
	}
}

func TestDecodeInbound_JSONStreamPoll(t *testing.T) {
	plain := []byte(`{"msgtype":"stream","stream":{"id":"s-42"}}`)
	in, err := message.DecodeInbound(plain)
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if in.Type != message.TypeStream || in.StreamID != "s-42" {
		t.Errorf("unexpected record: %+v", in)
	}
}

func TestDecodeInbound_JSONEvent(t *testing.T) {
	plain := []byte(`{"msgtype":"event","event":{"eventtype":"enter_chat"},"chatid":"c9"}`)
	in, err := message.DecodeInbound(plain)
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if in.Type != message.TypeEvent || in.Event != message.EventEnterChat || in.ChatID != "c9" {
		t.Errorf("unexpected record: %+v", in)
	}
}

func TestDecodeInbound_XMLText(t *testing.T) {
	plain := []byte(`<xml>
  <FromUserName><![CDATA[u7]]></FromUserName>
  <MsgType><![CDATA[text]]></MsgType>
  <Content><![CDATA[ping]]></Content>
  <MsgId>4567</MsgId>
  <UnknownTag>ignored</UnknownTag>
</xml>`)
	in, err := message.DecodeInbound(plain)
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if in.Type != message.TypeText || in.MsgID != "4567" || in.Content != "ping" || in.FromUser != "u7" {
		t.Errorf("unexpected record: %+v", in)
	}
}

func TestDecodeInbound_XMLEvent(t *testing.T) {
	plain := []byte(`<xml><MsgType>event</MsgType><Event>subscribe</Event><FromUserName>u2</FromUserName></xml>`)
	in, err := message.DecodeInbound(plain)
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if in.Type != message.TypeEvent || in.Event != message.EventSubscribe {
		t.Errorf("unexpected record: %+v", in)
	}
}

func TestDecodeInbound_MissingTypeIsError(t *testing.T) {
	cases := []string{
		`{}`,
		`{"text":{"content":"hi"}}`,
		`<xml><Content>hi</Content></xml>`,
		``,
	}
	for _, plain := range cases {
		if _, err := message.DecodeInbound([]byte(plain)); !errors.Is(err, message.ErrMalformed) {
			t.Errorf("%q: expected ErrMalformed, got %v", plain, err)
		}
	}
}

func TestEncodeStreamReply_Shape(t *testing.T) {
	out, err := message.EncodeStreamReply(message.StreamReply{ID: "s-1", Finish: true, Content: "done"})
	if err != nil {
		t.Fatalf("EncodeStreamReply: %v", err)
	}

	var decoded struct {
		MsgType string `json:"msgtype"`
		Stream  struct {
			ID      string `json:"id"`
			Finish  bool   `json:"finish"`
			Content string `json:"content"`
		} `json:"stream"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if decoded.MsgType != "stream" || decoded.Stream.ID != "s-1" || !decoded.Stream.Finish || decoded.Stream.Content != "done" {
		t.Errorf("unexpected reply %s", out)
	}
}

func TestNewEncryptedReply_SignsTuple(t *testing.T) {
	var gotTS, gotNonce, gotCT string
	rep := message.NewEncryptedReply("CIPHER", 1700000000, "n1", func(ts, nonce, ct string) string {
		gotTS, gotNonce, gotCT = ts, nonce, ct
		return "signed"
	})

	if rep.Timestamp != "1700000000" || rep.Nonce != "n1" || rep.Encrypt != "CIPHER" || rep.MsgSignature != "signed" {
		t.Errorf("unexpected reply: %+v", rep)
	}
	if gotTS != "1700000000" || gotNonce != "n1" || gotCT != "CIPHER" {
		t.Errorf("sign called with (%q,%q,%q)", gotTS, gotNonce, gotCT)
	}
}
