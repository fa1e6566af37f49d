package wecom

import (
	"encoding/xml"
	"errors"
	"fmt"
)

var ErrNoEncryptField = errors.New("callback XML has no Encrypt field")

// CallbackEnvelope is the outer XML WeCom POSTs to the callback URL and
// the decrypted event body share the same shape. Values may or may not be
// wrapped in CDATA; encoding/xml accepts both.
type CallbackEnvelope struct {
	XMLName    xml.Name `xml:"xml"`
	ToUserName string   `xml:"ToUserName"`
	CreateTime int64    `xml:"CreateTime"`
	MsgType    string   `xml:"MsgType"`
	Event      string   `xml:"Event"`
	Token      string   `xml:"Token"`
	OpenKfID   string   `xml:"OpenKfId"`
	Encrypt    string   `xml:"Encrypt"`
}

// ParseCallbackEnvelope parses a callback XML document. Missing fields
// stay zero-valued; the signature check outside is what actually decides
// whether a payload is trustworthy.
func ParseCallbackEnvelope(data []byte) (CallbackEnvelope, error) {
	var env CallbackEnvelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return CallbackEnvelope{}, fmt.Errorf("parse callback XML: %w", err)
	}
	return env, nil
}

// ExtractEncryptedBody pulls the Encrypt field out of the outer envelope.
func ExtractEncryptedBody(data []byte) (string, error) {
	env, err := ParseCallbackEnvelope(data)
	if err != nil {
		return "", err
	}
	if env.Encrypt == "" {
		return "", ErrNoEncryptField
	}
	return env.Encrypt, nil
}
