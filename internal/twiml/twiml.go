// Package twiml builds the protocol documents the telephony carrier executes:
// what to play or say, what input to gather next, and how to end the call.
package twiml

import (
	"encoding/xml"
	"fmt"
)

type Say struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

type Play struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

// Gather listens for caller input while optionally playing a nested prompt, so
// the caller can barge in instead of waiting for playback to finish.
type Gather struct {
	XMLName       xml.Name `xml:"Gather"`
	Input         string   `xml:"input,attr,omitempty"`
	Action        string   `xml:"action,attr,omitempty"`
	Method        string   `xml:"method,attr,omitempty"`
	Timeout       int      `xml:"timeout,attr,omitempty"`
	SpeechTimeout string   `xml:"speechTimeout,attr,omitempty"`
	Language      string   `xml:"language,attr,omitempty"`
	Play          *Play    `xml:"Play,omitempty"`
	Say           *Say     `xml:"Say,omitempty"`
}

type Redirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// Response is an ordered list of verbs rendered as a carrier document.
type Response struct {
	verbs []any
}

func NewResponse() *Response { return &Response{} }

func (r *Response) AddSay(s Say) *Response {
	r.verbs = append(r.verbs, s)
	return r
}

func (r *Response) AddPlay(url string) *Response {
	r.verbs = append(r.verbs, Play{URL: url})
	return r
}

func (r *Response) AddGather(g Gather) *Response {
	r.verbs = append(r.verbs, g)
	return r
}

func (r *Response) AddRedirect(url string) *Response {
	r.verbs = append(r.verbs, Redirect{URL: url, Method: "POST"})
	return r
}

func (r *Response) AddHangup() *Response {
	r.verbs = append(r.verbs, Hangup{})
	return r
}

func (r *Response) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	start := xml.StartElement{Name: xml.Name{Local: "Response"}}
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	for _, v := range r.verbs {
		if err := e.Encode(v); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

// Render serializes the document with the XML declaration the carrier expects.
func (r *Response) Render() (string, error) {
	body, err := xml.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("render twiml: %w", err)
	}
	return xml.Header + string(body), nil
}
