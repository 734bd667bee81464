package telephony

import (
	"encoding/xml"
	"sort"
)

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL           string           `xml:"url,attr"`
	Bidirectional string           `xml:"bidirectional,attr,omitempty"`
	Parameters    []twimlParameter `xml:"Parameter,omitempty"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// StreamDocument renders the call-control document that connects the answered
// call to a bidirectional media stream at wsURL. params are forwarded to the
// stream's start event as custom parameters.
func StreamDocument(wsURL string, params map[string]string) ([]byte, error) {
	doc := twimlResponse{Connect: twimlConnect{Stream: twimlStream{URL: wsURL, Bidirectional: "true"}}}

	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		doc.Connect.Stream.Parameters = append(doc.Connect.Stream.Parameters, twimlParameter{Name: k, Value: params[k]})
	}

	body, err := xml.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}
