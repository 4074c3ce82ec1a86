// Package codec implements TokenCodec: marshaling of token envelopes to
// and from the UDP wire format, and the chunk/reassembly scheme used
// when an envelope does not fit in a single datagram.
package codec

import (
	"encoding/xml"
	"time"

	"tokenflow.evalgo.org/errs"
	"tokenflow.evalgo.org/token"
)

// wireHeader mirrors the header block of the wire token packet.
type wireHeader struct {
	SequenceID              int64  `xml:"sequenceId"`
	RuleBaseVersion         string `xml:"ruleBaseVersion"`
	PriortiseSID            int64  `xml:"priortiseSID"`
	MonitorIncomingEvents   bool   `xml:"monitorIncomingEvents"`
}

type wireService struct {
	ServiceName   string `xml:"serviceName"`
	OperationName string `xml:"operationName"`
}

type wireJoinAttribute struct {
	AttributeName  string    `xml:"attributeName"`
	AttributeValue string    `xml:"attributeValue"`
	NotAfter       time.Time `xml:"notAfter"`
	Status         string    `xml:"status"`
}

type wireMonitorData struct {
	ProcessStartTime   time.Time `xml:"processStartTime"`
	ProcessElapsedTime int64     `xml:"processElapsedTime"` // milliseconds on the wire
	CallingService     string    `xml:"callingService"`
}

// wirePayload is the root element of a token packet, named "payload"
// per the external interface in spec §6.
type wirePayload struct {
	XMLName        xml.Name            `xml:"payload"`
	Header         wireHeader          `xml:"header"`
	Service        wireService         `xml:"service"`
	JoinAttributes []wireJoinAttribute `xml:"joinAttribute"`
	MonitorData    wireMonitorData     `xml:"monitorData"`
	// Business is carried as an opaque, already-serialized blob so the
	// codec never needs to know the shape of any given place's payload.
	Business []byte `xml:"business"`
}

// toWire converts a token envelope into its wire representation.
func toWire(env *token.Envelope, businessJSON []byte) wirePayload {
	w := wirePayload{
		Header: wireHeader{
			SequenceID:      env.SequenceID,
			RuleBaseVersion: env.RuleBaseVersion,
			PriortiseSID:    env.SequenceID,
		},
		Service: wireService{
			ServiceName:   env.ServiceName,
			OperationName: env.OperationName,
		},
		MonitorData: wireMonitorData{
			ProcessStartTime:   env.Monitor.ProcessStartTime,
			ProcessElapsedTime: env.Monitor.ProcessElapsedTime.Milliseconds(),
			CallingService:     env.Monitor.CallingService,
		},
		Business: businessJSON,
	}
	for _, ja := range env.JoinAttributes {
		w.JoinAttributes = append(w.JoinAttributes, wireJoinAttribute{
			AttributeName:  ja.Name,
			AttributeValue: ja.Value,
			NotAfter:       ja.NotAfter,
			Status:         ja.Status,
		})
	}
	return w
}

// fromWire converts a parsed wire payload into a token envelope. It
// checks that sequenceId, ruleBaseVersion, serviceName and operationName
// are present and reports a missing one as ErrMalformedToken; the
// joinAttribute and monitorData sections are not checked and may be
// absent.
func fromWire(w wirePayload) (*token.Envelope, []byte, error) {
	if w.Header.SequenceID == 0 || w.Header.RuleBaseVersion == "" ||
		w.Service.ServiceName == "" || w.Service.OperationName == "" {
		return nil, nil, errs.ErrMalformedToken
	}

	env := &token.Envelope{
		SequenceID:      w.Header.SequenceID,
		RuleBaseVersion: w.Header.RuleBaseVersion,
		ServiceName:     w.Service.ServiceName,
		OperationName:   w.Service.OperationName,
		Monitor: token.MonitorData{
			ProcessStartTime:   w.MonitorData.ProcessStartTime,
			ProcessElapsedTime: time.Duration(w.MonitorData.ProcessElapsedTime) * time.Millisecond,
			CallingService:     w.MonitorData.CallingService,
		},
	}
	for _, ja := range w.JoinAttributes {
		env.JoinAttributes = append(env.JoinAttributes, token.JoinAttribute{
			Name:     ja.AttributeName,
			Value:    ja.AttributeValue,
			Status:   ja.Status,
			NotAfter: ja.NotAfter,
		})
	}
	return env, w.Business, nil
}
