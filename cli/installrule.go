package cli

import "encoding/xml"

// These mirror rulehandler's unexported wire types; install-rule is a
// separate process from the node it talks to, so it builds its own
// copy of the packet shape rather than importing unexported types.
type ruleInstallHeader struct {
	RuleBaseVersion    string `xml:"ruleBaseVersion"`
	RuleBaseCommitment bool   `xml:"ruleBaseCommitment"`
	AuthToken          string `xml:"authToken,omitempty"`
}

type ruleInstallTargetService struct {
	ServiceName   string `xml:"serviceName"`
	OperationName string `xml:"operationName"`
}

type ruleInstallFileData struct {
	Data string `xml:"data"`
}

type ruleInstallPacket struct {
	XMLName       xml.Name                 `xml:"ruleinstall"`
	Header        ruleInstallHeader        `xml:"header"`
	TargetService ruleInstallTargetService `xml:"targetservice"`
	RuleFileData  ruleInstallFileData      `xml:"rulefiledata"`
}

// buildRuleInstallPacket marshals a rule-install datagram for the
// target node's rulehandler listener.
func buildRuleInstallPacket(version, service, operation string, commit bool, data []byte) []byte {
	packet := ruleInstallPacket{
		Header: ruleInstallHeader{
			RuleBaseVersion:    version,
			RuleBaseCommitment: commit,
		},
		TargetService: ruleInstallTargetService{ServiceName: service, OperationName: operation},
		RuleFileData:  ruleInstallFileData{Data: string(data)},
	}
	out, _ := xml.Marshal(packet)
	return out
}
