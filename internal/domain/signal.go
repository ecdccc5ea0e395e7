package domain

// SDPPayload is the JSON structure for SDP offer/answer messages.
type SDPPayload struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// Metadata is sent over the side channel once it opens.
type Metadata struct {
	Room   string `json:"room"`
	Client string `json:"client"`
}
