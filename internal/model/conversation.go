package model

// OutboundRequest is a reply submitted through the control surface.
type OutboundRequest struct {
	ContactID int64  `json:"contactId"`
	Text      string `json:"text"`
}

// SendResponse is returned by POST /send on success.
type SendResponse struct {
	Status string `json:"status"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	WSConnected   bool   `json:"ws_connected"`
	StateContacts int    `json:"state_contacts"`
}

// Watermark is one conversation's last forwarded item id.
type Watermark struct {
	Key    string `json:"key"`
	ItemID int64  `json:"itemId"`
}
