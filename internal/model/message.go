package model

type (
	// Metadata is the per-envelope record stored alongside the packed bytes.
	// Stream ids are in redis `<ms>-<seq>` form and double as pagination
	// cursors.
	Metadata struct {
		Hash      string `json:"hash"`
		Bytes     int64  `json:"bytes"`
		ToHash    string `json:"to_hash"`
		FromHash  string `json:"from_hash,omitempty"`
		ExpiresAt int64  `json:"expires_at"` // seconds since epoch
		Timestamp int64  `json:"timestamp"`  // ms since epoch, arrival
		ReceiveID string `json:"receive_id"` // stream id in RECEIVE_Q
		SendID    string `json:"send_id,omitempty"`
		Ephemeral bool   `json:"ephemeral,omitempty"`
	}

	// StoredMessage joins envelope bytes with metadata, as returned by the
	// fetch_messages script.
	StoredMessage struct {
		StreamID string   `json:"stream_id"`
		Envelope []byte   `json:"envelope"`
		Meta     Metadata `json:"meta"`
	}

	// StatusReply is the get_status_reply script output backing the
	// message-pickup status message.
	StatusReply struct {
		MessageCount   int64 `json:"message_count"`
		TotalBytes     int64 `json:"total_bytes"`
		OldestReceived int64 `json:"oldest_received,omitempty"` // ms since epoch
		NewestReceived int64 `json:"newest_received,omitempty"` // ms since epoch
		QueueCount     int64 `json:"queue_count"`
		LiveDelivery   bool  `json:"live_delivery"`
	}

	// RecipientResult is the per-recipient outcome of an inbound submission.
	RecipientResult struct {
		DID   string `json:"did"`
		Error string `json:"error,omitempty"`
	}

	// SendMessageResponse reports partial success across recipients.
	SendMessageResponse struct {
		MessageID  string            `json:"message_id"`
		Recipients []RecipientResult `json:"recipients"`
	}
)
