package model

// ChunkJob is the payload published to the chunk lane: one contiguous
// slice of a campaign's recipient set, with the message text frozen at
// dispatch time so later edits never reach in-flight work.
type ChunkJob struct {
	JobID        string  `json:"job_id"`
	CampaignID   int64   `json:"campaign_id"`
	RecipientIDs []int64 `json:"recipient_ids"`
	Text         string  `json:"text"`
	Attempt      int     `json:"attempt"`
}

// SendJob is the payload published to the send lane: one message to one
// chat. CampaignID 0 marks an ad-hoc send with no campaign bookkeeping.
// ChatID 0 means the recipient vanished from the directory between
// dispatch and expansion; the sender records it as a permanent failure.
type SendJob struct {
	JobID       string `json:"job_id"`
	CampaignID  int64  `json:"campaign_id"`
	RecipientID int64  `json:"recipient_id"`
	ChatID      int64  `json:"chat_id"`
	Text        string `json:"text"`
	Attempt     int    `json:"attempt"`
}
