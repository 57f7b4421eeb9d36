// Package chunk partitions a campaign's recipient set into bounded queue
// jobs. Splitting is pure over the id list: same input, same slicing.
package chunk

import (
	"github.com/merchbot/broadcast-gateway/internal/model"
	"github.com/merchbot/broadcast-gateway/internal/util"
)

// DefaultSize is the upper bound on recipients per chunk job.
const DefaultSize = 100

// Split partitions recipientIDs into contiguous slices of at most size
// ids, preserving input order. K recipients produce ceil(K/size) jobs;
// each id lands in exactly one job. Every job carries the message text
// frozen at dispatch time. An empty input yields no jobs.
func Split(campaignID int64, text string, recipientIDs []int64, size int) []model.ChunkJob {
	if size <= 0 {
		size = DefaultSize
	}
	if len(recipientIDs) == 0 {
		return nil
	}

	jobs := make([]model.ChunkJob, 0, (len(recipientIDs)+size-1)/size)
	for start := 0; start < len(recipientIDs); start += size {
		end := start + size
		if end > len(recipientIDs) {
			end = len(recipientIDs)
		}

		ids := make([]int64, end-start)
		copy(ids, recipientIDs[start:end])

		jobs = append(jobs, model.ChunkJob{
			JobID:        util.New(),
			CampaignID:   campaignID,
			RecipientIDs: ids,
			Text:         text,
			Attempt:      1,
		})
	}
	return jobs
}
