package redisstream

// Stream entry fields.
const (
	fieldData        = "data" // raw encoded envelope, binary-safe
	fieldPublishedAt = "published_at"

	fieldOrigSubject = "orig_subject"
	fieldOrigID      = "orig_id"
	fieldError       = "error"
)
