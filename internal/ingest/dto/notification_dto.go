package dto

// NotificationRequest is the object-created notification payload. Both the
// flat {"objectKey": ...} form and the S3-style records envelope are
// accepted, since bucket notification fan-outs deliver the latter.
type NotificationRequest struct {
	ObjectKey string               `json:"objectKey"`
	Records   []NotificationRecord `json:"records"`
}

// NotificationRecord is one entry of the records envelope.
type NotificationRecord struct {
	S3 struct {
		Object struct {
			Key string `json:"key"`
		} `json:"object"`
	} `json:"s3"`
}

// ObjectKeys flattens the request into the set of created object keys,
// skipping empty entries.
func (r *NotificationRequest) ObjectKeys() []string {
	var keys []string
	if r.ObjectKey != "" {
		keys = append(keys, r.ObjectKey)
	}
	for _, rec := range r.Records {
		if rec.S3.Object.Key != "" {
			keys = append(keys, rec.S3.Object.Key)
		}
	}
	return keys
}

// NotificationResponse acknowledges accepted notifications.
type NotificationResponse struct {
	Queued []string `json:"queued"`
}

// ObjectResponse is the metadata lookup response.
type ObjectResponse struct {
	ObjectKey string `json:"objectKey"`
	Status    string `json:"status"`
	UpdatedAt string `json:"updatedAt"`
}
