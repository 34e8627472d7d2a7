package types

import "time"

// Reading is one temperature observation, optionally with humidity.
type Reading struct {
	Temperature float64
	Humidity    *float64
	ObservedAt  time.Time
}

// DeliveryRecord holds the values of the last reading the endpoint acknowledged.
type DeliveryRecord struct {
	Temperature *float64   `json:"temperature,omitempty"`
	Humidity    *float64   `json:"humidity,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
}

// IsEmpty reports whether nothing has been delivered yet.
func (d DeliveryRecord) IsEmpty() bool {
	return d.SentAt == nil && d.Temperature == nil
}

// Payload is the JSON body posted to the ingestion endpoint.
type Payload struct {
	Temperature float64  `json:"temperature"`
	Location    string   `json:"location"`
	Timestamp   int64    `json:"timestamp"`
	Humidity    *float64 `json:"humidity,omitempty"`
}
