package domain

// JobMessage is a dispatch unit flowing into the worker pool. It arrives
// either from the RabbitMQ queue (FromQueue, carrying the delivery tag for
// ack/nack) or from an in-process source: the folder watcher, startup
// recovery, or a retry release from the scheduler.
type JobMessage struct {
	JobID       string `json:"job_id"`
	DeliveryTag uint64 `json:"-"`
	FromQueue   bool   `json:"-"`
	Retry       bool   `json:"-"`
}
