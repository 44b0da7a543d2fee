package messaging

type KafkaEvent = string

const (
	SyncRequestedEvent   = "sync_requested"
	SyncProgressEvent    = "sync_progress"
	SyncCompletedEvent   = "sync_completed"
	SyncFailedEvent      = "sync_failed"
	InventoryPushedEvent = "inventory_pushed"
)

// Топики платформы синхронизации
const (
	SyncJobsTopic   = "sync-jobs"
	SyncEventsTopic = "sync-events"
)
