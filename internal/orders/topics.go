package orders

const (
	TopicOrderReserved  = "order.reserved"
	TopicOrderFulfilled = "order.fulfilled"
	TopicOrderExpired   = "order.expired"
	TopicOrderCancelled = "order.cancelled"
)

// Partition key = order_id, supaya semua event 1 order maintain urutan.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
