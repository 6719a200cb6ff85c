package redis

// Key layout. Everything lives under one prefix so a shared Redis can
// be swept with a single SCAN pattern.
const keyPrefix = "proofgate:"

// workerKey returns the hash key for a roster record.
func workerKey(id string) string { return keyPrefix + "worker:" + id }

// workerIDsKey indexes all roster record IDs.
const workerIDsKey = keyPrefix + "worker_ids"

// dlqKey returns the hash key for a dead-letter entry.
func dlqKey(id string) string { return keyPrefix + "dlq:" + id }

// dlqIndexKey is the sorted set of entry IDs scored by failure time.
const dlqIndexKey = keyPrefix + "dlq_index"
