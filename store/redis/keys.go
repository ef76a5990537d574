package redis

// Redis key naming conventions for renderq data.
// All keys are prefixed with "renderq:" to avoid collisions.

const keyPrefix = "renderq:"

// jobKey returns the key for a job record Hash: renderq:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// queueKey returns the List key for a dispatch queue: renderq:queue:{name}
func queueKey(name string) string { return keyPrefix + "queue:" + name }

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"
